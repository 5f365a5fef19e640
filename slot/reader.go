package slot

import "io"

// A Reader iterates the records of a contiguous log window. base is the
// absolute log offset of buf[0]; the ranges returned by Next are absolute.
type Reader struct {
	buf  []byte
	base uint64
	off  uint64 // relative to buf
}

func NewReader(buf []byte, base uint64) *Reader {
	return &Reader{buf: buf, base: base}
}

// Next parses the next record. It returns io.EOF once the window is
// exhausted, and Corruption if the window ends mid-record.
func (r *Reader) Next() (Range, []byte, error) {
	if r.off == uint64(len(r.buf)) {
		return Range{}, nil, io.EOF
	}
	payload, size, err := Decode(r.buf[r.off:])
	if err != nil {
		return Range{}, nil, err
	}
	rng := Range{Lo: r.base + r.off, Hi: r.base + r.off + size}
	r.off += size
	return rng, payload, nil
}

// Offset returns the absolute offset of the next record.
func (r *Reader) Offset() uint64 {
	return r.base + r.off
}
