package logdev

import (
	"io"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/slot"
)

// ReadMode selects the durability a Reader observes, weak to strong.
type ReadMode int

const (
	// Inconsistent readers may observe committed-but-unflushed data.
	Inconsistent ReadMode = iota
	// Speculative readers observe up to commitPos.
	Speculative
	// Durable readers observe only up to flushPos.
	Durable
)

// A Reader iterates the records of the active window at one durability mode.
// A Reader is not safe for concurrent use; distinct Readers are.
type Reader struct {
	d    *LogDevice
	mode ReadMode
	off  uint64
}

// NewReader returns a reader positioned at trimPos.
func (d *LogDevice) NewReader(mode ReadMode) *Reader {
	d.memLock.Lock()
	defer d.memLock.Unlock()
	return &Reader{d: d, mode: mode, off: d.trimPos}
}

// Seek positions the reader at an absolute offset, which must be a slot
// boundary.
func (r *Reader) Seek(off uint64) {
	r.off = off
}

// Offset returns the absolute offset of the next record.
func (r *Reader) Offset() uint64 {
	return r.off
}

// limit returns the highest offset visible in the reader's mode.
// Assumes caller holds d.memLock.
func (r *Reader) limit() uint64 {
	if r.mode == Durable {
		return r.d.flushPos
	}
	return r.d.commitPos
}

// Next parses the record at the reader's offset and advances past it. It
// returns io.EOF when no record is visible at the reader's durability mode.
// The returned payload is a copy.
func (r *Reader) Next() (slot.Range, []byte, error) {
	d := r.d
	d.memLock.Lock()
	defer d.memLock.Unlock()
	if d.failed != nil {
		return slot.Range{}, nil, d.failed
	}
	lim := r.limit()
	if r.off >= lim {
		return slot.Range{}, nil, io.EOF
	}
	if r.off < d.trimPos {
		return slot.Range{}, nil, errors.E(errors.NotFound, "logdev.Reader", "offset below trimPos")
	}
	hdr := make([]byte, slot.HeaderSize)
	d.ringCopyOut(r.off, hdr)
	rec := make([]byte, slot.RecordSize(int(le32(hdr))))
	if r.off+uint64(len(rec)) > lim {
		return slot.Range{}, nil, errors.E(errors.Corruption, "logdev.Reader", "record crosses visibility limit")
	}
	d.ringCopyOut(r.off, rec)
	payload, size, err := slot.Decode(rec)
	if err != nil {
		return slot.Range{}, nil, err
	}
	rng := slot.Range{Lo: r.off, Hi: r.off + size}
	r.off = rng.Hi
	return rng, payload, nil
}

// ReadRange copies the raw bytes of rng from the active window, for replay
// via a slot.Reader.
func (d *LogDevice) ReadRange(rng slot.Range) ([]byte, error) {
	return d.readWindow(rng)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
