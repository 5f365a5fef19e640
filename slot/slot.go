// Package slot implements the record framing used inside llfs logs, and the
// read-lock protocol that pins a log's trim boundary.
//
// Data layout
//
// A slot is a half-open byte range [lo, hi) of a log holding exactly one
// record. Successive slots abut with no gaps; a record's padding belongs to
// its slot:
//
//	record :=
//		length uint32       // payload length in bytes
//		crc32 uint32        // crc32c of the payload
//		payload [length]uint8
//		padding             // zeroes up to 8-byte alignment
//
// All integers are little-endian. The sum of slot sizes across a log's
// active window equals commit_pos - trim_pos.
package slot

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/util"
)

const (
	// HeaderSize is the length + checksum prefix of a record.
	HeaderSize = 8
	// Align is the record alignment; slot sizes are multiples of Align.
	Align = 8
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Range is a half-open byte interval [Lo, Hi) of a log.
type Range struct {
	Lo uint64
	Hi uint64
}

func (r Range) Size() uint64 {
	return r.Hi - r.Lo
}

func (r Range) IsEmpty() bool {
	return r.Hi <= r.Lo
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Lo, r.Hi)
}

// RecordSize returns the slot size of a record carrying n payload bytes.
func RecordSize(n int) uint64 {
	return util.RoundUp(HeaderSize+uint64(n), Align)
}

// Encode frames payload as a slot record.
func Encode(payload []byte) []byte {
	rec := make([]byte, RecordSize(len(payload)))
	binary.LittleEndian.PutUint32(rec[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(rec[4:], crc32.Checksum(payload, castagnoli))
	copy(rec[HeaderSize:], payload)
	return rec
}

// Decode parses the record at the start of b. It returns the payload (a
// sub-slice of b) and the full slot size including padding.
func Decode(b []byte) ([]byte, uint64, error) {
	if len(b) < HeaderSize {
		return nil, 0, errors.E(errors.Corruption, "slot.Decode", "truncated header")
	}
	n := binary.LittleEndian.Uint32(b[0:])
	sum := binary.LittleEndian.Uint32(b[4:])
	size := RecordSize(int(n))
	if uint64(len(b)) < size {
		return nil, 0, errors.E(errors.Corruption, "slot.Decode", "truncated payload")
	}
	payload := b[HeaderSize : HeaderSize+n]
	if crc32.Checksum(payload, castagnoli) != sum {
		return nil, 0, errors.E(errors.Corruption, "slot.Decode", "checksum mismatch")
	}
	return payload, size, nil
}
