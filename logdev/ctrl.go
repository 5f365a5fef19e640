package logdev

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/tchajed/marshal"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/storage"
)

// Control blocks publish durable positions. Two fixed slots are written
// alternately with a monotone sequence number so that a torn write leaves the
// previous block intact; recovery picks the valid block with the higher
// sequence.
//
//	ctrl := magic u64 | seq u64 | trimPos u64 | flushPos u64 | capacity u64 | crc32 u32

const (
	ctrlMagic = 0x31474f4c53464c4c // "LLFSLOG1"
	ctrlSize  = 512
	ctrlBody  = 40

	ringStart = 2 * ctrlSize
)

var ctrlTable = crc32.MakeTable(crc32.Castagnoli)

func encodeCtrl(seq, trim, flush, capacity uint64) []byte {
	enc := marshal.NewEnc(ctrlSize)
	enc.PutInt(ctrlMagic)
	enc.PutInt(seq)
	enc.PutInt(trim)
	enc.PutInt(flush)
	enc.PutInt(capacity)
	b := enc.Finish()
	binary.LittleEndian.PutUint32(b[ctrlBody:], crc32.Checksum(b[:ctrlBody], ctrlTable))
	return b
}

func decodeCtrl(b []byte) (seq, trim, flush, capacity uint64, ok bool) {
	if binary.LittleEndian.Uint32(b[ctrlBody:]) != crc32.Checksum(b[:ctrlBody], ctrlTable) {
		return 0, 0, 0, 0, false
	}
	dec := marshal.NewDec(b)
	if dec.GetInt() != ctrlMagic {
		return 0, 0, 0, 0, false
	}
	seq = dec.GetInt()
	trim = dec.GetInt()
	flush = dec.GetInt()
	capacity = dec.GetInt()
	return seq, trim, flush, capacity, true
}

// writeCtrl publishes (trim, flush) into the next control slot and issues a
// barrier. Assumes the flushed data itself is already durable.
func (d *LogDevice) writeCtrl(trim, flush uint64) error {
	seq := d.ctrlSeq
	b := encodeCtrl(seq, trim, flush, d.capacity)
	off := int64(seq%2) * ctrlSize
	if err := d.s.WriteAt(b, off); err != nil {
		return err
	}
	if err := d.s.Flush(); err != nil {
		return err
	}
	d.ctrlSeq = seq + 1
	return nil
}

// readCtrl recovers positions from the newer valid control block.
func readCtrl(s storage.LogStorage) (trim, flush, capacity, nextSeq uint64, err error) {
	var bestSeq uint64
	found := false
	for i := int64(0); i < 2; i++ {
		b := make([]byte, ctrlSize)
		if rerr := s.ReadAt(b, i*ctrlSize); rerr != nil {
			return 0, 0, 0, 0, rerr
		}
		seq, t, f, c, ok := decodeCtrl(b)
		if !ok {
			continue
		}
		if !found || seq > bestSeq {
			found = true
			bestSeq, trim, flush, capacity = seq, t, f, c
		}
	}
	if !found {
		return 0, 0, 0, 0, errors.E(errors.Corruption, "logdev.readCtrl", "no valid control block")
	}
	if trim > flush || flush-trim > capacity {
		return 0, 0, 0, 0, errors.E(errors.Corruption, "logdev.readCtrl", "inconsistent positions")
	}
	return trim, flush, capacity, bestSeq + 1, nil
}
