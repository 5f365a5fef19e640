package volume

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/tchajed/marshal"

	"github.com/bhaskarbora2/llfs/alloc"
	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/pageid"
)

// Volume log record layouts (each the payload of one slot, first byte the
// tag). The prepare slot's Lo offset identifies the job in commit and abort
// records; the Commit record is the transaction's single lineariser.
//
//	prepare := tag=1 | job_uuid[16] | n_new u16 | page u64 [n_new]
//	           | n_read u16 | page u64 [n_read]
//	           | n_deltas u16 | {page u64, delta i32} [n_deltas]
//	           | payload_len u32 | user_payload
//	commit  := tag=2 | prepare_slot u64
//	abort   := tag=3 | prepare_slot u64
const (
	tagPrepare = 1
	tagCommit  = 2
	tagAbort   = 3
)

type prepareRecord struct {
	job      uuid.UUID
	newPages []pageid.PageId
	// readPages are the pre-existing pages the job read while staging;
	// recorded for audit and verification, not replayed.
	readPages []pageid.PageId
	deltas    []alloc.Delta
	payload   []byte
}

func putU16(enc *marshal.Enc, v uint16) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	enc.PutBytes(b)
}

func getU16(dec *marshal.Dec) uint16 {
	return binary.LittleEndian.Uint16(dec.GetBytes(2))
}

func encodePrepare(r prepareRecord) []byte {
	sz := uint64(1 + 16 + 2 + 8*len(r.newPages) + 2 + 8*len(r.readPages) +
		2 + 12*len(r.deltas) + 4 + len(r.payload))
	enc := marshal.NewEnc(sz)
	enc.PutBytes([]byte{tagPrepare})
	enc.PutBytes(r.job[:])
	putU16(&enc, uint16(len(r.newPages)))
	for _, id := range r.newPages {
		enc.PutInt(uint64(id))
	}
	putU16(&enc, uint16(len(r.readPages)))
	for _, id := range r.readPages {
		enc.PutInt(uint64(id))
	}
	putU16(&enc, uint16(len(r.deltas)))
	for _, d := range r.deltas {
		enc.PutInt(uint64(d.Page))
		enc.PutInt32(uint32(d.Delta))
	}
	enc.PutInt32(uint32(len(r.payload)))
	enc.PutBytes(r.payload)
	return enc.Finish()
}

func decodePrepare(dec *marshal.Dec) prepareRecord {
	var r prepareRecord
	copy(r.job[:], dec.GetBytes(16))
	r.newPages = make([]pageid.PageId, getU16(dec))
	for i := range r.newPages {
		r.newPages[i] = pageid.PageId(dec.GetInt())
	}
	r.readPages = make([]pageid.PageId, getU16(dec))
	for i := range r.readPages {
		r.readPages[i] = pageid.PageId(dec.GetInt())
	}
	r.deltas = make([]alloc.Delta, getU16(dec))
	for i := range r.deltas {
		r.deltas[i] = alloc.Delta{
			Page:  pageid.PageId(dec.GetInt()),
			Delta: int32(dec.GetInt32()),
		}
	}
	r.payload = dec.GetBytes(uint64(dec.GetInt32()))
	return r
}

func encodeMark(tag byte, prepareSlot uint64) []byte {
	enc := marshal.NewEnc(1 + 8)
	enc.PutBytes([]byte{tag})
	enc.PutInt(prepareSlot)
	return enc.Finish()
}

func recordTag(payload []byte) (byte, *marshal.Dec, error) {
	if len(payload) < 1 {
		return 0, nil, errors.E(errors.Corruption, "volume.recordTag", "empty record")
	}
	dec := marshal.NewDec(payload[1:])
	return payload[0], &dec, nil
}
