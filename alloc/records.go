package alloc

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/tchajed/marshal"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/pageid"
)

// Log record layouts (each the payload of one slot, first byte is the tag):
//
//	checkpoint := tag=1 | page_count u32 | {refcount u32, generation u32}[page_count]
//	              | n_attach u16 | {uuid[16], last_slot u64}[n_attach]
//	update     := tag=2 | uuid[16] | client_slot u64 | n_deltas u16 | {page_id u64, delta i32}[n_deltas]
//	attach     := tag=3 | uuid[16] | initial_slot u64
//	detach     := tag=4 | uuid[16]

const (
	tagCheckpoint = 1
	tagUpdate     = 2
	tagAttach     = 3
	tagDetach     = 4
)

// Delta is one signed refcount adjustment, generation-bound via the PageId.
type Delta struct {
	Page  pageid.PageId
	Delta int32
}

type updateRecord struct {
	client uuid.UUID
	slot   uint64
	deltas []Delta
}

type attachment struct {
	client   uuid.UUID
	lastSlot int64
}

type checkpointRecord struct {
	refs    []uint32
	gens    []uint32
	attachs []attachment
}

func putU16(enc *marshal.Enc, v uint16) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	enc.PutBytes(b)
}

func getU16(dec *marshal.Dec) uint16 {
	return binary.LittleEndian.Uint16(dec.GetBytes(2))
}

func encodeUpdate(r updateRecord) []byte {
	enc := marshal.NewEnc(1 + 16 + 8 + 2 + 12*uint64(len(r.deltas)))
	enc.PutBytes([]byte{tagUpdate})
	enc.PutBytes(r.client[:])
	enc.PutInt(r.slot)
	putU16(&enc, uint16(len(r.deltas)))
	for _, d := range r.deltas {
		enc.PutInt(uint64(d.Page))
		enc.PutInt32(uint32(d.Delta))
	}
	return enc.Finish()
}

func decodeUpdate(dec *marshal.Dec) updateRecord {
	var r updateRecord
	copy(r.client[:], dec.GetBytes(16))
	r.slot = dec.GetInt()
	n := getU16(dec)
	r.deltas = make([]Delta, n)
	for i := range r.deltas {
		r.deltas[i] = Delta{
			Page:  pageid.PageId(dec.GetInt()),
			Delta: int32(dec.GetInt32()),
		}
	}
	return r
}

func encodeAttach(client uuid.UUID, initialSlot uint64) []byte {
	enc := marshal.NewEnc(1 + 16 + 8)
	enc.PutBytes([]byte{tagAttach})
	enc.PutBytes(client[:])
	enc.PutInt(initialSlot)
	return enc.Finish()
}

func encodeDetach(client uuid.UUID) []byte {
	enc := marshal.NewEnc(1 + 16)
	enc.PutBytes([]byte{tagDetach})
	enc.PutBytes(client[:])
	return enc.Finish()
}

func encodeCheckpoint(r checkpointRecord) []byte {
	enc := marshal.NewEnc(1 + 4 + 8*uint64(len(r.refs)) + 2 + 24*uint64(len(r.attachs)))
	enc.PutBytes([]byte{tagCheckpoint})
	enc.PutInt32(uint32(len(r.refs)))
	for i := range r.refs {
		enc.PutInt32(r.refs[i])
		enc.PutInt32(r.gens[i])
	}
	putU16(&enc, uint16(len(r.attachs)))
	for _, at := range r.attachs {
		enc.PutBytes(at.client[:])
		enc.PutInt(uint64(at.lastSlot))
	}
	return enc.Finish()
}

func decodeCheckpoint(dec *marshal.Dec) checkpointRecord {
	var r checkpointRecord
	n := dec.GetInt32()
	r.refs = make([]uint32, n)
	r.gens = make([]uint32, n)
	for i := range r.refs {
		r.refs[i] = dec.GetInt32()
		r.gens[i] = dec.GetInt32()
	}
	na := getU16(dec)
	r.attachs = make([]attachment, na)
	for i := range r.attachs {
		copy(r.attachs[i].client[:], dec.GetBytes(16))
		r.attachs[i].lastSlot = int64(dec.GetInt())
	}
	return r
}

func recordTag(payload []byte) (byte, *marshal.Dec, error) {
	if len(payload) < 1 {
		return 0, nil, errors.E(errors.Corruption, "alloc.recordTag", "empty record")
	}
	dec := marshal.NewDec(payload[1:])
	return payload[0], &dec, nil
}
