package recycler

import (
	"encoding/binary"

	"github.com/tchajed/marshal"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/pageid"
)

// Journal record layouts (each the payload of one slot, first byte the tag).
// Every state change of the queue and the traversal stack is one record:
//
//	enqueue    := tag=1 | page u64
//	push       := tag=2 | page u64 | from_queue u8 | n_refs u16 | ref u64 [n_refs]
//	advance    := tag=3 | level u16 | cursor u16 | slot u64 | target u64
//	pop        := tag=4 | level u16 | slot u64 | page u64
//	skip       := tag=5 | page u64
//	checkpoint := tag=6 | next_slot u64 | n_queue u32 | page u64 [n_queue]
//	              | n_frames u16 | {page u64, cursor u16, n_refs u16, ref u64 [n_refs]} [n_frames]
//
// advance and pop are written (and flushed) before the refcount delta they
// describe is submitted; replay resubmits the delta with the recorded slot,
// which the allocator's exactly-once protocol makes idempotent.

const (
	tagEnqueue    = 1
	tagPush       = 2
	tagAdvance    = 3
	tagPop        = 4
	tagSkip       = 5
	tagCheckpoint = 6
)

type frame struct {
	page   pageid.PageId
	refs   []pageid.PageId
	cursor int
}

func putU16(enc *marshal.Enc, v uint16) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	enc.PutBytes(b)
}

func getU16(dec *marshal.Dec) uint16 {
	return binary.LittleEndian.Uint16(dec.GetBytes(2))
}

func encodePageRecord(tag byte, page pageid.PageId) []byte {
	enc := marshal.NewEnc(1 + 8)
	enc.PutBytes([]byte{tag})
	enc.PutInt(uint64(page))
	return enc.Finish()
}

func encodePush(page pageid.PageId, fromQueue bool, refs []pageid.PageId) []byte {
	enc := marshal.NewEnc(1 + 8 + 1 + 2 + 8*uint64(len(refs)))
	enc.PutBytes([]byte{tagPush})
	enc.PutInt(uint64(page))
	enc.PutBool(fromQueue)
	putU16(&enc, uint16(len(refs)))
	for _, r := range refs {
		enc.PutInt(uint64(r))
	}
	return enc.Finish()
}

func decodePush(dec *marshal.Dec) (pageid.PageId, bool, []pageid.PageId) {
	page := pageid.PageId(dec.GetInt())
	fromQueue := dec.GetBool()
	refs := make([]pageid.PageId, getU16(dec))
	for i := range refs {
		refs[i] = pageid.PageId(dec.GetInt())
	}
	return page, fromQueue, refs
}

func encodeAdvance(level int, cursor int, slot uint64, target pageid.PageId) []byte {
	enc := marshal.NewEnc(1 + 2 + 2 + 8 + 8)
	enc.PutBytes([]byte{tagAdvance})
	putU16(&enc, uint16(level))
	putU16(&enc, uint16(cursor))
	enc.PutInt(slot)
	enc.PutInt(uint64(target))
	return enc.Finish()
}

func encodePop(level int, slot uint64, page pageid.PageId) []byte {
	enc := marshal.NewEnc(1 + 2 + 8 + 8)
	enc.PutBytes([]byte{tagPop})
	putU16(&enc, uint16(level))
	enc.PutInt(slot)
	enc.PutInt(uint64(page))
	return enc.Finish()
}

func encodeCheckpoint(nextSlot uint64, queue []pageid.PageId, stack []*frame) []byte {
	sz := uint64(1 + 8 + 4 + 8*len(queue) + 2)
	for _, f := range stack {
		sz += 8 + 2 + 2 + 8*uint64(len(f.refs))
	}
	enc := marshal.NewEnc(sz)
	enc.PutBytes([]byte{tagCheckpoint})
	enc.PutInt(nextSlot)
	enc.PutInt32(uint32(len(queue)))
	for _, id := range queue {
		enc.PutInt(uint64(id))
	}
	putU16(&enc, uint16(len(stack)))
	for _, f := range stack {
		enc.PutInt(uint64(f.page))
		putU16(&enc, uint16(f.cursor))
		putU16(&enc, uint16(len(f.refs)))
		for _, r := range f.refs {
			enc.PutInt(uint64(r))
		}
	}
	return enc.Finish()
}

func decodeCheckpoint(dec *marshal.Dec) (uint64, []pageid.PageId, []*frame) {
	nextSlot := dec.GetInt()
	queue := make([]pageid.PageId, dec.GetInt32())
	for i := range queue {
		queue[i] = pageid.PageId(dec.GetInt())
	}
	stack := make([]*frame, getU16(dec))
	for i := range stack {
		f := &frame{page: pageid.PageId(dec.GetInt())}
		f.cursor = int(getU16(dec))
		f.refs = make([]pageid.PageId, getU16(dec))
		for j := range f.refs {
			f.refs[j] = pageid.PageId(dec.GetInt())
		}
		stack[i] = f
	}
	return nextSlot, queue, stack
}

func recordTag(payload []byte) (byte, *marshal.Dec, error) {
	if len(payload) < 1 {
		return 0, nil, errors.E(errors.Corruption, "recycler.recordTag", "empty record")
	}
	dec := marshal.NewDec(payload[1:])
	return payload[0], &dec, nil
}
