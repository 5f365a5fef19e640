package recycler

import (
	"context"
	"io"

	"github.com/bhaskarbora2/llfs/alloc"
	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/logdev"
	"github.com/bhaskarbora2/llfs/pagedev"
	"github.com/bhaskarbora2/llfs/pageid"
	"github.com/bhaskarbora2/llfs/util"
)

// pendingIntent is the last journaled advance or pop, whose refcount delta
// may not have reached the allocator before the crash.
type pendingIntent struct {
	tag    byte
	target pageid.PageId
	slot   uint64
}

// Open recovers a recycler from its journal and starts the worker. Replay
// rebuilds the queue and stack; the final journaled intent is resubmitted
// through the allocator (a no-op when it had already been applied).
func Open(ctx context.Context, log *logdev.LogDevice, cfg Config,
	allocs map[pageid.DeviceIndex]*alloc.Allocator,
	pages map[pageid.DeviceIndex]*pagedev.PageDevice) (*Recycler, error) {
	cfg = cfg.WithDefaults()
	r := mkRecycler(log, cfg, allocs, pages)
	trim, _, _ := log.Positions()
	r.ckptEnd = trim

	var pending *pendingIntent
	rd := log.NewReader(logdev.Durable)
	nrec := 0
	for {
		_, payload, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		tag, dec, err := recordTag(payload)
		if err != nil {
			return nil, err
		}
		if tag != tagEnqueue {
			// Enqueues come from other clients and may land between an
			// intent and its delta; every other record follows a
			// completed delta.
			pending = nil
		}
		switch tag {
		case tagEnqueue:
			id := pageid.PageId(dec.GetInt())
			if !r.tracked[id] {
				r.queue = append(r.queue, id)
				r.tracked[id] = true
			}
		case tagPush:
			page, fromQueue, refs := decodePush(dec)
			if fromQueue {
				if len(r.queue) == 0 || r.queue[0] != page {
					return nil, errors.E(errors.Corruption, "recycler.Open", "push does not match queue head")
				}
				r.queue = r.queue[1:]
			}
			r.stack = append(r.stack, &frame{page: page, refs: refs})
			r.tracked[page] = true
		case tagAdvance:
			level := int(getU16(dec))
			cursor := int(getU16(dec))
			slot := dec.GetInt()
			target := pageid.PageId(dec.GetInt())
			if level != len(r.stack)-1 {
				return nil, errors.E(errors.Corruption, "recycler.Open", "advance level mismatch")
			}
			r.stack[level].cursor = cursor
			r.bumpSlot(slot)
			pending = &pendingIntent{tag: tagAdvance, target: target, slot: slot}
		case tagPop:
			level := int(getU16(dec))
			slot := dec.GetInt()
			page := pageid.PageId(dec.GetInt())
			if level != len(r.stack)-1 || r.stack[level].page != page {
				return nil, errors.E(errors.Corruption, "recycler.Open", "pop does not match stack top")
			}
			r.stack = r.stack[:level]
			delete(r.tracked, page)
			r.bumpSlot(slot)
			pending = &pendingIntent{tag: tagPop, target: page, slot: slot}
		case tagSkip:
			id := pageid.PageId(dec.GetInt())
			if len(r.queue) > 0 && r.queue[0] == id {
				r.queue = r.queue[1:]
			}
			delete(r.tracked, id)
		case tagCheckpoint:
			nextSlot, queue, stack := decodeCheckpoint(dec)
			r.nextSlot = nextSlot
			r.queue = queue
			r.stack = stack
			r.tracked = make(map[pageid.PageId]bool)
			for _, id := range queue {
				r.tracked[id] = true
			}
			for _, f := range stack {
				r.tracked[f.page] = true
			}
		default:
			return nil, errors.E(errors.Corruption, "recycler.Open", "unknown record tag")
		}
		nrec++
	}

	if err := r.attachAll(ctx); err != nil {
		return nil, err
	}
	if pending != nil {
		if err := r.resume(ctx, pending); err != nil {
			return nil, err
		}
	}
	util.DPrintf(1, "recycler.Open: replayed %d records, %d queued, %d frames",
		nrec, len(r.queue), len(r.stack))
	r.start()
	return r, nil
}

func (r *Recycler) bumpSlot(slot uint64) {
	if slot+1 > r.nextSlot {
		r.nextSlot = slot + 1
	}
}

// resume re-executes the final journaled intent. The refcount delta is
// idempotent by the exactly-once protocol; the follow-up (descend or page
// drop) is derived from the current refcount, exactly as in the live path.
func (r *Recycler) resume(ctx context.Context, p *pendingIntent) error {
	switch p.tag {
	case tagAdvance:
		return r.decrement(ctx, p.target, p.slot)
	case tagPop:
		return r.finalize(ctx, p.target, p.slot)
	}
	return nil
}
