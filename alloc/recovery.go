package alloc

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/logdev"
	"github.com/bhaskarbora2/llfs/util"
)

// Open recovers an allocator from its log: the newest checkpoint is
// installed, then the delta tail is replayed. A replayed update takes effect
// only when its slot exceeds the client's recovered last_slot, so updates
// are applied exactly once across crashes.
func Open(log *logdev.LogDevice, cfg Config) (*Allocator, error) {
	a := Init(log, cfg)
	trim, _, _ := log.Positions()
	a.ckptEnd = trim

	r := log.NewReader(logdev.Durable)
	nrec := 0
	for {
		rng, payload, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			a.mu.Lock()
			a.failed = err
			a.mu.Unlock()
			return nil, err
		}
		tag, dec, err := recordTag(payload)
		if err != nil {
			return nil, err
		}
		switch tag {
		case tagCheckpoint:
			if err := a.installCheckpoint(decodeCheckpoint(dec), rng.Hi); err != nil {
				return nil, err
			}
		case tagUpdate:
			u := decodeUpdate(dec)
			last, ok := a.attach[u.client]
			if !ok {
				// The attach record was checkpointed away or the client
				// attached and updated in one tail; re-admit it.
				last = int64(u.slot) - 1
				a.attach[u.client] = last
			}
			if int64(u.slot) > last {
				a.applyDeltas(u.deltas)
				a.attach[u.client] = int64(u.slot)
			}
		case tagAttach:
			var client uuid.UUID
			copy(client[:], dec.GetBytes(16))
			initial := dec.GetInt()
			if _, ok := a.attach[client]; !ok {
				a.attach[client] = int64(initial) - 1
			}
		case tagDetach:
			var client uuid.UUID
			copy(client[:], dec.GetBytes(16))
			delete(a.attach, client)
		default:
			return nil, errors.E(errors.Corruption, "alloc.Open", "unknown record tag")
		}
		nrec++
	}
	util.DPrintf(1, "alloc.Open: replayed %d records, %d free", nrec, a.free.Count())
	return a, nil
}

func (a *Allocator) installCheckpoint(ck checkpointRecord, end uint64) error {
	if uint32(len(ck.refs)) != a.cfg.PageCount {
		return errors.E(errors.Corruption, "alloc.installCheckpoint", "page count mismatch")
	}
	copy(a.refs, ck.refs)
	copy(a.gens, ck.gens)
	a.attach = make(map[uuid.UUID]int64, len(ck.attachs))
	for _, at := range ck.attachs {
		a.attach[at.client] = at.lastSlot
	}
	a.free.ClearAll()
	for i, rc := range a.refs {
		if rc == 0 {
			a.free.Set(uint(i))
		}
	}
	a.ckptEnd = end
	return nil
}

// snapshot captures the tables for a checkpoint. Assumes caller holds mu.
func (a *Allocator) snapshot() checkpointRecord {
	ck := checkpointRecord{
		refs: append([]uint32(nil), a.refs...),
		gens: append([]uint32(nil), a.gens...),
	}
	for client, last := range a.attach {
		ck.attachs = append(ck.attachs, attachment{client: client, lastSlot: last})
	}
	return ck
}

// Checkpoint writes a snapshot slot, flushes it, and trims the log up to it.
func (a *Allocator) Checkpoint(ctx context.Context) error {
	a.mu.Lock()
	if a.checkpointing {
		a.mu.Unlock()
		return nil
	}
	a.checkpointing = true
	ck := a.snapshot()
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.checkpointing = false
		a.mu.Unlock()
	}()

	w := a.log.NewWriter()
	rng, err := w.Append(encodeCheckpoint(ck))
	if err != nil {
		return err
	}
	if err := w.Flush(ctx); err != nil {
		return err
	}
	if err := a.log.Trim(rng.Lo); err != nil {
		return err
	}
	a.mu.Lock()
	if rng.Hi > a.ckptEnd {
		a.ckptEnd = rng.Hi
	}
	a.mu.Unlock()
	util.DPrintf(2, "alloc: checkpoint at %v", rng)
	return nil
}

// maybeCheckpoint checkpoints once the delta tail exceeds the watermark.
func (a *Allocator) maybeCheckpoint(ctx context.Context) error {
	a.mu.Lock()
	_, _, commit := a.log.Positions()
	due := !a.checkpointing && commit-a.ckptEnd > a.cfg.CheckpointTailBytes
	a.mu.Unlock()
	if !due {
		return nil
	}
	return a.Checkpoint(ctx)
}
