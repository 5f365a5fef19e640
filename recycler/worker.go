package recycler

import (
	"context"

	"github.com/bhaskarbora2/llfs/alloc"
	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/pageid"
	"github.com/bhaskarbora2/llfs/util"
)

// worker processes the queue and stack until shutdown. Driven by condWork.
func (r *Recycler) worker() {
	ctx := context.Background()
	r.mu.Lock()
	r.idle = false
	for !r.shutdown && r.failed == nil {
		r.mu.Unlock()
		progress, err := r.step(ctx)
		if err == nil && progress {
			err = r.maybeCheckpoint(ctx)
		}
		r.mu.Lock()
		if err != nil {
			r.failed = err
			break
		}
		if !progress {
			r.idle = true
			r.condIdle.Broadcast()
			if r.shutdown {
				break
			}
			r.condWork.Wait()
			r.idle = false
		}
	}
	util.DPrintf(1, "recycler: worker shutdown")
	r.idle = true
	r.nthread -= 1
	r.condShut.Signal()
	r.condIdle.Broadcast()
	r.mu.Unlock()
}

// step performs one unit of traversal work: advance within the deepest
// frame, pop an exhausted frame, or start a frame from the queue. Returns
// whether it made progress.
func (r *Recycler) step(ctx context.Context) (bool, error) {
	r.mu.Lock()
	if len(r.stack) > 0 {
		f := r.stack[len(r.stack)-1]
		level := len(r.stack) - 1
		if f.cursor < len(f.refs) {
			target := f.refs[f.cursor]
			slot := r.nextSlot
			r.nextSlot++
			newCursor := f.cursor + 1
			r.mu.Unlock()

			if err := r.journal(ctx, encodeAdvance(level, newCursor, slot, target)); err != nil {
				return false, err
			}
			r.mu.Lock()
			f.cursor = newCursor
			r.mu.Unlock()
			return true, r.decrement(ctx, target, slot)
		}

		// Frame exhausted: free the frame's own page (1 -> 0).
		page := f.page
		slot := r.nextSlot
		r.nextSlot++
		r.mu.Unlock()

		if err := r.journal(ctx, encodePop(level, slot, page)); err != nil {
			return false, err
		}
		r.mu.Lock()
		r.stack = r.stack[:level]
		delete(r.tracked, page)
		r.mu.Unlock()
		return true, r.finalize(ctx, page, slot)
	}

	if len(r.queue) > 0 {
		id := r.queue[0]
		r.mu.Unlock()
		refs, err := r.readRefs(id)
		if err != nil {
			return true, r.skip(ctx, id, err)
		}
		if err := r.journal(ctx, encodePush(id, true, refs)); err != nil {
			return false, err
		}
		r.mu.Lock()
		r.queue = r.queue[1:]
		r.stack = append(r.stack, &frame{page: id, refs: refs})
		r.mu.Unlock()
		util.DPrintf(3, "recycler: push %v (%d refs)", id, len(refs))
		return true, nil
	}

	r.mu.Unlock()
	return false, nil
}

// decrement submits -1 to target with the journaled slot, then reacts to the
// resulting refcount: a drop to 1 descends depth-first into target.
func (r *Recycler) decrement(ctx context.Context, target pageid.PageId, slot uint64) error {
	a := r.allocFor(target)
	if err := a.Update(ctx, r.cfg.Client, slot, []alloc.Delta{{Page: target, Delta: -1}}); err != nil {
		return err
	}
	switch a.Refcount(target) {
	case 1:
		return r.descend(ctx, target)
	case 0:
		// Only reachable when target was already garbage; release its page.
		return r.pagesFor(target).Drop(target)
	}
	return nil
}

// descend pushes a frame for a page that just became garbage, keeping the
// traversal depth-first. Bound violations abandon the subtree, not the
// process.
func (r *Recycler) descend(ctx context.Context, target pageid.PageId) error {
	r.mu.Lock()
	if r.tracked[target] {
		r.mu.Unlock()
		return nil
	}
	depth := len(r.stack)
	r.mu.Unlock()

	if depth >= r.cfg.MaxDepth {
		r.noteSubtreeErr(errors.E(errors.DepthExceeded, "recycler.descend", target.String()))
		return nil
	}
	refs, err := r.readRefs(target)
	if err != nil {
		r.noteSubtreeErr(err)
		return nil
	}
	if err := r.journal(ctx, encodePush(target, false, refs)); err != nil {
		return err
	}
	r.mu.Lock()
	r.stack = append(r.stack, &frame{page: target, refs: refs})
	r.tracked[target] = true
	r.mu.Unlock()
	util.DPrintf(3, "recycler: descend %v (%d refs)", target, len(refs))
	return nil
}

// finalize submits the popped frame's own -1 (1 -> 0) and releases its
// physical page.
func (r *Recycler) finalize(ctx context.Context, page pageid.PageId, slot uint64) error {
	a := r.allocFor(page)
	if err := a.Update(ctx, r.cfg.Client, slot, []alloc.Delta{{Page: page, Delta: -1}}); err != nil {
		return err
	}
	if a.Refcount(page) != 0 {
		return nil
	}
	util.DPrintf(2, "recycler: freed %v", page)
	return r.pagesFor(page).Drop(page)
}

// skip journals the abandonment of an unprocessable queued page.
func (r *Recycler) skip(ctx context.Context, id pageid.PageId, cause error) error {
	if err := r.journal(ctx, encodePageRecord(tagSkip, id)); err != nil {
		return err
	}
	r.mu.Lock()
	r.queue = r.queue[1:]
	delete(r.tracked, id)
	r.mu.Unlock()
	r.noteSubtreeErr(cause)
	return nil
}

func (r *Recycler) noteSubtreeErr(err error) {
	util.DPrintf(1, "recycler: abandoning subtree: %v", err)
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

// Checkpoint journals a snapshot of the queue, stack, and slot counter, then
// trims the journal.
func (r *Recycler) Checkpoint(ctx context.Context) error {
	r.mu.Lock()
	if r.checkpointing {
		r.mu.Unlock()
		return nil
	}
	r.checkpointing = true
	rec := encodeCheckpoint(r.nextSlot, r.queue, r.stack)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.checkpointing = false
		r.mu.Unlock()
	}()

	w := r.log.NewWriter()
	rng, err := w.Append(rec)
	if err != nil {
		return err
	}
	if err := w.Flush(ctx); err != nil {
		return err
	}
	if err := r.log.Trim(rng.Lo); err != nil {
		return err
	}
	r.mu.Lock()
	if rng.Hi > r.ckptEnd {
		r.ckptEnd = rng.Hi
	}
	r.mu.Unlock()
	return nil
}

func (r *Recycler) maybeCheckpoint(ctx context.Context) error {
	r.mu.Lock()
	_, _, commit := r.log.Positions()
	due := !r.checkpointing && commit-r.ckptEnd > r.cfg.CheckpointTailBytes
	r.mu.Unlock()
	if !due {
		return nil
	}
	return r.Checkpoint(ctx)
}
