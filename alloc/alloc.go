// Package alloc implements the crash-safe page allocator: per-page refcount
// and generation state, and the client-attachment protocol that makes
// refcount updates exactly-once across client restarts.
//
// The allocator owns a log device. The durable log is a checkpoint (a
// snapshot of the refcount/generation/attachment tables) followed by a tail
// of delta records. An update is first appended and flushed, then applied in
// memory; on recovery the tail is replayed, and a replayed update takes
// effect only if its slot exceeds the recovered last_slot of its client.
// Clients resubmit updates with the same slot after a restart: either the
// update was already applied (no-op) or it is applied now.
package alloc

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/willf/bitset"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/logdev"
	"github.com/bhaskarbora2/llfs/pageid"
	"github.com/bhaskarbora2/llfs/util"
)

type Config struct {
	DeviceIndex pageid.DeviceIndex
	// PageCount is the number of physical pages tracked.
	PageCount uint32
	// MaxAttachments bounds the attachments table.
	MaxAttachments int
	// CheckpointTailBytes is the tail watermark: once the delta tail grows
	// past it, the allocator writes a new checkpoint and trims its log.
	CheckpointTailBytes uint64
}

func (c Config) WithDefaults() Config {
	if c.MaxAttachments == 0 {
		c.MaxAttachments = 64
	}
	if c.CheckpointTailBytes == 0 {
		c.CheckpointTailBytes = 1 << 16
	}
	return c
}

// GarbageFunc is notified when a page drops to refcount 1 (garbage: content
// still readable, ready for the recycler). client is the client whose update
// caused the transition.
type GarbageFunc func(id pageid.PageId, client uuid.UUID)

type refWaiter struct {
	idx  uint32
	pred func(uint32) bool
	ch   chan struct{}
}

type Allocator struct {
	mu  sync.Mutex
	cfg Config
	log *logdev.LogDevice

	refs []uint32
	gens []uint32
	// free marks physical indices available to Allocate: refcount 0 and not
	// handed out to an uncommitted allocation.
	free *bitset.BitSet
	next uint32 // allocation rotor

	attach map[uuid.UUID]int64 // client -> last applied slot

	// ckptEnd is the end offset of the newest checkpoint slot; the delta
	// tail is [ckptEnd, commitPos).
	ckptEnd       uint64
	checkpointing bool

	onGarbage GarbageFunc
	waiters   []*refWaiter
	failed    error
}

// Init creates a fresh allocator over an empty log.
func Init(log *logdev.LogDevice, cfg Config) *Allocator {
	cfg = cfg.WithDefaults()
	a := &Allocator{
		cfg:    cfg,
		log:    log,
		refs:   make([]uint32, cfg.PageCount),
		gens:   make([]uint32, cfg.PageCount),
		free:   bitset.New(uint(cfg.PageCount)),
		attach: make(map[uuid.UUID]int64),
	}
	for i := uint(0); i < uint(cfg.PageCount); i++ {
		a.free.Set(i)
	}
	return a
}

// SetGarbageHook registers fn; it is called without internal locks held.
func (a *Allocator) SetGarbageHook(fn GarbageFunc) {
	a.mu.Lock()
	a.onGarbage = fn
	a.mu.Unlock()
}

func (a *Allocator) DeviceIndex() pageid.DeviceIndex {
	return a.cfg.DeviceIndex
}

// Log exposes the allocator's log device (for shutdown).
func (a *Allocator) Log() *logdev.LogDevice {
	return a.log
}

// FreeCount returns the number of pages available to Allocate.
func (a *Allocator) FreeCount() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint32(a.free.Count())
}

// GarbagePages returns the PageIds currently at refcount 1 (content intact,
// awaiting the recycler), at their live generations.
func (a *Allocator) GarbagePages() []pageid.PageId {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []pageid.PageId
	for i, rc := range a.refs {
		if rc == 1 {
			ids = append(ids, pageid.New(a.cfg.DeviceIndex, pageid.PhysIndex(i), pageid.Generation(a.gens[i])))
		}
	}
	return ids
}

// Refcount returns the current refcount of id's physical page.
func (a *Allocator) Refcount(id pageid.PageId) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs[a.physIndex(id)]
}

// Generation returns the current generation of physical index idx.
func (a *Allocator) Generation(idx pageid.PhysIndex) pageid.Generation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return pageid.Generation(a.gens[idx])
}

func (a *Allocator) physIndex(id pageid.PageId) uint32 {
	if id.Device() != a.cfg.DeviceIndex {
		panic("alloc: wrong device index")
	}
	idx := uint32(id.PhysIndex())
	if idx >= a.cfg.PageCount {
		panic("alloc: physical index out of range")
	}
	return idx
}

// Attach registers a client. A client already present is accepted as-is
// (idempotent re-attach); its recovered last_slot is authoritative.
func (a *Allocator) Attach(ctx context.Context, client uuid.UUID, initialSlot uint64) error {
	a.mu.Lock()
	if a.failed != nil {
		err := a.failed
		a.mu.Unlock()
		return err
	}
	if _, ok := a.attach[client]; ok {
		a.mu.Unlock()
		return nil
	}
	if len(a.attach) >= a.cfg.MaxAttachments {
		a.mu.Unlock()
		return errors.E(errors.AttachmentTableFull, "alloc.Attach")
	}
	a.attach[client] = int64(initialSlot) - 1
	a.mu.Unlock()

	w := a.log.NewWriter()
	if _, err := w.Append(encodeAttach(client, initialSlot)); err != nil {
		return err
	}
	return w.Flush(ctx)
}

// Detach removes a client. Safe only when the client has no outstanding
// pending updates.
func (a *Allocator) Detach(ctx context.Context, client uuid.UUID) error {
	a.mu.Lock()
	if _, ok := a.attach[client]; !ok {
		a.mu.Unlock()
		return nil
	}
	delete(a.attach, client)
	a.mu.Unlock()

	w := a.log.NewWriter()
	if _, err := w.Append(encodeDetach(client)); err != nil {
		return err
	}
	return w.Flush(ctx)
}

// Attached reports whether client is present and, if so, its last applied
// slot.
func (a *Allocator) Attached(client uuid.UUID) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.attach[client]
	return last, ok
}

// Allocate picks count free physical pages, bumps their generations, and
// returns fresh PageIds. Nothing is persisted: a new page is born at
// refcount 0 and only becomes durable when a subsequent update references it
// at refcount 2. Aborted allocations are returned with Deallocate.
func (a *Allocator) Allocate(count int) ([]pageid.PageId, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failed != nil {
		return nil, a.failed
	}
	ids := make([]pageid.PageId, 0, count)
	for len(ids) < count {
		idx, ok := a.nextFree()
		if !ok {
			// roll back: the ids were never handed out, so their free bits
			// and generations are restored
			for _, id := range ids {
				idx := uint32(id.PhysIndex())
				a.free.Set(uint(idx))
				a.gens[idx] = (a.gens[idx] - 1) & pageid.GenerationMask
			}
			return nil, errors.E(errors.Exhausted, "alloc.Allocate")
		}
		a.free.Clear(uint(idx))
		a.gens[idx] = (a.gens[idx] + 1) & pageid.GenerationMask
		ids = append(ids, pageid.New(a.cfg.DeviceIndex, pageid.PhysIndex(idx), pageid.Generation(a.gens[idx])))
	}
	util.DPrintf(3, "alloc: allocate %v", ids)
	return ids, nil
}

// nextFree scans the free set from the rotor, wrapping once.
// Assumes caller holds mu.
func (a *Allocator) nextFree() (uint32, bool) {
	if idx, ok := a.free.NextSet(uint(a.next)); ok && idx < uint(a.cfg.PageCount) {
		a.next = uint32(idx) + 1
		return uint32(idx), true
	}
	if idx, ok := a.free.NextSet(0); ok && idx < uint(a.cfg.PageCount) {
		a.next = uint32(idx) + 1
		return uint32(idx), true
	}
	return 0, false
}

// Deallocate returns never-referenced allocations to the free set, e.g. on
// job abort. The generation bump is retained.
func (a *Allocator) Deallocate(ids []pageid.PageId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		idx := a.physIndex(id)
		if a.refs[idx] != 0 {
			panic("alloc: Deallocate of referenced page")
		}
		a.free.Set(uint(idx))
	}
}

// Update durably applies refcount deltas on behalf of client, tagged with the
// client's monotone slot. A slot at or below the client's last applied slot
// returns nil without reapplying (the exactly-once no-op). Otherwise the
// update record is appended and flushed Durable, then applied in memory.
func (a *Allocator) Update(ctx context.Context, client uuid.UUID, slot uint64, deltas []Delta) error {
	a.mu.Lock()
	if a.failed != nil {
		err := a.failed
		a.mu.Unlock()
		return err
	}
	last, ok := a.attach[client]
	if !ok {
		a.mu.Unlock()
		return errors.E(errors.Invalid, "alloc.Update", "unknown client "+client.String())
	}
	if int64(slot) <= last {
		a.mu.Unlock()
		util.DPrintf(3, "alloc: update slot %d <= %d, no-op", slot, last)
		return nil
	}
	for _, d := range deltas {
		idx := a.physIndex(d.Page)
		if d.Delta < 0 && a.refs[idx] < uint32(-d.Delta) {
			panic("alloc: refcount underflow")
		}
		if d.Delta > 0 && int64(a.refs[idx])+int64(d.Delta) > int64(^uint32(0)) {
			a.mu.Unlock()
			return errors.E(errors.Invalid, "alloc.Update", "refcount overflow")
		}
	}
	a.mu.Unlock()

	w := a.log.NewWriter()
	if _, err := w.Append(encodeUpdate(updateRecord{client: client, slot: slot, deltas: deltas})); err != nil {
		return err
	}
	if err := w.Flush(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	var garbage []pageid.PageId
	if last, ok := a.attach[client]; ok && int64(slot) > last {
		garbage = a.applyDeltas(deltas)
		a.attach[client] = int64(slot)
	}
	hook := a.onGarbage
	a.mu.Unlock()

	if hook != nil {
		for _, id := range garbage {
			hook(id, client)
		}
	}
	return a.maybeCheckpoint(ctx)
}

// applyDeltas mutates the in-memory tables and returns the pages that
// dropped to refcount 1. Assumes caller holds mu.
func (a *Allocator) applyDeltas(deltas []Delta) []pageid.PageId {
	var garbage []pageid.PageId
	for _, d := range deltas {
		idx := a.physIndex(d.Page)
		if d.Delta < 0 && a.refs[idx] < uint32(-d.Delta) {
			panic("alloc: refcount underflow")
		}
		was := a.refs[idx]
		a.refs[idx] = uint32(int64(was) + int64(d.Delta))
		if gen := uint32(d.Page.Generation()); gen > a.gens[idx] {
			a.gens[idx] = gen
		}
		if was == 0 && a.refs[idx] > 0 {
			a.free.Clear(uint(idx))
		}
		if a.refs[idx] == 0 && was > 0 {
			a.free.Set(uint(idx))
		}
		if a.refs[idx] == 1 && was > 1 {
			garbage = append(garbage, d.Page)
		}
	}
	a.notifyWaiters()
	return garbage
}

// notifyWaiters resolves refcount predicates. Assumes caller holds mu.
func (a *Allocator) notifyWaiters() {
	var keep []*refWaiter
	for _, w := range a.waiters {
		if w.pred(a.refs[w.idx]) {
			close(w.ch)
		} else {
			keep = append(keep, w)
		}
	}
	a.waiters = keep
}

// AwaitRefcount resolves once pred holds for id's physical refcount.
func (a *Allocator) AwaitRefcount(ctx context.Context, id pageid.PageId, pred func(uint32) bool) error {
	idx := a.physIndex(id)
	a.mu.Lock()
	if pred(a.refs[idx]) {
		a.mu.Unlock()
		return nil
	}
	w := &refWaiter{idx: idx, pred: pred, ch: make(chan struct{})}
	a.waiters = append(a.waiters, w)
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		a.mu.Lock()
		for i, o := range a.waiters {
			if o == w {
				a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
				break
			}
		}
		a.mu.Unlock()
		return errors.E(errors.Cancelled, "alloc.AwaitRefcount", ctx.Err())
	case <-w.ch:
		return nil
	}
}
