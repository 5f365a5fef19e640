// Package recycler implements the durable bounded-depth traversal that
// reclaims transitively-unreachable pages.
//
// A page at refcount 1 is garbage, but its content still holds outgoing
// references whose refcounts must be decremented before the page itself can
// be freed. The recycler keeps a pending queue and a depth-first traversal
// stack in its own log device; every enqueue, push, cursor advance, and pop
// is journaled before it takes effect, and refcount deltas are submitted
// through the allocator's exactly-once client protocol, so the whole
// traversal resumes correctly after a crash.
//
// Processing is depth-first: the deepest frame is always worked first, which
// bounds the persisted frontier at one frame per level, O(B*D) in the
// configured max branching factor B and max depth D.
package recycler

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/bhaskarbora2/llfs/alloc"
	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/logdev"
	"github.com/bhaskarbora2/llfs/pagedev"
	"github.com/bhaskarbora2/llfs/pageid"
	"github.com/bhaskarbora2/llfs/util"
)

type Config struct {
	// Client identifies the recycler to the page allocators; it must be
	// stable across restarts.
	Client uuid.UUID
	// MaxBranching bounds the out-references of one page (B).
	MaxBranching int
	// MaxDepth bounds the traversal depth (D).
	MaxDepth int
	// CheckpointTailBytes is the journal watermark for compaction.
	CheckpointTailBytes uint64
	// ParseRefs extracts a page's out-references. Defaults to the standard
	// ref-table prefix (pagedev.UnmarshalRefs).
	ParseRefs func(payload []byte) ([]pageid.PageId, error)
}

func (c Config) WithDefaults() Config {
	if c.MaxBranching == 0 {
		c.MaxBranching = 64
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 16
	}
	if c.CheckpointTailBytes == 0 {
		c.CheckpointTailBytes = 1 << 16
	}
	if c.ParseRefs == nil {
		c.ParseRefs = func(payload []byte) ([]pageid.PageId, error) {
			refs, _, err := pagedev.UnmarshalRefs(payload)
			return refs, err
		}
	}
	return c
}

type Recycler struct {
	mu  *sync.Mutex
	cfg Config
	log *logdev.LogDevice

	allocs map[pageid.DeviceIndex]*alloc.Allocator
	pages  map[pageid.DeviceIndex]*pagedev.PageDevice

	queue   []pageid.PageId
	stack   []*frame
	tracked map[pageid.PageId]bool

	// nextSlot is the monotone slot stream for this recycler's allocator
	// updates.
	nextSlot uint64

	ckptEnd       uint64
	checkpointing bool

	condWork *sync.Cond
	condIdle *sync.Cond
	idle     bool
	lastErr  error // most recent per-subtree failure (DepthExceeded etc.)
	failed   error

	// For shutdown:
	shutdown bool
	nthread  uint64
	condShut *sync.Cond
}

func mkRecycler(log *logdev.LogDevice, cfg Config,
	allocs map[pageid.DeviceIndex]*alloc.Allocator,
	pages map[pageid.DeviceIndex]*pagedev.PageDevice) *Recycler {
	mu := new(sync.Mutex)
	return &Recycler{
		mu:       mu,
		cfg:      cfg,
		log:      log,
		allocs:   allocs,
		pages:    pages,
		tracked:  make(map[pageid.PageId]bool),
		nextSlot: 1,
		condWork: sync.NewCond(mu),
		condIdle: sync.NewCond(mu),
		condShut: sync.NewCond(mu),
		idle:     true,
	}
}

// Init creates a recycler over an empty journal and starts its worker.
func Init(ctx context.Context, log *logdev.LogDevice, cfg Config,
	allocs map[pageid.DeviceIndex]*alloc.Allocator,
	pages map[pageid.DeviceIndex]*pagedev.PageDevice) (*Recycler, error) {
	cfg = cfg.WithDefaults()
	r := mkRecycler(log, cfg, allocs, pages)
	if err := r.attachAll(ctx); err != nil {
		return nil, err
	}
	r.start()
	return r, nil
}

// attachAll registers the recycler's client with every allocator and adopts
// the largest recovered last_slot.
func (r *Recycler) attachAll(ctx context.Context) error {
	for _, a := range r.allocs {
		if err := a.Attach(ctx, r.cfg.Client, r.nextSlot); err != nil {
			return err
		}
		if last, ok := a.Attached(r.cfg.Client); ok && last+1 > int64(r.nextSlot) {
			r.nextSlot = uint64(last + 1)
		}
	}
	return nil
}

// Client returns the recycler's allocator-client id.
func (r *Recycler) Client() uuid.UUID {
	return r.cfg.Client
}

func (r *Recycler) start() {
	// Register the thread before it runs so Shutdown cannot miss it.
	r.mu.Lock()
	r.nthread += 1
	r.mu.Unlock()
	go func() { r.worker() }()
}

// Enqueue journals id for recycling. It is a no-op for pages already queued
// or on the traversal stack. The journal record is not flushed here: if it
// is lost in a crash, Reconcile rediscovers the page from the allocator.
func (r *Recycler) Enqueue(id pageid.PageId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed != nil {
		return r.failed
	}
	if r.tracked[id] {
		return nil
	}
	if _, err := r.log.Append(encodePageRecord(tagEnqueue, id)); err != nil {
		return err
	}
	r.queue = append(r.queue, id)
	r.tracked[id] = true
	r.condWork.Broadcast()
	util.DPrintf(3, "recycler: enqueue %v", id)
	return nil
}

// Reconcile enqueues every allocator page at refcount 1 that the recycler is
// not already tracking. Called after recovery to pick up transitions whose
// enqueue records were lost.
func (r *Recycler) Reconcile() error {
	for _, a := range r.allocs {
		for _, id := range a.GarbagePages() {
			if err := r.Enqueue(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Drain blocks until the queue and stack are empty and the worker is idle.
func (r *Recycler) Drain() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.failed == nil && !(r.idle && len(r.queue) == 0 && len(r.stack) == 0) {
		r.condIdle.Wait()
	}
	return r.failed
}

// LastSubtreeErr returns the most recent per-subtree failure (DepthExceeded,
// FanoutExceeded, or a page read error), if any.
func (r *Recycler) LastSubtreeErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// PendingPages returns the tracked page count (queue plus stack).
func (r *Recycler) PendingPages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// Shutdown stops the worker and the journal's log device.
func (r *Recycler) Shutdown() error {
	r.mu.Lock()
	r.shutdown = true
	r.condWork.Broadcast()
	for r.nthread > 0 {
		r.condShut.Wait()
	}
	r.mu.Unlock()
	return r.log.Shutdown()
}

func (r *Recycler) allocFor(id pageid.PageId) *alloc.Allocator {
	a, ok := r.allocs[id.Device()]
	if !ok {
		panic("recycler: no allocator for device")
	}
	return a
}

func (r *Recycler) pagesFor(id pageid.PageId) *pagedev.PageDevice {
	d, ok := r.pages[id.Device()]
	if !ok {
		panic("recycler: no page device for device")
	}
	return d
}

// journal appends one record and flushes it. Assumes caller does NOT hold mu.
func (r *Recycler) journal(ctx context.Context, rec []byte) error {
	w := r.log.NewWriter()
	if _, err := w.Append(rec); err != nil {
		return err
	}
	return w.Flush(ctx)
}

// readRefs loads and parses a garbage page's out-references.
func (r *Recycler) readRefs(id pageid.PageId) ([]pageid.PageId, error) {
	payload, err := r.pagesFor(id).Read(id)
	if err != nil {
		return nil, err
	}
	refs, err := r.cfg.ParseRefs(payload)
	if err != nil {
		return nil, err
	}
	if len(refs) > r.cfg.MaxBranching {
		return nil, errors.E(errors.FanoutExceeded, "recycler.readRefs", id.String())
	}
	return refs, nil
}
