// Package volume ties log records and page writes into single atomic
// updates. A Job stages new pages, refcount deltas, and one log record; its
// commit protocol makes the volume log's Commit record the transaction's
// single lineariser, with page writes and allocator updates kept
// idempotent/exactly-once so the lineariser alone decides truth.
package volume

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/bhaskarbora2/llfs/alloc"
	"github.com/bhaskarbora2/llfs/cache"
	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/logdev"
	"github.com/bhaskarbora2/llfs/pagedev"
	"github.com/bhaskarbora2/llfs/pageid"
	"github.com/bhaskarbora2/llfs/recycler"
	"github.com/bhaskarbora2/llfs/slot"
	"github.com/bhaskarbora2/llfs/util"
)

// Params assembles a volume from its collaborators. The caller constructs
// (or recovers) the log device, allocators, page devices, recycler, and
// cache; volume.Open performs job recovery and wires the garbage hooks.
type Params struct {
	Log        *logdev.LogDevice
	Allocators map[pageid.DeviceIndex]*alloc.Allocator
	Devices    map[pageid.DeviceIndex]*pagedev.PageDevice
	Recycler   *recycler.Recycler
	Cache      *cache.PageCache
}

type Volume struct {
	mu   sync.Mutex
	log  *logdev.LogDevice
	alcs map[pageid.DeviceIndex]*alloc.Allocator
	devs map[pageid.DeviceIndex]*pagedev.PageDevice
	rec  *recycler.Recycler
	pc   *cache.PageCache

	// outstanding maps prepare slots of in-flight jobs; the lowest entry
	// pins TrimResolved.
	outstanding map[uint64]bool
}

// Open recovers a volume: unmatched Prepare records are resolved (rolled
// forward or compensated), garbage hooks are wired, and the recycler is
// reconciled with the allocators.
func Open(ctx context.Context, p Params) (*Volume, error) {
	v := &Volume{
		log:         p.Log,
		alcs:        p.Allocators,
		devs:        p.Devices,
		rec:         p.Recycler,
		pc:          p.Cache,
		outstanding: make(map[uint64]bool),
	}
	if err := v.recover(ctx); err != nil {
		return nil, err
	}
	recClient := v.rec.Client()
	for _, a := range v.alcs {
		r := v.rec
		a.SetGarbageHook(func(id pageid.PageId, client uuid.UUID) {
			if client != recClient {
				r.Enqueue(id)
			}
		})
	}
	if err := v.rec.Reconcile(); err != nil {
		return nil, err
	}
	return v, nil
}

// Log exposes the volume's log device.
func (v *Volume) Log() *logdev.LogDevice {
	return v.log
}

// Cache exposes the volume's page cache.
func (v *Volume) Cache() *cache.PageCache {
	return v.pc
}

// Recycler exposes the volume's page recycler.
func (v *Volume) Recycler() *recycler.Recycler {
	return v.rec
}

// Allocator returns the allocator serving dev.
func (v *Volume) Allocator(dev pageid.DeviceIndex) *alloc.Allocator {
	return v.alcs[dev]
}

// ReadPage reads a page through the cache; the returned pin must be
// released.
func (v *Volume) ReadPage(ctx context.Context, id pageid.PageId) (*cache.Pinned, error) {
	return v.pc.Get(ctx, id)
}

// LockSlot pins a slot range of the volume log against trimming, e.g. while
// a job depends on its record.
func (v *Volume) LockSlot(r slot.Range) (*slot.ReadLock, error) {
	return v.log.LockRange(r)
}

// TrimResolved trims the volume log up to the oldest outstanding prepare,
// held slot lock, or the flush position, whichever is lowest.
func (v *Volume) TrimResolved(ctx context.Context) error {
	if err := v.log.FlushBarrier(ctx); err != nil {
		return err
	}
	_, flush, _ := v.log.Positions()
	limit := flush
	v.mu.Lock()
	for lo := range v.outstanding {
		if lo < limit {
			limit = lo
		}
	}
	v.mu.Unlock()
	if lo, held := v.log.LockLowerBound(); held && lo < limit {
		limit = lo
	}
	return v.log.Trim(limit)
}

func (v *Volume) allocFor(id pageid.PageId) *alloc.Allocator {
	a, ok := v.alcs[id.Device()]
	if !ok {
		panic("volume: no allocator for device")
	}
	return a
}

func (v *Volume) devFor(id pageid.PageId) *pagedev.PageDevice {
	d, ok := v.devs[id.Device()]
	if !ok {
		panic("volume: no page device for device")
	}
	return d
}

func (v *Volume) noteOutstanding(lo uint64) {
	v.mu.Lock()
	v.outstanding[lo] = true
	v.mu.Unlock()
}

func (v *Volume) resolveOutstanding(lo uint64) {
	v.mu.Lock()
	delete(v.outstanding, lo)
	v.mu.Unlock()
}

// groupByDevice splits deltas by their target allocator.
func groupByDevice(deltas []alloc.Delta) map[pageid.DeviceIndex][]alloc.Delta {
	groups := make(map[pageid.DeviceIndex][]alloc.Delta)
	for _, d := range deltas {
		dev := d.Page.Device()
		groups[dev] = append(groups[dev], d)
	}
	return groups
}

func negate(deltas []alloc.Delta) []alloc.Delta {
	out := make([]alloc.Delta, len(deltas))
	for i, d := range deltas {
		out[i] = alloc.Delta{Page: d.Page, Delta: -d.Delta}
	}
	return out
}

// Close shuts down the volume log. The caller shuts down its allocators,
// recycler, and devices.
func (v *Volume) Close() error {
	v.mu.Lock()
	n := len(v.outstanding)
	v.mu.Unlock()
	if n > 0 {
		return errors.E(errors.Invalid, "volume.Close", "outstanding jobs")
	}
	util.DPrintf(1, "volume: close")
	return v.log.Shutdown()
}
