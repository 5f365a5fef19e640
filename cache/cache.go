// Package cache implements the multi-device page cache.
//
// Entries are keyed by PageId. Because page contents are immutable by
// construction (every write bumps the generation), entries never need
// invalidation; the cache only evicts and retries failures. Eviction is LRU
// with pinning: pinned entries are never evicted. Concurrent readers of the
// same PageId coalesce on a single device load.
package cache

import (
	"container/list"
	"context"
	"strconv"
	"sync"

	xxhash "github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/pagedev"
	"github.com/bhaskarbora2/llfs/pageid"
)

const nShard = 16

type Config struct {
	// Capacity is the maximum number of cached pages across all shards.
	Capacity int
}

func (c Config) WithDefaults() Config {
	if c.Capacity == 0 {
		c.Capacity = 1024
	}
	return c
}

type entryState int

const (
	stateReady entryState = iota
	stateFailed
)

type entry struct {
	id    pageid.PageId
	state entryState
	data  []byte
	err   error
	pins  int
	elem  *list.Element
}

type shard struct {
	mu      sync.Mutex
	entries map[pageid.PageId]*entry
	lru     *list.List // front = most recently used
	cap     int
}

type PageCache struct {
	devices map[pageid.DeviceIndex]*pagedev.PageDevice
	shards  [nShard]*shard
	sf      singleflight.Group
}

func MkPageCache(cfg Config, devices map[pageid.DeviceIndex]*pagedev.PageDevice) *PageCache {
	cfg = cfg.WithDefaults()
	c := &PageCache{devices: devices}
	per := cfg.Capacity / nShard
	if per == 0 {
		per = 1
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			entries: make(map[pageid.PageId]*entry),
			lru:     list.New(),
			cap:     per,
		}
	}
	return c
}

func (c *PageCache) shard(id pageid.PageId) *shard {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(uint64(id) >> (8 * i))
	}
	return c.shards[xxhash.Sum64(b[:])%nShard]
}

// A Pinned is a shared read-only reference to a cached page. The entry
// cannot be evicted until every Pinned is released.
type Pinned struct {
	sh       *shard
	e        *entry
	released bool
}

func (p *Pinned) PageId() pageid.PageId {
	return p.e.id
}

// Bytes returns the page payload. The slice is shared; callers must not
// modify it.
func (p *Pinned) Bytes() []byte {
	return p.e.data
}

func (p *Pinned) Release() {
	if p.released {
		panic("cache: double release of pin")
	}
	p.released = true
	p.sh.mu.Lock()
	p.e.pins--
	p.sh.mu.Unlock()
}

// Get returns the page payload for id, loading it from the page device on a
// miss. At most one load per PageId is in flight; concurrent callers share
// its outcome. A previously failed entry is retried.
func (c *PageCache) Get(ctx context.Context, id pageid.PageId) (*Pinned, error) {
	sh := c.shard(id)
	for {
		sh.mu.Lock()
		if e, ok := sh.entries[id]; ok {
			if e.state == stateReady {
				e.pins++
				sh.lru.MoveToFront(e.elem)
				sh.mu.Unlock()
				return &Pinned{sh: sh, e: e}, nil
			}
			// fail-retry
			sh.removeLocked(e)
		}
		sh.mu.Unlock()

		ch := c.sf.DoChan(strconv.FormatUint(uint64(id), 16), func() (interface{}, error) {
			return c.load(id)
		})
		select {
		case <-ctx.Done():
			return nil, errors.E(errors.Cancelled, "cache.Get", ctx.Err())
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		}
		// Loop to pin the entry the load (or a racing Put) installed; it
		// may already have been evicted under pressure, in which case the
		// next round reloads.
	}
}

// load reads id from its device and installs the result.
func (c *PageCache) load(id pageid.PageId) (interface{}, error) {
	dev, ok := c.devices[id.Device()]
	if !ok {
		return nil, errors.E(errors.Invalid, "cache.load", "no device "+id.String())
	}
	data, err := dev.Read(id)
	sh := c.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if err != nil {
		sh.installLocked(&entry{id: id, state: stateFailed, err: err})
		return nil, err
	}
	if _, ok := sh.entries[id]; !ok {
		sh.installLocked(&entry{id: id, state: stateReady, data: data})
	}
	return nil, nil
}

// Put installs a page written through the cache (e.g. at job commit).
func (c *PageCache) Put(id pageid.PageId, data []byte) {
	sh := c.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[id]; ok {
		if e.state == stateFailed {
			sh.removeLocked(e)
		} else {
			sh.lru.MoveToFront(e.elem)
			return
		}
	}
	sh.installLocked(&entry{id: id, state: stateReady, data: data})
}

// Contains reports whether id is cached and ready (test and introspection
// helper; it does not touch LRU order).
func (c *PageCache) Contains(id pageid.PageId) bool {
	sh := c.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	return ok && e.state == stateReady
}

// installLocked inserts e and evicts past capacity. The shard may stay over
// capacity when everything else is pinned; pinned entries are never evicted,
// and e itself is exempt so that its caller can still pin it.
// Assumes sh.mu held.
func (sh *shard) installLocked(e *entry) {
	e.elem = sh.lru.PushFront(e)
	sh.entries[e.id] = e
	for sh.lru.Len() > sh.cap {
		if !sh.evictOneLocked(e) {
			break
		}
	}
}

// evictOneLocked removes the least-recently-used unpinned entry other than
// keep.
func (sh *shard) evictOneLocked(keep *entry) bool {
	for elem := sh.lru.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*entry)
		if e.pins == 0 && e != keep {
			sh.removeLocked(e)
			return true
		}
	}
	return false
}

func (sh *shard) removeLocked(e *entry) {
	sh.lru.Remove(e.elem)
	delete(sh.entries, e.id)
}
