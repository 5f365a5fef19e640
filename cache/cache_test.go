package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/pagedev"
	"github.com/bhaskarbora2/llfs/pageid"
	"github.com/bhaskarbora2/llfs/storage"
)

// countingPages counts device reads, to observe load coalescing.
type countingPages struct {
	*storage.MemPages
	reads atomic.Int64
}

func (c *countingPages) ReadPage(idx uint32) ([]byte, error) {
	c.reads.Add(1)
	return c.MemPages.ReadPage(idx)
}

func mkCache(t *testing.T, capacity int) (*PageCache, *pagedev.PageDevice, *countingPages) {
	t.Helper()
	cp := &countingPages{MemPages: storage.NewMemPages(512, 64)}
	pd := pagedev.MkPageDevice(0, cp)
	c := MkPageCache(Config{Capacity: capacity}, map[pageid.DeviceIndex]*pagedev.PageDevice{0: pd})
	return c, pd, cp
}

func writePage(t *testing.T, pd *pagedev.PageDevice, idx uint32, gen uint32, data string) pageid.PageId {
	t.Helper()
	id := pageid.New(0, pageid.PhysIndex(idx), pageid.Generation(gen))
	require.NoError(t, pd.Write(id, []byte(data)))
	return id
}

func TestGetMissThenHit(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, pd, cp := mkCache(t, 16)
	id := writePage(t, pd, 1, 1, "contents")
	before := cp.reads.Load()

	p, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal([]byte("contents"), p.Bytes())
	p.Release()

	p2, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal([]byte("contents"), p2.Bytes())
	p2.Release()

	assert.Equal(before+1, cp.reads.Load(), "second Get must be a cache hit")
}

func TestLoadCoalescing(t *testing.T) {
	ctx := context.Background()
	c, pd, cp := mkCache(t, 16)
	id := writePage(t, pd, 2, 1, "shared")
	before := cp.reads.Load()

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			p, err := c.Get(ctx, id)
			if assert.NoError(t, err) {
				assert.Equal(t, []byte("shared"), p.Bytes())
				p.Release()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.LessOrEqual(t, cp.reads.Load()-before, int64(2),
		"concurrent readers must coalesce on the load")
}

func TestFailRetry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, pd, _ := mkCache(t, 16)

	id := pageid.New(0, 3, 1)
	_, err := c.Get(ctx, id)
	assert.True(errors.Is(errors.NotFound, err))

	// The page appears; the failed entry must be retried, not served.
	require.NoError(t, pd.Write(id, []byte("late")))
	p, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal([]byte("late"), p.Bytes())
	p.Release()
}

func TestEvictionLRU(t *testing.T) {
	ctx := context.Background()
	// One shard per entry would defeat the test; use capacity 16 so each
	// shard holds one entry, then hammer a single shard via distinct ids.
	c, pd, cp := mkCache(t, 16)

	var sameShard []pageid.PageId
	probe := writePage(t, pd, 0, 1, "p0")
	target := c.shard(probe)
	sameShard = append(sameShard, probe)
	for idx := uint32(1); idx < 64 && len(sameShard) < 3; idx++ {
		id := writePage(t, pd, idx, 1, "px")
		if c.shard(id) == target {
			sameShard = append(sameShard, id)
		}
	}
	require.Len(t, sameShard, 3)

	for _, id := range sameShard {
		p, err := c.Get(ctx, id)
		require.NoError(t, err)
		p.Release()
	}
	before := cp.reads.Load()
	// The oldest entry must have been evicted; re-reading it hits the
	// device again.
	_, err := c.Get(ctx, sameShard[0])
	require.NoError(t, err)
	assert.Greater(t, cp.reads.Load(), before)
}

func TestPinPreventsEviction(t *testing.T) {
	ctx := context.Background()
	c, pd, _ := mkCache(t, 16)

	probe := writePage(t, pd, 0, 1, "pinned")
	target := c.shard(probe)
	pinned, err := c.Get(ctx, probe)
	require.NoError(t, err)

	// Flood the same shard well past capacity.
	for idx := uint32(1); idx < 64; idx++ {
		id := writePage(t, pd, idx, 1, "flood")
		if c.shard(id) != target {
			continue
		}
		p, err := c.Get(ctx, id)
		require.NoError(t, err)
		p.Release()
	}
	assert.True(t, c.Contains(probe), "pinned entry must survive eviction pressure")
	assert.Equal(t, []byte("pinned"), pinned.Bytes())
	pinned.Release()
}

func TestPutWriteThrough(t *testing.T) {
	ctx := context.Background()
	c, pd, cp := mkCache(t, 16)
	id := pageid.New(0, 9, 1)
	require.NoError(t, pd.Write(id, []byte("fresh")))
	c.Put(id, []byte("fresh"))

	before := cp.reads.Load()
	p, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), p.Bytes())
	assert.Equal(t, before, cp.reads.Load(), "Put must satisfy the next Get")
	p.Release()
}
