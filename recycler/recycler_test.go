package recycler

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/bhaskarbora2/llfs/alloc"
	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/logdev"
	"github.com/bhaskarbora2/llfs/pagedev"
	"github.com/bhaskarbora2/llfs/pageid"
	"github.com/bhaskarbora2/llfs/storage"
)

var recU = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
var appU = uuid.MustParse("00000000-0000-0000-0000-0000000000bb")

type RecyclerSuite struct {
	suite.Suite
	ctx context.Context
	cfg Config

	allocStore *storage.MemLog
	recStore   *storage.MemLog
	pageStore  *storage.MemPages

	allocLog *logdev.LogDevice
	recLog   *logdev.LogDevice
	a        *alloc.Allocator
	pd       *pagedev.PageDevice
	r        *Recycler

	appSlot uint64
}

func TestRecycler(t *testing.T) {
	suite.Run(t, new(RecyclerSuite))
}

func (s *RecyclerSuite) SetupTest() {
	s.ctx = context.Background()
	s.cfg = Config{Client: recU, MaxBranching: 8, MaxDepth: 8}
	s.appSlot = 0
	s.allocStore = storage.NewMemLog(1 << 17)
	s.recStore = storage.NewMemLog(1 << 17)
	s.pageStore = storage.NewMemPages(512, 16)
	s.openAll(true)
}

func (s *RecyclerSuite) TearDownTest() {
	s.r.Shutdown()
	s.allocLog.Shutdown()
}

func (s *RecyclerSuite) openAll(fresh bool) {
	var err error
	s.allocLog, err = initOrOpen(fresh, s.allocStore)
	s.Require().NoError(err)
	s.recLog, err = initOrOpen(fresh, s.recStore)
	s.Require().NoError(err)

	if fresh {
		s.a = alloc.Init(s.allocLog, alloc.Config{DeviceIndex: 0, PageCount: 16})
	} else {
		s.a, err = alloc.Open(s.allocLog, alloc.Config{DeviceIndex: 0, PageCount: 16})
		s.Require().NoError(err)
	}
	s.pd = pagedev.MkPageDevice(0, s.pageStore)

	allocs := map[pageid.DeviceIndex]*alloc.Allocator{0: s.a}
	pages := map[pageid.DeviceIndex]*pagedev.PageDevice{0: s.pd}
	if fresh {
		s.r, err = Init(s.ctx, s.recLog, s.cfg, allocs, pages)
	} else {
		s.r, err = Open(s.ctx, s.recLog, s.cfg, allocs, pages)
	}
	s.Require().NoError(err)

	r := s.r
	s.a.SetGarbageHook(func(id pageid.PageId, client uuid.UUID) {
		if client != recU {
			r.Enqueue(id)
		}
	})
	s.Require().NoError(s.a.Attach(s.ctx, appU, 1))
}

func initOrOpen(fresh bool, store *storage.MemLog) (*logdev.LogDevice, error) {
	if fresh {
		return logdev.Init(store, logdev.Config{Capacity: 1 << 16})
	}
	return logdev.Open(store)
}

// crash aborts both logs, reverts all storage to its durable image, and
// recovers everything.
func (s *RecyclerSuite) crash() {
	s.allocLog.Abort()
	s.recLog.Abort()
	s.r.Shutdown()
	s.allocStore.Crash()
	s.recStore.Crash()
	s.pageStore.Crash()
	s.openAll(false)
	s.Require().NoError(s.r.Reconcile())
}

func (s *RecyclerSuite) update(deltas ...alloc.Delta) {
	s.appSlot++
	s.Require().NoError(s.a.Update(s.ctx, appU, s.appSlot, deltas))
}

// writePage durably stores a page whose payload references refs.
func (s *RecyclerSuite) writePage(id pageid.PageId, refs ...pageid.PageId) {
	s.Require().NoError(s.pd.Write(id, pagedev.MarshalRefs(refs, []byte("node"))))
	s.Require().NoError(s.pd.Flush())
}

// buildChain allocates n pages where page i references page i+1, every page
// born at refcount 2 (one reference plus the liveness token).
func (s *RecyclerSuite) buildChain(n int) []pageid.PageId {
	ids, err := s.a.Allocate(n)
	s.Require().NoError(err)
	for i := n - 1; i >= 0; i-- {
		if i == n-1 {
			s.writePage(ids[i])
		} else {
			s.writePage(ids[i], ids[i+1])
		}
		s.update(alloc.Delta{Page: ids[i], Delta: 2})
	}
	return ids
}

func (s *RecyclerSuite) TestChainReclaimed() {
	ids := s.buildChain(3)

	// Drop the external reference to the chain head.
	s.update(alloc.Delta{Page: ids[0], Delta: -1})
	s.Require().NoError(s.r.Drain())

	for _, id := range ids {
		s.Equal(uint32(0), s.a.Refcount(id), id.String())
		_, err := s.pd.Read(id)
		s.True(errors.Is(errors.NotFound, err), "physical page must be dropped")
	}
	s.Equal(0, s.r.PendingPages())
	s.Equal(uint32(16), s.a.FreeCount())
}

func (s *RecyclerSuite) TestDiamondReclaimed() {
	ids, err := s.a.Allocate(4)
	s.Require().NoError(err)
	a, b, c, d := ids[0], ids[1], ids[2], ids[3]
	s.writePage(d)
	s.writePage(b, d)
	s.writePage(c, d)
	s.writePage(a, b, c)
	s.update(alloc.Delta{Page: d, Delta: 2})
	s.update(alloc.Delta{Page: b, Delta: 2})
	s.update(alloc.Delta{Page: c, Delta: 2})
	s.update(alloc.Delta{Page: d, Delta: 1}) // second referrer
	s.update(alloc.Delta{Page: a, Delta: 2})

	s.update(alloc.Delta{Page: a, Delta: -1})
	s.Require().NoError(s.r.Drain())

	for _, id := range ids {
		s.Equal(uint32(0), s.a.Refcount(id), id.String())
	}
}

func (s *RecyclerSuite) TestSpaceBound() {
	// Reclaims a six-page chain and checks that the traversal stack left
	// afterwards is within the depth bound; the stack size during the
	// traversal is not observed.
	ids := s.buildChain(6)
	s.update(alloc.Delta{Page: ids[0], Delta: -1})
	s.Require().NoError(s.r.Drain())

	s.r.mu.Lock()
	depth := len(s.r.stack)
	s.r.mu.Unlock()
	s.LessOrEqual(depth, s.cfg.MaxDepth)
}

// reinitRecycler replaces the recycler with a fresh one using the current
// s.cfg (for tests that tighten bounds).
func (s *RecyclerSuite) reinitRecycler() {
	s.r.Shutdown()
	s.recStore = storage.NewMemLog(1 << 17)
	var err error
	s.recLog, err = logdev.Init(s.recStore, logdev.Config{Capacity: 1 << 16})
	s.Require().NoError(err)
	s.r, err = Init(s.ctx, s.recLog, s.cfg,
		map[pageid.DeviceIndex]*alloc.Allocator{0: s.a},
		map[pageid.DeviceIndex]*pagedev.PageDevice{0: s.pd})
	s.Require().NoError(err)
	r := s.r
	s.a.SetGarbageHook(func(id pageid.PageId, client uuid.UUID) {
		if client != recU {
			r.Enqueue(id)
		}
	})
}

func (s *RecyclerSuite) TestDepthExceeded() {
	s.cfg.MaxDepth = 1
	s.reinitRecycler()

	ids := s.buildChain(3)
	s.update(alloc.Delta{Page: ids[0], Delta: -1})
	s.Require().NoError(s.r.Drain())

	s.Equal(uint32(0), s.a.Refcount(ids[0]))
	s.Equal(uint32(1), s.a.Refcount(ids[1]), "subtree abandoned at depth bound")
	s.True(errors.Is(errors.DepthExceeded, s.r.LastSubtreeErr()))
}

func (s *RecyclerSuite) TestFanoutExceeded() {
	s.cfg.MaxBranching = 1
	s.reinitRecycler()

	ids, err := s.a.Allocate(3)
	s.Require().NoError(err)
	s.writePage(ids[1])
	s.writePage(ids[2])
	s.writePage(ids[0], ids[1], ids[2])
	s.update(alloc.Delta{Page: ids[1], Delta: 2})
	s.update(alloc.Delta{Page: ids[2], Delta: 2})
	s.update(alloc.Delta{Page: ids[0], Delta: 2})

	s.update(alloc.Delta{Page: ids[0], Delta: -1})
	s.Require().NoError(s.r.Drain())

	s.Equal(uint32(1), s.a.Refcount(ids[0]), "over-fanout page abandoned at refcount 1")
	s.True(errors.Is(errors.FanoutExceeded, s.r.LastSubtreeErr()))
}

func (s *RecyclerSuite) TestCrashDuringRecycle() {
	ids := s.buildChain(4)
	s.update(alloc.Delta{Page: ids[0], Delta: -1})

	// Crash at whatever point the worker has reached; recovery replays the
	// journal, resubmits the pending delta, reconciles, and finishes.
	s.crash()
	s.Require().NoError(s.r.Drain())

	for _, id := range ids {
		s.Equal(uint32(0), s.a.Refcount(id), id.String())
	}
	s.Equal(0, s.r.PendingPages())
}

func (s *RecyclerSuite) TestCheckpointCompactsJournal() {
	s.cfg.CheckpointTailBytes = 128
	s.reinitRecycler()

	ids := s.buildChain(6)
	s.update(alloc.Delta{Page: ids[0], Delta: -1})
	s.Require().NoError(s.r.Drain())

	trim, _, _ := s.recLog.Positions()
	s.Greater(trim, uint64(0), "journal must be compacted")
}
