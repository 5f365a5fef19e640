package volume

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/bhaskarbora2/llfs/alloc"
	"github.com/bhaskarbora2/llfs/cache"
	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/logdev"
	"github.com/bhaskarbora2/llfs/pagedev"
	"github.com/bhaskarbora2/llfs/pageid"
	"github.com/bhaskarbora2/llfs/recycler"
	"github.com/bhaskarbora2/llfs/storage"
)

var recClient = uuid.MustParse("00000000-0000-0000-0000-0000000000cc")

type VolumeSuite struct {
	suite.Suite
	ctx context.Context

	volStore   *storage.MemLog
	allocStore *storage.MemLog
	recStore   *storage.MemLog
	pageStore  *storage.MemPages

	volLog   *logdev.LogDevice
	allocLog *logdev.LogDevice
	recLog   *logdev.LogDevice

	a  *alloc.Allocator
	pd *pagedev.PageDevice
	r  *recycler.Recycler
	pc *cache.PageCache
	v  *Volume
}

func TestVolume(t *testing.T) {
	suite.Run(t, new(VolumeSuite))
}

func (s *VolumeSuite) SetupTest() {
	s.ctx = context.Background()
	s.volStore = storage.NewMemLog(1 << 17)
	s.allocStore = storage.NewMemLog(1 << 17)
	s.recStore = storage.NewMemLog(1 << 17)
	s.pageStore = storage.NewMemPages(512, 32)
	s.openWorld(true)
}

func (s *VolumeSuite) TearDownTest() {
	s.r.Shutdown()
	s.allocLog.Shutdown()
	s.volLog.Shutdown()
}

func (s *VolumeSuite) openWorld(fresh bool) {
	var err error
	open := func(store *storage.MemLog) *logdev.LogDevice {
		var d *logdev.LogDevice
		if fresh {
			d, err = logdev.Init(store, logdev.Config{Capacity: 1 << 16})
		} else {
			d, err = logdev.Open(store)
		}
		s.Require().NoError(err)
		return d
	}
	s.volLog = open(s.volStore)
	s.allocLog = open(s.allocStore)
	s.recLog = open(s.recStore)

	acfg := alloc.Config{DeviceIndex: 0, PageCount: 32}
	if fresh {
		s.a = alloc.Init(s.allocLog, acfg)
	} else {
		s.a, err = alloc.Open(s.allocLog, acfg)
		s.Require().NoError(err)
	}
	s.pd = pagedev.MkPageDevice(0, s.pageStore)

	allocs := map[pageid.DeviceIndex]*alloc.Allocator{0: s.a}
	devs := map[pageid.DeviceIndex]*pagedev.PageDevice{0: s.pd}
	rcfg := recycler.Config{Client: recClient, MaxBranching: 8, MaxDepth: 8}
	if fresh {
		s.r, err = recycler.Init(s.ctx, s.recLog, rcfg, allocs, devs)
	} else {
		s.r, err = recycler.Open(s.ctx, s.recLog, rcfg, allocs, devs)
	}
	s.Require().NoError(err)

	s.pc = cache.MkPageCache(cache.Config{Capacity: 64}, devs)
	s.v, err = Open(s.ctx, Params{
		Log:        s.volLog,
		Allocators: allocs,
		Devices:    devs,
		Recycler:   s.r,
		Cache:      s.pc,
	})
	s.Require().NoError(err)
}

// crash hard-stops every component, reverts all storage to its durable
// image, and recovers the whole world.
func (s *VolumeSuite) crash() {
	s.volLog.Abort()
	s.allocLog.Abort()
	s.recLog.Abort()
	s.r.Shutdown()
	s.volStore.Crash()
	s.allocStore.Crash()
	s.recStore.Crash()
	s.pageStore.Crash()
	s.openWorld(false)
}

// logRecords scans the volume log and counts records by tag.
func (s *VolumeSuite) logRecords() map[byte]int {
	counts := make(map[byte]int)
	rd := s.volLog.NewReader(logdev.Durable)
	for {
		_, payload, err := rd.Next()
		if err == io.EOF {
			return counts
		}
		s.Require().NoError(err)
		tag, _, err := recordTag(payload)
		s.Require().NoError(err)
		counts[tag]++
	}
}

func (s *VolumeSuite) TestCommitReadBack() {
	j := s.v.NewJob()
	id, err := j.NewPage(0, nil, []byte("first page"))
	s.Require().NoError(err)
	j.Append([]byte("job-record"))

	prep, err := j.Commit(s.ctx)
	s.Require().NoError(err)
	s.False(prep.IsEmpty())

	s.Equal(uint32(2), s.a.Refcount(id))

	p, err := s.v.ReadPage(s.ctx, id)
	s.Require().NoError(err)
	_, data, err := pagedev.UnmarshalRefs(p.Bytes())
	s.Require().NoError(err)
	s.Equal([]byte("first page"), data)
	p.Release()

	counts := s.logRecords()
	s.Equal(1, counts[tagPrepare])
	s.Equal(1, counts[tagCommit])
}

func (s *VolumeSuite) TestConcurrentJobs() {
	var wg sync.WaitGroup
	ids := make([]pageid.PageId, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			j := s.v.NewJob()
			id, err := j.NewPage(0, nil, []byte{byte('a' + i)})
			if !s.NoError(err) {
				return
			}
			j.Append([]byte{byte('0' + i)})
			_, err = j.Commit(s.ctx)
			s.NoError(err)
			ids[i] = id
		}()
	}
	wg.Wait()

	for _, id := range ids {
		s.Equal(uint32(2), s.a.Refcount(id))
		_, err := s.pd.Read(id)
		s.NoError(err)
	}
	counts := s.logRecords()
	s.Equal(2, counts[tagPrepare], "both prepares in one total order")
	s.Equal(2, counts[tagCommit])
}

func (s *VolumeSuite) TestAbortBeforePrepare() {
	free := s.a.FreeCount()
	j := s.v.NewJob()
	_, err := j.NewPage(0, nil, []byte("doomed"))
	s.Require().NoError(err)
	s.Require().NoError(j.Abort(s.ctx))

	s.Equal(free, s.a.FreeCount(), "aborted allocations return to the free set")
	counts := s.logRecords()
	s.Equal(0, counts[tagPrepare])
}

func (s *VolumeSuite) TestRecoveryRollsForward() {
	// Crash after the pages and deltas are durable but before the Commit
	// record: the prepare is self-consistent, so recovery completes it.
	j := s.v.NewJob()
	id, err := j.NewPage(0, nil, []byte("almost committed"))
	s.Require().NoError(err)

	rec := prepareRecord{job: j.id, newPages: []pageid.PageId{id}, deltas: j.deltas}
	prep, err := s.volLog.Append(encodePrepare(rec))
	s.Require().NoError(err)
	s.Require().NoError(s.volLog.FlushBarrier(s.ctx))
	s.Require().NoError(j.writePages(s.ctx))
	s.Require().NoError(j.applyDeltas(s.ctx, prep.Lo))

	s.crash()

	s.Equal(uint32(2), s.a.Refcount(id))
	_, err = s.pd.Read(id)
	s.NoError(err, "rolled-forward page must be readable")
	counts := s.logRecords()
	s.Equal(1, counts[tagCommit], "recovery writes the missing Commit")
	_, attached := s.a.Attached(j.id)
	s.False(attached, "job client detached after resolution")
}

func (s *VolumeSuite) TestRecoveryCompensates() {
	// Crash after the allocator deltas were applied but with the page
	// writes lost: the prepare is dangling, so recovery submits the
	// compensating deltas and releases the pages.
	free := s.a.FreeCount()
	j := s.v.NewJob()
	id, err := j.NewPage(0, nil, []byte("never durable"))
	s.Require().NoError(err)

	rec := prepareRecord{job: j.id, newPages: []pageid.PageId{id}, deltas: j.deltas}
	prep, err := s.volLog.Append(encodePrepare(rec))
	s.Require().NoError(err)
	s.Require().NoError(s.volLog.FlushBarrier(s.ctx))
	// The page write is skipped entirely; only the deltas land.
	s.Require().NoError(j.applyDeltas(s.ctx, prep.Lo))
	s.Equal(uint32(2), s.a.Refcount(id), "deltas applied but dangling")

	s.crash()

	s.Equal(uint32(0), s.a.Refcount(id), "compensating -2 applied")
	s.Equal(free, s.a.FreeCount())
	counts := s.logRecords()
	s.Equal(1, counts[tagAbort])

	// A second crash must not compensate again.
	s.crash()
	s.Equal(uint32(0), s.a.Refcount(id))
	s.Equal(free, s.a.FreeCount())
}

func (s *VolumeSuite) TestDerefTriggersRecycler() {
	j := s.v.NewJob()
	child, err := j.NewPage(0, nil, []byte("leaf"))
	s.Require().NoError(err)
	root, err := j.NewPage(0, []pageid.PageId{child}, []byte("root"))
	s.Require().NoError(err)
	j.RefDelta(child, 1)
	_, err = j.Commit(s.ctx)
	s.Require().NoError(err)
	s.Equal(uint32(3), s.a.Refcount(child))

	// Drop the external reference to the root; the recycler reclaims the
	// whole chain.
	j2 := s.v.NewJob()
	j2.RefDelta(root, -1)
	j2.RefDelta(child, -1) // the child ref the root held is still counted by root's page; drop the extra one
	_, err = j2.Commit(s.ctx)
	s.Require().NoError(err)

	s.Require().NoError(s.r.Drain())
	s.Equal(uint32(0), s.a.Refcount(root))
	s.Equal(uint32(0), s.a.Refcount(child))
}

func (s *VolumeSuite) TestTrimResolved() {
	for i := 0; i < 3; i++ {
		j := s.v.NewJob()
		_, err := j.NewPage(0, nil, []byte{byte(i)})
		s.Require().NoError(err)
		_, err = j.Commit(s.ctx)
		s.Require().NoError(err)
	}
	s.Require().NoError(s.v.TrimResolved(s.ctx))
	trim, _, commit := s.volLog.Positions()
	s.Equal(commit, trim, "fully resolved log trims to the end")
}

func (s *VolumeSuite) TestSlotLockPinsTrim() {
	j := s.v.NewJob()
	_, err := j.NewPage(0, nil, []byte("pinned"))
	s.Require().NoError(err)
	prep, err := j.Commit(s.ctx)
	s.Require().NoError(err)

	lock, err := s.v.LockSlot(prep)
	s.Require().NoError(err)
	s.Require().NoError(s.v.TrimResolved(s.ctx))
	trim, _, _ := s.volLog.Positions()
	s.LessOrEqual(trim, prep.Lo, "held lock must pin the trim")

	lock.Release()
	s.Require().NoError(s.v.TrimResolved(s.ctx))
	trim, _, commit := s.volLog.Positions()
	s.Equal(commit, trim)
}

func (s *VolumeSuite) TestCloseWithOutstandingJob() {
	j := s.v.NewJob()
	_, err := j.NewPage(0, nil, []byte("open"))
	s.Require().NoError(err)
	// Stage a prepare without committing.
	rec := prepareRecord{job: j.id, deltas: j.deltas}
	prep, err := s.volLog.Append(encodePrepare(rec))
	s.Require().NoError(err)
	s.v.noteOutstanding(prep.Lo)

	err = s.v.Close()
	s.True(errors.Is(errors.Invalid, err))
	s.v.resolveOutstanding(prep.Lo)
}
