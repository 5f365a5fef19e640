package volume

import (
	"context"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/bhaskarbora2/llfs/alloc"
	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/logdev"
	"github.com/bhaskarbora2/llfs/pagedev"
	"github.com/bhaskarbora2/llfs/pageid"
	"github.com/bhaskarbora2/llfs/slot"
	"github.com/bhaskarbora2/llfs/util"
)

type newPage struct {
	id   pageid.PageId
	refs []pageid.PageId
	data []byte
}

// A Job is the in-memory staging buffer for one atomic update: new pages,
// refcount deltas on existing pages, and one volume log record. A Job is not
// safe for concurrent use; distinct Jobs on one volume are.
type Job struct {
	v  *Volume
	id uuid.UUID

	newPages  []newPage
	readPages []pageid.PageId
	deltas    []alloc.Delta
	payload   []byte
	locks     []*slot.ReadLock

	prepared bool
	prep     slot.Range
	done     bool
}

// NewJob opens a job on the volume.
func (v *Volume) NewJob() *Job {
	return &Job{v: v, id: uuid.New()}
}

func (j *Job) checkOpen() {
	if j.done {
		panic("volume: use of finished job")
	}
}

// JobId returns the job's client identity at the allocators.
func (j *Job) JobId() uuid.UUID {
	return j.id
}

// NewPage allocates a fresh PageId on dev and stages a page whose payload
// references refs. The job's deltas gain +2 for the new page (it is born
// live) and the caller is expected to add RefDelta(+1) for each distinct
// existing page in refs.
func (j *Job) NewPage(dev pageid.DeviceIndex, refs []pageid.PageId, data []byte) (pageid.PageId, error) {
	j.checkOpen()
	a, ok := j.v.alcs[dev]
	if !ok {
		return pageid.Null, errors.E(errors.Invalid, "volume.NewPage", "no such device")
	}
	ids, err := a.Allocate(1)
	if err != nil {
		return pageid.Null, err
	}
	id := ids[0]
	j.newPages = append(j.newPages, newPage{id: id, refs: refs, data: data})
	j.deltas = append(j.deltas, alloc.Delta{Page: id, Delta: 2})
	return id, nil
}

// RefDelta stages a refcount adjustment for an existing page.
func (j *Job) RefDelta(id pageid.PageId, delta int32) {
	j.checkOpen()
	j.deltas = append(j.deltas, alloc.Delta{Page: id, Delta: delta})
}

// NoteRead records a page the job read while staging; the set is carried in
// the prepare record for verification.
func (j *Job) NoteRead(id pageid.PageId) {
	j.checkOpen()
	j.readPages = append(j.readPages, id)
}

// Append sets the job's volume log record payload.
func (j *Job) Append(payload []byte) {
	j.checkOpen()
	j.payload = append([]byte(nil), payload...)
}

// PinSlot holds a read lock on a volume log range for the job's lifetime.
func (j *Job) PinSlot(r slot.Range) error {
	j.checkOpen()
	l, err := j.v.LockSlot(r)
	if err != nil {
		return err
	}
	j.locks = append(j.locks, l)
	return nil
}

func (j *Job) releaseLocks() {
	for _, l := range j.locks {
		l.Release()
	}
	j.locks = nil
}

// Commit runs the commit protocol:
//
//  1. Append the Prepare record and flush it (the durable intent).
//  2. Write all new pages and await their durability.
//  3. Submit the refcount deltas to each allocator under the job's client
//     uuid with the prepare slot (exactly-once).
//  4. Append the Commit record and await its durability. This is the
//     lineariser: before it, recovery aborts the job; after it, the job is
//     committed.
//  5. Detach the job's client, release slot locks, and install the new
//     pages in the cache.
//
// Cancellation via ctx is honored up to step 4's append; once the Commit
// record is in the log the job is committed and the remaining waits use a
// background context.
func (j *Job) Commit(ctx context.Context) (slot.Range, error) {
	j.checkOpen()
	rec := prepareRecord{
		job:       j.id,
		readPages: j.readPages,
		deltas:    j.deltas,
		payload:   j.payload,
	}
	for _, np := range j.newPages {
		rec.newPages = append(rec.newPages, np.id)
	}

	prep, err := j.v.log.Append(encodePrepare(rec))
	if err != nil {
		return slot.Range{}, j.failCommit(err)
	}
	j.prepared = true
	j.prep = prep
	j.v.noteOutstanding(prep.Lo)
	if err := j.v.log.AwaitPosition(ctx, logdev.FlushPos, prep.Hi); err != nil {
		return slot.Range{}, j.failCommit(err)
	}

	if err := j.writePages(ctx); err != nil {
		return slot.Range{}, j.failCommit(err)
	}

	if err := j.applyDeltas(ctx, prep.Lo); err != nil {
		return slot.Range{}, j.failCommit(err)
	}

	commit, err := j.v.log.Append(encodeMark(tagCommit, prep.Lo))
	if err != nil {
		return slot.Range{}, j.failCommit(err)
	}
	// Committed: the record is in the log. Point of no cancellation.
	background := context.Background()
	if err := j.v.log.AwaitPosition(background, logdev.FlushPos, commit.Hi); err != nil {
		return slot.Range{}, err
	}

	for dev := range groupByDevice(j.deltas) {
		if err := j.v.alcs[dev].Detach(background, j.id); err != nil {
			return slot.Range{}, err
		}
	}
	for _, np := range j.newPages {
		j.v.pc.Put(np.id, pagedev.MarshalRefs(np.refs, np.data))
	}
	j.releaseLocks()
	j.v.resolveOutstanding(prep.Lo)
	j.done = true
	util.DPrintf(2, "job %v: committed at %v", j.id, prep)
	return prep, nil
}

// writePages writes every staged page to its device in parallel, then
// flushes the touched devices.
func (j *Job) writePages(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, np := range j.newPages {
		np := np
		g.Go(func() error {
			return j.v.devFor(np.id).Write(np.id, pagedev.MarshalRefs(np.refs, np.data))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	touched := make(map[pageid.DeviceIndex]bool)
	var merr *multierror.Error
	for _, np := range j.newPages {
		dev := np.id.Device()
		if touched[dev] {
			continue
		}
		touched[dev] = true
		merr = multierror.Append(merr, j.v.devs[dev].Flush())
	}
	return merr.ErrorOrNil()
}

// applyDeltas submits the job's deltas to each target allocator under the
// job's client uuid, slot-stamped with the prepare offset.
func (j *Job) applyDeltas(ctx context.Context, prepareSlot uint64) error {
	for dev, deltas := range groupByDevice(j.deltas) {
		a := j.v.alcs[dev]
		if err := a.Attach(ctx, j.id, prepareSlot); err != nil {
			return err
		}
		if err := a.Update(ctx, j.id, prepareSlot, deltas); err != nil {
			return err
		}
	}
	return nil
}

// failCommit abandons a commit attempt before its Commit record exists. The
// prepare (if appended) stays unmatched; recovery or Abort resolves it.
func (j *Job) failCommit(err error) error {
	util.DPrintf(1, "job %v: commit failed: %v", j.id, err)
	return err
}

// Abort abandons the job: applied deltas are compensated, staged allocations
// return to the free set, and slot locks are released. Safe only before
// Commit has appended its Commit record.
func (j *Job) Abort(ctx context.Context) error {
	j.checkOpen()
	j.done = true
	j.releaseLocks()

	var merr *multierror.Error
	for dev, group := range groupByDevice(j.deltas) {
		a := j.v.alcs[dev]
		last, ok := a.Attached(j.id)
		if !ok {
			continue
		}
		if j.prepared && last >= int64(j.prep.Lo) {
			// Deltas were applied durably; compensate exactly once under
			// the job's own client.
			merr = multierror.Append(merr,
				a.Update(ctx, j.id, j.prep.Lo+1, negate(group)))
		}
		merr = multierror.Append(merr, a.Detach(ctx, j.id))
	}

	// Never-persisted allocations go straight back to the free set.
	for _, np := range j.newPages {
		a := j.v.allocFor(np.id)
		if a.Refcount(np.id) == 0 {
			a.Deallocate([]pageid.PageId{np.id})
		}
	}

	if j.prepared {
		if _, err := j.v.log.Append(encodeMark(tagAbort, j.prep.Lo)); err != nil {
			merr = multierror.Append(merr, err)
		}
		j.v.resolveOutstanding(j.prep.Lo)
	}
	util.DPrintf(2, "job %v: aborted", j.id)
	return merr.ErrorOrNil()
}
