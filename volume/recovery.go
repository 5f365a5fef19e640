package volume

import (
	"context"
	"io"
	"sort"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/logdev"
	"github.com/bhaskarbora2/llfs/util"
)

// recover scans the volume log and resolves every Prepare with no matching
// Commit or Abort. The Commit record is the lineariser: a job with one is
// durable and needs nothing; a job without one is rolled forward when its
// pages are all durable and self-consistent, and aborted with compensating
// deltas otherwise.
func (v *Volume) recover(ctx context.Context) error {
	prepares := make(map[uint64]prepareRecord)
	rd := v.log.NewReader(logdev.Durable)
	for {
		rng, payload, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		tag, dec, err := recordTag(payload)
		if err != nil {
			return err
		}
		switch tag {
		case tagPrepare:
			prepares[rng.Lo] = decodePrepare(dec)
		case tagCommit, tagAbort:
			delete(prepares, dec.GetInt())
		default:
			return errors.E(errors.Corruption, "volume.recover", "unknown record tag")
		}
	}

	los := make([]uint64, 0, len(prepares))
	for lo := range prepares {
		los = append(los, lo)
	}
	sort.Slice(los, func(i, j int) bool { return los[i] < los[j] })
	for _, lo := range los {
		if err := v.resolvePrepare(ctx, lo, prepares[lo]); err != nil {
			return err
		}
	}
	return nil
}

// resolvePrepare decides an unmatched Prepare. All the steps below are
// idempotent, so a crash during resolution is handled by the next recovery:
// allocator updates are exactly-once (slot lo to apply, slot lo+1 to
// compensate), pages are dropped only while their refcount is 0 (dropping an
// already-dropped page again changes nothing), and the final mark record is
// what stops the re-resolution.
func (v *Volume) resolvePrepare(ctx context.Context, lo uint64, rec prepareRecord) error {
	pagesOK := true
	for _, id := range rec.newPages {
		if _, err := v.devFor(id).Read(id); err != nil {
			pagesOK = false
			break
		}
	}
	groups := groupByDevice(rec.deltas)

	if pagesOK {
		// Roll forward: the prepare is self-consistent; re-issue the
		// allocator updates (no-ops where already applied) and write the
		// missing Commit.
		util.DPrintf(1, "volume: rolling forward job %v at slot %d", rec.job, lo)
		for dev, group := range groups {
			a := v.alcs[dev]
			if err := a.Attach(ctx, rec.job, lo); err != nil {
				return err
			}
			if err := a.Update(ctx, rec.job, lo, group); err != nil {
				return err
			}
		}
		if _, err := v.log.Append(encodeMark(tagCommit, lo)); err != nil {
			return err
		}
	} else {
		// Abort: where the deltas landed, submit the exact negation under
		// the job's client at slot lo+1; new pages drop back to refcount 0
		// and their physical pages are released.
		util.DPrintf(1, "volume: aborting job %v at slot %d", rec.job, lo)
		for dev, group := range groups {
			a := v.alcs[dev]
			last, ok := a.Attached(rec.job)
			if ok && last >= int64(lo) {
				if err := a.Update(ctx, rec.job, lo+1, negate(group)); err != nil {
					return err
				}
			}
		}
		for _, id := range rec.newPages {
			if v.allocFor(id).Refcount(id) == 0 {
				if err := v.devFor(id).Drop(id); err != nil {
					return err
				}
			}
		}
		if _, err := v.log.Append(encodeMark(tagAbort, lo)); err != nil {
			return err
		}
	}

	if err := v.log.FlushBarrier(ctx); err != nil {
		return err
	}
	for dev := range groups {
		if _, ok := v.alcs[dev].Attached(rec.job); ok {
			if err := v.alcs[dev].Detach(ctx, rec.job); err != nil {
				return err
			}
		}
	}
	return nil
}
