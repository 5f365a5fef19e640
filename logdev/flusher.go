package logdev

import (
	"github.com/bhaskarbora2/llfs/util"
)

// flushDone reports whether storage is caught up with memory.
// Assumes caller holds memLock.
func (d *LogDevice) flushDone() bool {
	return d.flushPos == d.commitPos && d.durableTrim == d.trimPos
}

// flushOnce writes [flushPos, commitPos) to the storage ring, barriers, and
// publishes the new positions in a control block.
//
// Assumes caller holds memLock; the lock is released during I/O.
func (d *LogDevice) flushOnce() error {
	start := d.flushPos
	end := d.commitPos
	trim := d.trimPos
	data := make([]byte, end-start)
	d.ringCopyOut(start, data)

	d.memLock.Unlock()
	err := d.storeRing(start, data)
	if err == nil {
		err = d.s.Flush()
	}
	if err == nil {
		err = d.writeCtrl(trim, end)
	}
	d.memLock.Lock()

	if err != nil {
		return err
	}
	d.flushPos = end
	d.durableTrim = trim
	d.resolveWaiters()
	return nil
}

// storeRing writes data at absolute offset off into the storage ring,
// splitting at the wrap point.
func (d *LogDevice) storeRing(off uint64, data []byte) error {
	for len(data) > 0 {
		at := off % d.capacity
		n := util.Min(uint64(len(data)), d.capacity-at)
		if err := d.s.WriteAt(data[:n], int64(ringStart+at)); err != nil {
			return err
		}
		data = data[n:]
		off += n
	}
	return nil
}

// flusher runs as a background thread, continuously making committed data
// durable. Driven by condFlusher.
func (d *LogDevice) flusher() {
	d.memLock.Lock()
	for {
		if d.failed == nil && !d.flushDone() {
			if err := d.flushOnce(); err != nil {
				util.DPrintf(1, "flusher: %v", err)
				d.fail(err)
			}
			continue
		}
		if d.shutdown || d.failed != nil {
			break
		}
		d.condFlusher.Wait()
	}
	util.DPrintf(1, "flusher: shutdown")
	d.nthread -= 1
	d.condShut.Signal()
	d.memLock.Unlock()
}
