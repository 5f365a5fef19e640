// Package logdev implements the bounded sliding-window append log.
//
// The layout of a log:
//
//	[ trimmed | durable | committed in-memory ]
//	          ^         ^                     ^
//	          trimPos   flushPos              commitPos
//
// Positions are absolute byte offsets in an unbounded virtual log; the
// physical ring holds only the active window [trimPos, commitPos), which
// never exceeds the configured capacity. At all times
// trimPos <= flushPos <= commitPos.
//
// Appends go to an in-memory ring mirror and advance commitPos. A background
// flusher writes [flushPos, commitPos) to storage, issues a barrier, then
// publishes the new positions in a control block. On recovery commitPos
// regresses to flushPos; trimPos persists up to its last published value.
//
// The LogDevice is safe for concurrent use. Individual Reader and Writer
// objects are not; distinct ones are.
package logdev

import (
	"sync"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/slot"
	"github.com/bhaskarbora2/llfs/storage"
	"github.com/bhaskarbora2/llfs/util"
)

// PositionKind names one of the three log pointers for AwaitPosition.
type PositionKind int

const (
	TrimPos PositionKind = iota
	FlushPos
	CommitPos
)

type Config struct {
	// Capacity is the ring size in bytes; the active window never exceeds
	// it. Rounded up to slot.Align.
	Capacity uint64
}

func (c Config) WithDefaults() Config {
	if c.Capacity == 0 {
		c.Capacity = 1 << 20
	}
	c.Capacity = util.RoundUp(c.Capacity, slot.Align)
	return c
}

type posWaiter struct {
	kind PositionKind
	off  uint64
	ch   chan struct{}
}

type LogDevice struct {
	memLock *sync.Mutex
	s       storage.LogStorage

	capacity uint64
	ring     []byte // mirror of the storage ring for [trimPos, commitPos)

	trimPos   uint64
	flushPos  uint64
	commitPos uint64

	// durableTrim is the trim position last published in the control block.
	durableTrim uint64
	ctrlSeq     uint64

	locks   *slot.LockSet
	waiters []*posWaiter
	failed  error

	condFlusher *sync.Cond

	// For shutdown:
	shutdown bool
	nthread  uint64
	condShut *sync.Cond
}

func mkLogDevice(s storage.LogStorage, cfg Config, trim, flush, seq uint64) *LogDevice {
	ml := new(sync.Mutex)
	d := &LogDevice{
		memLock:     ml,
		s:           s,
		capacity:    cfg.Capacity,
		ring:        make([]byte, cfg.Capacity),
		trimPos:     trim,
		flushPos:    flush,
		commitPos:   flush,
		durableTrim: trim,
		ctrlSeq:     seq,
		locks:       slot.NewLockSet(),
		condFlusher: sync.NewCond(ml),
		condShut:    sync.NewCond(ml),
	}
	return d
}

// Init formats s as an empty log and returns the running device.
func Init(s storage.LogStorage, cfg Config) (*LogDevice, error) {
	cfg = cfg.WithDefaults()
	if err := checkSize(s, cfg.Capacity); err != nil {
		return nil, err
	}
	d := mkLogDevice(s, cfg, 0, 0, 0)
	if err := d.writeCtrl(0, 0); err != nil {
		return nil, err
	}
	d.startFlusher()
	return d, nil
}

// Open recovers a log from s: positions come from the newest valid control
// block, and the durable window is re-read into memory. commitPos regresses
// to flushPos.
func Open(s storage.LogStorage) (*LogDevice, error) {
	trim, flush, capacity, seq, err := readCtrl(s)
	if err != nil {
		return nil, err
	}
	if err := checkSize(s, capacity); err != nil {
		return nil, err
	}
	d := mkLogDevice(s, Config{Capacity: capacity}, trim, flush, seq)
	if err := d.loadRing(trim, flush); err != nil {
		return nil, err
	}
	util.DPrintf(1, "logdev.Open: trim %d flush %d", trim, flush)
	d.startFlusher()
	return d, nil
}

func checkSize(s storage.LogStorage, capacity uint64) error {
	sz, err := s.Size()
	if err != nil {
		return err
	}
	if uint64(sz) < ringStart+capacity {
		return errors.E(errors.Invalid, "logdev", "storage smaller than ring")
	}
	return nil
}

// loadRing reads [lo, hi) from the storage ring into the memory mirror.
func (d *LogDevice) loadRing(lo, hi uint64) error {
	for off := lo; off < hi; {
		at := off % d.capacity
		n := util.Min(hi-off, d.capacity-at)
		if err := d.s.ReadAt(d.ring[at:at+n], int64(ringStart+at)); err != nil {
			return err
		}
		off += n
	}
	return nil
}

func (d *LogDevice) startFlusher() {
	// Register the thread before it runs so Shutdown cannot miss it.
	d.memLock.Lock()
	d.nthread += 1
	d.memLock.Unlock()
	go func() { d.flusher() }()
}

// Capacity returns the configured ring size.
func (d *LogDevice) Capacity() uint64 {
	return d.capacity
}

// Positions returns the current (trim, flush, commit) triple.
func (d *LogDevice) Positions() (uint64, uint64, uint64) {
	d.memLock.Lock()
	defer d.memLock.Unlock()
	return d.trimPos, d.flushPos, d.commitPos
}

// Append frames payload as a slot record, copies it into the active window,
// and advances commitPos. It fails with NoSpace when the record does not fit
// the remaining window; the caller is expected to trim and retry. The append
// is atomic: no reader observes a partial record.
func (d *LogDevice) Append(payload []byte) (slot.Range, error) {
	rec := slot.Encode(payload)
	n := uint64(len(rec))

	d.memLock.Lock()
	defer d.memLock.Unlock()
	if d.failed != nil {
		return slot.Range{}, d.failed
	}
	if d.shutdown {
		return slot.Range{}, errors.E(errors.Invalid, "logdev.Append", "log is shut down")
	}
	if n > d.capacity-(d.commitPos-d.trimPos) {
		return slot.Range{}, errors.E(errors.NoSpace, "logdev.Append")
	}
	lo := d.commitPos
	d.ringCopyIn(lo, rec)
	d.commitPos = lo + n
	d.resolveWaiters()
	d.condFlusher.Broadcast()
	return slot.Range{Lo: lo, Hi: d.commitPos}, nil
}

// Trim advances trimPos. It is O(1) and does no I/O: the new position is
// published to storage by the flusher. Trimming below the current position
// is a no-op; trimming past flushPos or across a held read lock is rejected.
func (d *LogDevice) Trim(newTrim uint64) error {
	d.memLock.Lock()
	defer d.memLock.Unlock()
	if d.failed != nil {
		return d.failed
	}
	if newTrim <= d.trimPos {
		return nil
	}
	if newTrim > d.flushPos {
		return errors.E(errors.Invalid, "logdev.Trim", "trim past flushPos")
	}
	if !d.locks.MayTrim(newTrim) {
		return errors.E(errors.Invalid, "logdev.Trim", "slot read lock held below trim target")
	}
	d.trimPos = newTrim
	d.resolveWaiters()
	d.condFlusher.Broadcast()
	return nil
}

// LockLowerBound returns the lowest offset pinned by a held read lock.
func (d *LogDevice) LockLowerBound() (uint64, bool) {
	return d.locks.LowerBound()
}

// LockRange pins [r.Lo, r.Hi) against trimming and returns the lock.
func (d *LogDevice) LockRange(r slot.Range) (*slot.ReadLock, error) {
	d.memLock.Lock()
	defer d.memLock.Unlock()
	if r.Lo < d.trimPos || r.Hi > d.commitPos {
		return nil, errors.E(errors.Invalid, "logdev.LockRange", "range outside active window")
	}
	return d.locks.Acquire(r), nil
}

// ringCopyIn copies rec into the memory ring at absolute offset off.
// Assumes caller holds memLock and the range fits the active window.
func (d *LogDevice) ringCopyIn(off uint64, rec []byte) {
	for len(rec) > 0 {
		at := off % d.capacity
		n := copy(d.ring[at:], rec)
		rec = rec[n:]
		off += uint64(n)
	}
}

// ringCopyOut copies [off, off+len(p)) from the memory ring into p.
// Assumes caller holds memLock.
func (d *LogDevice) ringCopyOut(off uint64, p []byte) {
	for len(p) > 0 {
		at := off % d.capacity
		n := copy(p, d.ring[at:])
		p = p[n:]
		off += uint64(n)
	}
}

// readWindow copies [r.Lo, r.Hi) out of the active window.
func (d *LogDevice) readWindow(r slot.Range) ([]byte, error) {
	d.memLock.Lock()
	defer d.memLock.Unlock()
	if d.failed != nil {
		return nil, d.failed
	}
	if r.Lo < d.trimPos || r.Hi > d.commitPos {
		return nil, errors.E(errors.NotFound, "logdev.readWindow", "range outside active window")
	}
	p := make([]byte, r.Size())
	d.ringCopyOut(r.Lo, p)
	return p, nil
}

// fail latches err as the device's terminal state and wakes all waiters.
// Assumes caller holds memLock.
func (d *LogDevice) fail(err error) {
	if d.failed == nil {
		d.failed = err
	}
	for _, w := range d.waiters {
		close(w.ch)
	}
	d.waiters = nil
	d.condFlusher.Broadcast()
}

// pos returns the current value of the named pointer.
// Assumes caller holds memLock.
func (d *LogDevice) pos(kind PositionKind) uint64 {
	switch kind {
	case TrimPos:
		return d.trimPos
	case FlushPos:
		return d.flushPos
	case CommitPos:
		return d.commitPos
	}
	panic("logdev: bad position kind")
}

// resolveWaiters wakes every waiter whose target has been reached.
// Assumes caller holds memLock.
func (d *LogDevice) resolveWaiters() {
	var keep []*posWaiter
	for _, w := range d.waiters {
		if d.pos(w.kind) >= w.off {
			close(w.ch)
		} else {
			keep = append(keep, w)
		}
	}
	d.waiters = keep
}

// Abort stops the device immediately, without draining committed data. Any
// in-flight and subsequent operations fail. The backing storage is left
// open; crash tests revert it and Open recovers.
func (d *LogDevice) Abort() {
	d.memLock.Lock()
	d.fail(errors.E(errors.IO, "logdev", "aborted"))
	d.shutdown = true
	for d.nthread > 0 {
		d.condShut.Wait()
	}
	d.memLock.Unlock()
}

// Shutdown stops the flusher after it has drained all committed data, and
// closes the backing storage.
func (d *LogDevice) Shutdown() error {
	d.memLock.Lock()
	d.shutdown = true
	d.condFlusher.Broadcast()
	for d.nthread > 0 {
		d.condShut.Wait()
	}
	err := d.failed
	d.memLock.Unlock()
	util.DPrintf(1, "logdev: shut down")
	if cerr := d.s.Close(); err == nil {
		err = cerr
	}
	return err
}
