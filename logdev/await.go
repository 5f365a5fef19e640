package logdev

import (
	"context"

	"github.com/bhaskarbora2/llfs/errors"
)

// AwaitPosition resolves once the named pointer reaches off, the context is
// cancelled, or the device fails.
func (d *LogDevice) AwaitPosition(ctx context.Context, kind PositionKind, off uint64) error {
	d.memLock.Lock()
	if d.failed != nil {
		err := d.failed
		d.memLock.Unlock()
		return err
	}
	if d.pos(kind) >= off {
		d.memLock.Unlock()
		return nil
	}
	w := &posWaiter{kind: kind, off: off, ch: make(chan struct{})}
	d.waiters = append(d.waiters, w)
	d.memLock.Unlock()

	select {
	case <-ctx.Done():
		d.memLock.Lock()
		for i, o := range d.waiters {
			if o == w {
				d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
				break
			}
		}
		d.memLock.Unlock()
		return errors.E(errors.Cancelled, "logdev.AwaitPosition", ctx.Err())
	case <-w.ch:
		d.memLock.Lock()
		err := d.failed
		d.memLock.Unlock()
		return err
	}
}

// FlushBarrier requests that flushPos catch up with the current commitPos and
// waits for it.
func (d *LogDevice) FlushBarrier(ctx context.Context) error {
	d.memLock.Lock()
	target := d.commitPos
	d.condFlusher.Broadcast()
	d.memLock.Unlock()
	return d.AwaitPosition(ctx, FlushPos, target)
}
