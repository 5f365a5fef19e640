package logdev

import (
	"context"

	"github.com/bhaskarbora2/llfs/slot"
)

// A Writer appends records to one log and tracks the highest slot it has
// written, so a caller can flush exactly its own appends. A Writer is not
// safe for concurrent use; distinct Writers are.
type Writer struct {
	d    *LogDevice
	last slot.Range
}

func (d *LogDevice) NewWriter() *Writer {
	return &Writer{d: d}
}

// Append appends one record and returns its slot.
func (w *Writer) Append(payload []byte) (slot.Range, error) {
	r, err := w.d.Append(payload)
	if err != nil {
		return slot.Range{}, err
	}
	w.last = r
	return r, nil
}

// Flush waits until everything this writer appended is durable.
func (w *Writer) Flush(ctx context.Context) error {
	if w.last.IsEmpty() {
		return nil
	}
	w.d.memLock.Lock()
	w.d.condFlusher.Broadcast()
	w.d.memLock.Unlock()
	return w.d.AwaitPosition(ctx, FlushPos, w.last.Hi)
}
