package storage

import (
	"sync"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/util"
)

// MemLog is an in-memory LogStorage. It tracks a separate durable image so
// tests can simulate a crash: writes reach the volatile image immediately and
// the durable image only at Flush.
type MemLog struct {
	mu      sync.Mutex
	data    []byte
	durable []byte
	closed  bool
}

func NewMemLog(size int64) *MemLog {
	return &MemLog{
		data:    make([]byte, size),
		durable: make([]byte, size),
	}
}

func (m *MemLog) ReadAt(p []byte, off int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.E(errors.IO, "memlog.ReadAt", "closed")
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return errors.E(errors.IO, "memlog.ReadAt", "out of range")
	}
	copy(p, m.data[off:])
	return nil
}

func (m *MemLog) WriteAt(p []byte, off int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.E(errors.IO, "memlog.WriteAt", "closed")
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return errors.E(errors.IO, "memlog.WriteAt", "out of range")
	}
	copy(m.data[off:], p)
	return nil
}

func (m *MemLog) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.durable, m.data)
	return nil
}

func (m *MemLog) Size() (int64, error) {
	return int64(len(m.data)), nil
}

func (m *MemLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Crash discards all writes since the last Flush and reopens the storage.
// Test helper.
func (m *MemLog) Crash() {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data, m.durable)
	m.closed = false
}

// MemPages is an in-memory PageStorage with the same crash model as MemLog.
type MemPages struct {
	mu       sync.Mutex
	pageSize uint64
	data     [][]byte
	durable  [][]byte
	closed   bool
}

func NewMemPages(pageSize uint64, pageCount uint32) *MemPages {
	if pageSize < 512 || pageSize&(pageSize-1) != 0 {
		panic("mempages: page size must be a power of two >= 512")
	}
	m := &MemPages{
		pageSize: pageSize,
		data:     make([][]byte, pageCount),
		durable:  make([][]byte, pageCount),
	}
	for i := range m.data {
		m.data[i] = make([]byte, pageSize)
		m.durable[i] = make([]byte, pageSize)
	}
	return m
}

func (m *MemPages) ReadPage(idx uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.E(errors.IO, "mempages.ReadPage", "closed")
	}
	if int(idx) >= len(m.data) {
		return nil, errors.E(errors.IO, "mempages.ReadPage", "out of range")
	}
	return util.CloneByteSlice(m.data[idx]), nil
}

func (m *MemPages) WritePage(idx uint32, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.E(errors.IO, "mempages.WritePage", "closed")
	}
	if int(idx) >= len(m.data) {
		return errors.E(errors.IO, "mempages.WritePage", "out of range")
	}
	if uint64(len(p)) != m.pageSize {
		return errors.E(errors.Invalid, "mempages.WritePage", "short page")
	}
	copy(m.data[idx], p)
	return nil
}

func (m *MemPages) DropPage(idx uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(idx) >= len(m.data) {
		return errors.E(errors.IO, "mempages.DropPage", "out of range")
	}
	for i := range m.data[idx] {
		m.data[idx][i] = 0
	}
	return nil
}

func (m *MemPages) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.data {
		copy(m.durable[i], m.data[i])
	}
	return nil
}

func (m *MemPages) PageSize() uint64 {
	return m.pageSize
}

func (m *MemPages) PageCount() uint32 {
	return uint32(len(m.data))
}

func (m *MemPages) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Crash discards all writes since the last Flush and reopens the storage.
// Test helper.
func (m *MemPages) Crash() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.data {
		copy(m.data[i], m.durable[i])
	}
	m.closed = false
}
