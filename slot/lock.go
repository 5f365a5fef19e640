package slot

import "sync"

// A ReadLock is a reference-counted pin on a slot range. While any reference
// is held, the owning log refuses to trim past the range.
type ReadLock struct {
	set *LockSet
	r   Range
	// refs is protected by set.mu
	refs int
}

// Range returns the pinned interval.
func (l *ReadLock) Range() Range {
	return l.r
}

// Incref adds a reference and returns l for convenience.
func (l *ReadLock) Incref() *ReadLock {
	l.set.mu.Lock()
	if l.refs == 0 {
		panic("slot: Incref on released lock")
	}
	l.refs++
	l.set.mu.Unlock()
	return l
}

// Release drops one reference; the last release removes the pin.
func (l *ReadLock) Release() {
	l.set.mu.Lock()
	if l.refs == 0 {
		panic("slot: double release")
	}
	l.refs--
	if l.refs == 0 {
		delete(l.set.held, l)
	}
	l.set.mu.Unlock()
}

// A LockSet tracks the outstanding read locks of one log.
type LockSet struct {
	mu   sync.Mutex
	held map[*ReadLock]struct{}
}

func NewLockSet() *LockSet {
	return &LockSet{held: make(map[*ReadLock]struct{})}
}

// Acquire pins r and returns the lock with one reference.
func (s *LockSet) Acquire(r Range) *ReadLock {
	l := &ReadLock{set: s, r: r, refs: 1}
	s.mu.Lock()
	s.held[l] = struct{}{}
	s.mu.Unlock()
	return l
}

// LowerBound returns the lowest Lo among held locks, if any.
func (s *LockSet) LowerBound() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lo uint64
	found := false
	for l := range s.held {
		if !found || l.r.Lo < lo {
			lo = l.r.Lo
			found = true
		}
	}
	return lo, found
}

// MayTrim reports whether trimming to pos crosses no held lock.
func (s *LockSet) MayTrim(pos uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.held {
		if l.r.Lo < pos {
			return false
		}
	}
	return true
}
