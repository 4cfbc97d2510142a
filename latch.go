package keydir

import "sync"

// SpinLatch is an exclusive-only latch guarding a single page. The teacher's
// SpinLatch also tracks a shared reader count for its B-link tree's
// access/read/write lock set (latchmgr.go); the keydir only ever needs one
// page locked by one writer or reader at a time for its hash-chain walk, so
// the shared-count half of that type is dropped here (see DESIGN.md).
type SpinLatch struct {
	mu      sync.Mutex
	held    bool
	pending bool
}

// Lock waits for any current holder to release, then takes the latch.
func (l *SpinLatch) Lock() {
	for {
		l.mu.Lock()
		prev := !l.held
		if prev {
			l.held = true
			l.pending = false
		} else {
			l.pending = true
		}
		l.mu.Unlock()

		if prev {
			return
		}
	}
}

// TryLock attempts to take the latch without blocking.
func (l *SpinLatch) TryLock() bool {
	if !l.mu.TryLock() {
		return false
	}
	defer l.mu.Unlock()

	if l.held {
		return false
	}
	l.held = true
	return true
}

// Unlock releases the latch.
func (l *SpinLatch) Unlock() {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
}
