package network

import "sync"

// InterestTracker reference-counts the subsystems that need data from one
// peer. The first Acquire sends Interested, the last Release sends
// NotInterested.
type InterestTracker struct {
	mu    sync.Mutex
	count int
	send  func(interested bool) error
}

// NewInterestTracker returns a tracker that reports 0/1 transitions to send.
func NewInterestTracker(send func(interested bool) error) *InterestTracker {
	return &InterestTracker{send: send}
}

// Acquire takes a guard, sending Interested on the 0 to 1 transition.
func (t *InterestTracker) Acquire() *InterestGuard {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	if t.count == 1 {
		_ = t.send(true)
	}
	return &InterestGuard{tracker: t}
}

// Held returns the number of outstanding guards.
func (t *InterestTracker) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *InterestTracker) release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == 0 {
		return
	}
	t.count--
	if t.count == 0 {
		_ = t.send(false)
	}
}

// InterestGuard is one held unit of interest. Release is idempotent.
type InterestGuard struct {
	tracker *InterestTracker
	once    sync.Once
}

// Release drops the guard.
func (g *InterestGuard) Release() {
	if g == nil {
		return
	}
	g.once.Do(g.tracker.release)
}
