package consumer

import (
	"sync"
	"time"
)

// dedupStore suppresses redeliveries of the same event id within a window.
// Entries older than the window are purged by a periodic sweep whose
// interval equals the window. Per-consumer and in-memory: duplicates are
// re-processed across restarts.
type dedupStore struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	window  time.Duration
	ticker  *time.Ticker
	stopped chan struct{}
}

func newDedupStore(window time.Duration) *dedupStore {
	return &dedupStore{
		seen:   make(map[string]time.Time),
		window: window,
	}
}

// Seen records the id and reports whether it was already present within
// the window.
func (s *dedupStore) Seen(id string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if first, ok := s.seen[id]; ok && now.Sub(first) < s.window {
		return true
	}
	s.seen[id] = now
	return false
}

// Len returns the number of tracked ids.
func (s *dedupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *dedupStore) startSweeper() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.window)
	s.stopped = make(chan struct{})
	go s.sweepLoop(s.ticker, s.stopped)
}

func (s *dedupStore) sweepLoop(ticker *time.Ticker, stopped chan struct{}) {
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-stopped:
			return
		}
	}
}

func (s *dedupStore) sweep() {
	cutoff := time.Now().Add(-s.window)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, first := range s.seen {
		if first.Before(cutoff) {
			delete(s.seen, id)
		}
	}
}

func (s *dedupStore) stopSweeper() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stopped)
	s.ticker = nil
}
