package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// Breaker is a per-client circuit breaker. Consecutive delivery failures
// open the circuit; after the cool-down elapses the next Allow pre-resets
// the breaker and the client becomes eligible again.
type Breaker struct {
	mu              sync.Mutex
	open            bool
	failureCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time

	threshold int
	timeout   time.Duration

	// Metrics (atomic for lock-free reads)
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
	timesOpened    atomic.Int64
}

// New creates a breaker with the given consecutive-failure threshold and
// cool-down duration.
func New(threshold int, timeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		timeout:   timeout,
	}
}

// Allow reports whether a delivery may proceed. When the circuit is open
// and the cool-down has elapsed, the breaker is reset and the delivery is
// allowed. A rejected delivery is not recorded as a failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if time.Now().After(b.nextAttemptTime) {
		b.open = false
		b.failureCount = 0
		return true
	}
	b.totalRejected.Add(1)
	return false
}

// RecordSuccess clears the failure count and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses.Add(1)
	b.failureCount = 0
	b.open = false
}

// RecordFailure counts a failed delivery; at the threshold the circuit
// opens and the next attempt time is set to now + timeout.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures.Add(1)
	b.failureCount++
	b.lastFailureTime = time.Now()
	if b.failureCount >= b.threshold && !b.open {
		b.open = true
		b.nextAttemptTime = b.lastFailureTime.Add(b.timeout)
		b.timesOpened.Add(1)
	}
}

// Snapshot returns a point-in-time view of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		IsOpen:       b.open,
		FailureCount: b.failureCount,
		Threshold:    b.threshold,
		Failures:     b.totalFailures.Load(),
		Successes:    b.totalSuccesses.Load(),
		Rejected:     b.totalRejected.Load(),
		TimesOpened:  b.timesOpened.Load(),
	}
	if !b.lastFailureTime.IsZero() {
		s.LastFailureTime = b.lastFailureTime.Format(time.RFC3339)
	}
	if b.open {
		s.NextAttemptTime = b.nextAttemptTime.Format(time.RFC3339)
	}
	return s
}

// Snapshot is a point-in-time view of a circuit breaker.
type Snapshot struct {
	IsOpen          bool   `json:"isOpen"`
	FailureCount    int    `json:"failureCount"`
	Threshold       int    `json:"threshold"`
	LastFailureTime string `json:"lastFailureTime,omitempty"`
	NextAttemptTime string `json:"nextAttemptTime,omitempty"`
	Failures        int64  `json:"failures"`
	Successes       int64  `json:"successes"`
	Rejected        int64  `json:"rejected"`
	TimesOpened     int64  `json:"timesOpened"`
}

// ByClient manages circuit breakers keyed by client id.
type ByClient struct {
	breakers map[string]*Breaker
	mu       sync.RWMutex

	threshold int
	timeout   time.Duration
}

// NewByClient creates a breaker table with shared settings.
func NewByClient(threshold int, timeout time.Duration) *ByClient {
	return &ByClient{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		timeout:   timeout,
	}
}

// Get returns the breaker for a client, creating it on first use.
func (bc *ByClient) Get(clientID string) *Breaker {
	bc.mu.RLock()
	b, ok := bc.breakers[clientID]
	bc.mu.RUnlock()
	if ok {
		return b
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if b, ok := bc.breakers[clientID]; ok {
		return b
	}
	b = New(bc.threshold, bc.timeout)
	bc.breakers[clientID] = b
	return b
}

// Snapshots returns snapshots of all breakers.
func (bc *ByClient) Snapshots() map[string]Snapshot {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	result := make(map[string]Snapshot, len(bc.breakers))
	for id, b := range bc.breakers {
		result[id] = b.Snapshot()
	}
	return result
}
