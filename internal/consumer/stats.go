package consumer

import (
	"sync"
	"time"
)

// Stats tracks per-consumer counters. Increments come from the message
// loop (or its bounded parallel workers); snapshots may be read at any
// time by health reporting.
type Stats struct {
	mu           sync.Mutex
	consumed     int64
	processed    int64
	failed       int64
	duplicates   int64
	deadLettered int64
	startTime    time.Time
	active       bool

	// Per-second buckets for the trailing processed rate.
	buckets   [rateWindow]int64
	bucketSec int64
}

// rateWindow bounds the processed-rate calculation to the trailing
// interval, in seconds.
const rateWindow = 60

// StatsSnapshot is a consistent whole-struct copy of the counters.
type StatsSnapshot struct {
	MessagesConsumed     int64     `json:"messagesConsumed"`
	MessagesProcessed    int64     `json:"messagesProcessed"`
	MessagesFailed       int64     `json:"messagesFailed"`
	MessagesDuplicate    int64     `json:"messagesDuplicate"`
	MessagesDeadLettered int64     `json:"messagesDeadLettered"`
	StartTime            time.Time `json:"startTime"`
	Uptime               string    `json:"uptime"`
	// MessagesPerSecond is the processed rate over the trailing minute,
	// not a lifetime average.
	MessagesPerSecond float64 `json:"messagesPerSecond"`
	Active            bool    `json:"active"`
}

// NewStats creates a zeroed stats tracker.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) MarkStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startTime = time.Now()
	s.active = true
}

func (s *Stats) MarkStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

func (s *Stats) IncConsumed()     { s.inc(&s.consumed) }
func (s *Stats) IncFailed()       { s.inc(&s.failed) }
func (s *Stats) IncDuplicate()    { s.inc(&s.duplicates) }
func (s *Stats) IncDeadLettered() { s.inc(&s.deadLettered) }

func (s *Stats) IncProcessed() {
	s.mu.Lock()
	s.processed++
	now := time.Now().Unix()
	s.rotate(now)
	s.buckets[now%rateWindow]++
	s.mu.Unlock()
}

func (s *Stats) inc(field *int64) {
	s.mu.Lock()
	*field++
	s.mu.Unlock()
}

// rotate clears buckets the window has moved past. Caller holds s.mu.
func (s *Stats) rotate(now int64) {
	if s.bucketSec == 0 {
		s.bucketSec = now
		return
	}
	gap := now - s.bucketSec
	switch {
	case gap <= 0:
	case gap >= rateWindow:
		s.buckets = [rateWindow]int64{}
	default:
		for i := int64(1); i <= gap; i++ {
			s.buckets[(s.bucketSec+i)%rateWindow] = 0
		}
	}
	s.bucketSec = now
}

// Snapshot returns a consistent copy with derived uptime and rate.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		MessagesConsumed:     s.consumed,
		MessagesProcessed:    s.processed,
		MessagesFailed:       s.failed,
		MessagesDuplicate:    s.duplicates,
		MessagesDeadLettered: s.deadLettered,
		StartTime:            s.startTime,
		Active:               s.active,
	}
	if !s.startTime.IsZero() {
		uptime := time.Since(s.startTime)
		snap.Uptime = uptime.Truncate(time.Second).String()

		s.rotate(time.Now().Unix())
		var recent int64
		for _, n := range s.buckets {
			recent += n
		}
		window := uptime.Seconds()
		if window > rateWindow {
			window = rateWindow
		}
		if window > 0 {
			snap.MessagesPerSecond = float64(recent) / window
		}
	}
	return snap
}
