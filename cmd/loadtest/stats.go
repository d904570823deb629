package main

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks performance metrics
type Stats struct {
	messagesPosted   atomic.Int64
	messagesFailed   atomic.Int64
	recalls          atomic.Int64
	connectionErrors atomic.Int64

	// Detailed failure tracking
	serverErrors   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration // post until own echo arrives
}

func (s *Stats) recordEcho(latency time.Duration) {
	s.messagesPosted.Add(1)
	s.mu.Lock()
	s.latencies = append(s.latencies, latency)
	s.mu.Unlock()
}

func (s *Stats) recordFailure() {
	s.messagesFailed.Add(1)
}

func (s *Stats) recordServerError() {
	s.messagesFailed.Add(1)
	s.serverErrors.Add(1)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avg time.Duration) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) > 0 {
		var total time.Duration
		for _, l := range s.latencies {
			total += l
		}
		avg = total / time.Duration(len(s.latencies))
	}
	return
}

// percentile returns the p-th percentile (0-100) of observed latencies
func (s *Stats) percentile(p float64) time.Duration {
	s.mu.Lock()
	sorted := append([]time.Duration(nil), s.latencies...)
	s.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p / 100 * float64(len(sorted)-1))
	return sorted[idx]
}
