package agentpool

import (
	"sync"
	"time"
)

// sentinelMarker is the explicit end-of-task marker an InteractivePTY agent
// may emit to signal completion without waiting out the silence window.
const sentinelMarker = "\x00CIS-TASK-DONE\x00"

// silenceTracker watches an agent's pty output for the silence window: a
// task is considered complete once no new bytes have arrived for window
// since the last byte, or immediately on seeing sentinelMarker.
type silenceTracker struct {
	window time.Duration

	mu       sync.Mutex
	lastByte time.Time
}

func newSilenceTracker(window time.Duration) *silenceTracker {
	return &silenceTracker{window: window, lastByte: time.Now()}
}

func (s *silenceTracker) observe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastByte = time.Now()
}

func (s *silenceTracker) sinceLast() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastByte)
}
