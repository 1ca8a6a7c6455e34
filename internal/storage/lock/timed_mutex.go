// Package lock implements the lock-with-timeout primitive required
// throughout the node: every async shared-state lock exposes
// Acquire(ctx, timeout) -> (Guard, error), records wait/hold statistics, and
// never silently retries a timeout.
package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

// TimedMutex is a single-writer/many-reader-friendly mutex (writers
// serialize, reads are the caller's responsibility to batch, mirroring the
// "per-db writer mutex" shared-resource policy) whose Acquire can fail with
// a LockTimeout instead of blocking forever.
type TimedMutex struct {
	ch chan struct{}

	name string

	waitNanos int64
	holdNanos int64
	acquired  int64
	timeouts  int64
	waiters   int32
}

// New creates a named timed mutex (name is used only for Stats/monitoring).
func New(name string) *TimedMutex {
	m := &TimedMutex{ch: make(chan struct{}, 1), name: name}
	m.ch <- struct{}{}
	return m
}

// Guard represents a held lock; call Release exactly once.
type Guard struct {
	m         *TimedMutex
	acquiredAt time.Time
}

// Acquire blocks until the lock is obtained, ctx is cancelled, or timeout
// elapses, whichever comes first.
func (m *TimedMutex) Acquire(ctx context.Context, timeout time.Duration) (*Guard, error) {
	start := time.Now()
	atomic.AddInt32(&m.waiters, 1)
	defer atomic.AddInt32(&m.waiters, -1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.ch:
		atomic.AddInt64(&m.waitNanos, int64(time.Since(start)))
		atomic.AddInt64(&m.acquired, 1)
		return &Guard{m: m, acquiredAt: time.Now()}, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Cancelled, "lock acquire cancelled", ctx.Err(), errs.F("lock", m.name))
	case <-timer.C:
		atomic.AddInt64(&m.timeouts, 1)
		return nil, errs.New(errs.LockTimeout, "lock acquire timed out", errs.F("lock", m.name), errs.F("timeout", timeout.String()))
	}
}

// Release returns the lock; safe to call at most once per Guard.
func (g *Guard) Release() {
	atomic.AddInt64(&g.m.holdNanos, int64(time.Since(g.acquiredAt)))
	g.m.ch <- struct{}{}
}

// Stats reports aggregate wait/hold statistics for monitoring thresholds.
type Stats struct {
	Name        string
	Acquired    int64
	Timeouts    int64
	CurrentWaiters int32
	MeanWait    time.Duration
	MeanHold    time.Duration
}

func (m *TimedMutex) Stats() Stats {
	acquired := atomic.LoadInt64(&m.acquired)
	var meanWait, meanHold time.Duration
	if acquired > 0 {
		meanWait = time.Duration(atomic.LoadInt64(&m.waitNanos) / acquired)
		meanHold = time.Duration(atomic.LoadInt64(&m.holdNanos) / acquired)
	}
	return Stats{
		Name:           m.name,
		Acquired:       acquired,
		Timeouts:       atomic.LoadInt64(&m.timeouts),
		CurrentWaiters: atomic.LoadInt32(&m.waiters),
		MeanWait:       meanWait,
		MeanHold:       meanHold,
	}
}

// Default timeouts per call-site category, per §4.5.
const (
	ReadTimeout  = 3 * time.Second
	WriteTimeout = 6 * time.Second
	BatchTimeout = 30 * time.Second
)

// Monitor holds a set of registered mutexes and, on each Offenders call,
// reports those whose mean wait or current waiters exceed thresholds; it
// runs no background loop of its own.
type Monitor struct {
	mu      sync.Mutex
	mutexes []*TimedMutex
}

func NewMonitor() *Monitor { return &Monitor{} }

func (m *Monitor) Register(mu *TimedMutex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutexes = append(m.mutexes, mu)
}

// Offenders returns stats for mutexes whose mean wait exceeds maxMeanWait or
// whose current waiters exceed maxWaiters.
func (m *Monitor) Offenders(maxMeanWait time.Duration, maxWaiters int32) []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Stats
	for _, mu := range m.mutexes {
		s := mu.Stats()
		if s.MeanWait > maxMeanWait || s.CurrentWaiters > maxWaiters {
			out = append(out, s)
		}
	}
	return out
}
