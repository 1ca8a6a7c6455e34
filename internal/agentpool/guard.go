package agentpool

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// cleanupFn is one step of a Guard's release sequence; cleanups run in
// reverse registration order (LIFO) on Release, exactly once.
type cleanupFn func()

// Guard is an RAII handle on an acquired agent: Release (or the deferred
// call a caller is expected to set up with `defer guard.Release()`) always
// runs every registered cleanup, even if the caller's goroutine panics
// first, because Release is driven by the deferred call itself rather than
// by normal control flow reaching the end of a function.
type Guard struct {
	ID        string
	AgentID   string
	createdAt time.Time
	site      string // creation call site, for the leak detector

	mu        sync.Mutex
	cleanups  []cleanupFn
	released  bool
	poisoned  bool
}

func newGuard(agentID string) *Guard {
	_, file, line, _ := runtime.Caller(2)
	return &Guard{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		createdAt: time.Now(),
		site:      siteLabel(file, line),
	}
}

func siteLabel(file string, line int) string {
	return file + ":" + itoa(line)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// AddCleanup registers fn to run on Release, before any previously
// registered cleanups (LIFO order overall).
func (g *Guard) AddCleanup(fn cleanupFn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanups = append(g.cleanups, fn)
}

// Poison marks the guard's agent as unfit to return to Idle: Release will
// route it to shutdown instead.
func (g *Guard) Poison() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.poisoned = true
}

// Release runs every registered cleanup in reverse order, exactly once.
// Safe to call more than once; the second call is a no-op.
func (g *Guard) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	cleanups := g.cleanups
	g.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("agent pool guard cleanup panicked", "guard_id", g.ID, "agent_id", g.AgentID, "recover", r)
				}
			}()
			cleanups[i]()
		}()
	}
}

func (g *Guard) isPoisoned() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.poisoned
}

func (g *Guard) isReleased() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

// leakDetector tracks live guards and reports ones alive beyond a threshold.
// Registered guards are removed on Release; anything left at Report time has
// either leaked or is a long-running legitimate hold, surfaced either way
// for an operator to judge.
type leakDetector struct {
	threshold time.Duration

	mu    sync.Mutex
	alive map[string]*Guard
}

func newLeakDetector(threshold time.Duration) *leakDetector {
	return &leakDetector{threshold: threshold, alive: make(map[string]*Guard)}
}

func (d *leakDetector) track(g *Guard) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alive[g.ID] = g
}

func (d *leakDetector) untrack(g *Guard) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.alive, g.ID)
}

// LeakReport describes one guard alive longer than the detector's threshold.
type LeakReport struct {
	GuardID   string
	AgentID   string
	Site      string
	AliveFor  time.Duration
}

// Report returns every currently-tracked guard whose age exceeds threshold.
func (d *leakDetector) Report() []LeakReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	var out []LeakReport
	for _, g := range d.alive {
		age := now.Sub(g.createdAt)
		if age >= d.threshold {
			out = append(out, LeakReport{GuardID: g.ID, AgentID: g.AgentID, Site: g.site, AliveFor: age})
		}
	}
	return out
}
