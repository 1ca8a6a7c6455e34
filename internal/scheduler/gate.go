package scheduler

import (
	"context"
	"sync"
	"time"
)

// DecisionKind is the message kind a stakeholder sends into a gate.
type DecisionKind string

const (
	DecisionConfirm DecisionKind = "confirm"
	DecisionCancel  DecisionKind = "cancel"
	DecisionVote    DecisionKind = "vote"
)

// decisionMessage is one stakeholder's input to a gate, keyed by
// (run_id, task_id, stakeholder_id) at the point of delivery and idempotent
// at that key: resubmitting the same stakeholder's decision has no
// additional effect once recorded.
type decisionMessage struct {
	Kind          DecisionKind
	StakeholderID string
	Approve       bool // for Vote: true = yes
}

// gateOutcome is what a gate wait resolved to.
type gateOutcome string

const (
	gateCommit  gateOutcome = "commit"
	gateCancel  gateOutcome = "cancel"
	gateBlocked gateOutcome = "blocked" // Confirmed timeout, or Arbitrated timeout without a majority
)

// gate wraps a buffered channel of decisionMessage, consumed by a select
// alongside the run's cancellation context and a timeout timer — directly
// analogous to CancellationManager's pause/resume channel pattern in the
// teacher, generalized from a single cancel signal to the full
// Confirm/Cancel/Vote vocabulary.
type gate struct {
	level        DecisionLevel
	timeout      time.Duration
	stakeholders map[string]struct{} // Arbitrated voter set; empty for other levels

	mu       sync.Mutex
	messages chan decisionMessage
	votes    map[string]bool // stakeholder_id -> approve, recorded idempotently
}

func newGate(level DecisionLevel, timeout time.Duration, stakeholders []string) *gate {
	set := make(map[string]struct{}, len(stakeholders))
	for _, s := range stakeholders {
		set[s] = struct{}{}
	}
	return &gate{
		level:        level,
		timeout:      timeout,
		stakeholders: set,
		messages:     make(chan decisionMessage, 64),
		votes:        make(map[string]bool),
	}
}

// Submit records a stakeholder decision; safe to call from any goroutine,
// including concurrently with wait's own timeout firing (wait simply won't
// see messages that arrive after it returns).
func (g *gate) Submit(msg decisionMessage) {
	select {
	case g.messages <- msg:
	default:
		// Gate already resolved and no longer drained; drop (idempotent no-op).
	}
}

// wait blocks until the gate resolves per its DecisionLevel's rule, or ctx
// is cancelled.
func (g *gate) wait(ctx context.Context) gateOutcome {
	switch g.level {
	case Mechanical:
		return gateCommit
	case Recommended:
		return g.waitRecommended(ctx)
	case Confirmed:
		return g.waitConfirmed(ctx)
	case Arbitrated:
		return g.waitArbitrated(ctx)
	default:
		return gateCommit
	}
}

// waitRecommended: execution starts immediately (the caller already does
// that before calling wait); an operator may Cancel within timeout, else
// the result commits.
func (g *gate) waitRecommended(ctx context.Context) gateOutcome {
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return gateCancel
		case <-timer.C:
			return gateCommit
		case msg := <-g.messages:
			if msg.Kind == DecisionCancel {
				return gateCancel
			}
		}
	}
}

// waitConfirmed: requires an explicit Confirm; on timeout, enters Blocked
// (awaits confirmation indefinitely from the caller's perspective — here
// represented by returning gateBlocked, letting the run-level loop treat
// the task as parked rather than spinning).
func (g *gate) waitConfirmed(ctx context.Context) gateOutcome {
	var timer *time.Timer
	var timerC <-chan time.Time
	if g.timeout > 0 {
		timer = time.NewTimer(g.timeout)
		defer timer.Stop()
		timerC = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return gateCancel
		case <-timerC:
			return gateBlocked
		case msg := <-g.messages:
			switch msg.Kind {
			case DecisionConfirm:
				return gateCommit
			case DecisionCancel:
				return gateCancel
			}
		}
	}
}

// waitArbitrated: collects votes from the declared stakeholder set; a
// decision resolves as soon as either side reaches an unbeatable majority
// of the full stakeholder set, not only once every stakeholder has voted.
// At timeout, the majority of votes actually received (again measured
// against the full stakeholder set) decides; short of a majority either
// way — including a minority that voted before the clock ran out — the
// task stays Blocked.
func (g *gate) waitArbitrated(ctx context.Context) gateOutcome {
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return gateCancel
		case <-timer.C:
			return g.tally()
		case msg := <-g.messages:
			if msg.Kind == DecisionCancel {
				return gateCancel
			}
			if msg.Kind != DecisionVote {
				continue
			}
			if _, known := g.stakeholders[msg.StakeholderID]; !known {
				continue
			}
			g.mu.Lock()
			g.votes[msg.StakeholderID] = msg.Approve
			outcome, decided := g.majorityLocked()
			g.mu.Unlock()
			if decided {
				return outcome
			}
		}
	}
}

// majorityLocked reports the gate's outcome if a majority of the full
// stakeholder set (not just of votes received) has been reached, and
// whether that majority exists yet. Must be called with g.mu held.
func (g *gate) majorityLocked() (gateOutcome, bool) {
	threshold := len(g.stakeholders) / 2
	yes, no := 0, 0
	for _, approve := range g.votes {
		if approve {
			yes++
		} else {
			no++
		}
	}
	switch {
	case yes > threshold:
		return gateCommit, true
	case no > threshold:
		return gateCancel, true
	default:
		return gateBlocked, false
	}
}

func (g *gate) tally() gateOutcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.votes) == 0 {
		return gateBlocked
	}
	outcome, decided := g.majorityLocked()
	if !decided {
		return gateBlocked
	}
	return outcome
}
