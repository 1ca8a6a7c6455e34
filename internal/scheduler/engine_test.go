package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cis-systems/cis-node/internal/storage"
	"github.com/cis-systems/cis-node/internal/storage/boltstore"
)

// fakePool is a scriptable AgentPool: each skill_ref may be configured to
// fail N times before succeeding, or to always fail.
type fakePool struct {
	mu        sync.Mutex
	failUntil map[string]int // skill_ref -> attempts remaining to fail
	calls     map[string]int
	always    map[string]bool
}

func newFakePool() *fakePool {
	return &fakePool{failUntil: make(map[string]int), calls: make(map[string]int), always: make(map[string]bool)}
}

func (p *fakePool) Execute(ctx context.Context, req TaskRequest) (TaskOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[req.SkillRef]++
	if p.always[req.SkillRef] {
		return TaskOutput{}, fmt.Errorf("skill %s always fails", req.SkillRef)
	}
	if n := p.failUntil[req.SkillRef]; n > 0 {
		p.failUntil[req.SkillRef] = n - 1
		return TaskOutput{}, fmt.Errorf("skill %s transient failure", req.SkillRef)
	}
	return TaskOutput{Data: map[string]any{"ok": true}}, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakePool) {
	t.Helper()
	db, err := boltstore.Open(filepath.Join(t.TempDir(), "node.db"), storage.BucketDags, storage.BucketDagRuns)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	pool := newFakePool()
	return New(db, pool), pool
}

const linearManifest = `
name = "linear"

[[task]]
id = "a"
skill = "skill-a"

[[task]]
id = "b"
skill = "skill-b"
depends_on = ["a"]
`

func TestSubmitAndRunSucceeds(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	dagID, err := s.Submit(ctx, []byte(linearManifest))
	require.NoError(t, err)

	runID, err := s.Run(ctx, dagID, nil, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := s.Status(runID)
		require.NoError(t, err)
		return view.Phase == PhaseSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	view, err := s.Status(runID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, view.Tasks["a"].Status)
	require.Equal(t, StatusSucceeded, view.Tasks["b"].Status)
	require.Empty(t, view.DebtLedger)
}

func TestSubmitRejectsCycle(t *testing.T) {
	s, _ := newTestScheduler(t)
	_, err := s.Submit(context.Background(), []byte(`
name = "broken"
[[task]]
id = "a"
depends_on = ["b"]
[[task]]
id = "b"
depends_on = ["a"]
`))
	require.Error(t, err)
}

func TestIgnorableDebtLetsDownstreamRun(t *testing.T) {
	s, pool := newTestScheduler(t)
	pool.always["skill-a"] = true
	ctx := context.Background()

	dagID, err := s.Submit(ctx, []byte(`
name = "ignorable"
[[task]]
id = "a"
skill = "skill-a"
allow_ignorable_debt = true
retry_max_attempts = 1

[[task]]
id = "b"
skill = "skill-b"
depends_on = ["a"]
`))
	require.NoError(t, err)

	runID, err := s.Run(ctx, dagID, nil, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := s.Status(runID)
		require.NoError(t, err)
		return view.Phase == PhaseSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	view, err := s.Status(runID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, view.Tasks["a"].Status)
	require.Equal(t, StatusSucceeded, view.Tasks["b"].Status)
	require.Len(t, view.DebtLedger, 1)
	require.Equal(t, Ignorable, view.DebtLedger[0].Kind)
}

func TestBlockingDebtHaltsRun(t *testing.T) {
	s, pool := newTestScheduler(t)
	pool.always["skill-a"] = true
	ctx := context.Background()

	dagID, err := s.Submit(ctx, []byte(`
name = "blocking"
[[task]]
id = "a"
skill = "skill-a"
retry_max_attempts = 1

[[task]]
id = "b"
skill = "skill-b"
depends_on = ["a"]
`))
	require.NoError(t, err)

	runID, err := s.Run(ctx, dagID, nil, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := s.Status(runID)
		require.NoError(t, err)
		return view.Phase == PhaseFailed
	}, 5*time.Second, 20*time.Millisecond)

	view, err := s.Status(runID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, view.Tasks["a"].Status)
	require.Equal(t, StatusPending, view.Tasks["b"].Status)
	require.Len(t, view.DebtLedger, 1)
	require.Equal(t, Blocking, view.DebtLedger[0].Kind)
}

func TestConfirmedGateBlocksUntilConfirm(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	dagID, err := s.Submit(ctx, []byte(`
name = "confirmed"
[[task]]
id = "a"
skill = "skill-a"
level = "confirmed"
`))
	require.NoError(t, err)

	runID, err := s.Run(ctx, dagID, nil, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := s.Status(runID)
		require.NoError(t, err)
		return view.Tasks["a"].Status == StatusBlocked
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Decide(runID, "a", "operator-1", DecisionConfirm, true))

	require.Eventually(t, func() bool {
		view, err := s.Status(runID)
		require.NoError(t, err)
		return view.Phase == PhaseSucceeded
	}, 5*time.Second, 20*time.Millisecond)
}

func TestArbitratedMajorityCommits(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	dagID, err := s.Submit(ctx, []byte(`
name = "arbitrated"
[[task]]
id = "a"
skill = "skill-a"
level = "arbitrated"
stakeholders = ["s1", "s2", "s3"]
timeout = "5s"
`))
	require.NoError(t, err)

	runID, err := s.Run(ctx, dagID, nil, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s2, err := s.Status(runID)
		require.NoError(t, err)
		_ = s2
		return true
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Decide(runID, "a", "s1", DecisionVote, true))
	require.NoError(t, s.Decide(runID, "a", "s2", DecisionVote, true))
	require.NoError(t, s.Decide(runID, "a", "s3", DecisionVote, false))

	require.Eventually(t, func() bool {
		view, err := s.Status(runID)
		require.NoError(t, err)
		return view.Phase == PhaseSucceeded
	}, 5*time.Second, 20*time.Millisecond)
}

// TestArbitratedMinorityStaysBlockedAtTimeout covers spec.md §8 scenario 3:
// with stakeholders {alice,bob,carol}, only one voting before the gate
// times out must not be enough to commit — a minority of the declared
// stakeholder set is not a majority, regardless of how the votes received
// so far split.
func TestArbitratedMinorityStaysBlockedAtTimeout(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	dagID, err := s.Submit(ctx, []byte(`
name = "arbitrated-minority"
[[task]]
id = "a"
skill = "skill-a"
level = "arbitrated"
stakeholders = ["alice", "bob", "carol"]
timeout = "150ms"
`))
	require.NoError(t, err)

	runID, err := s.Run(ctx, dagID, nil, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s2, err := s.Status(runID)
		require.NoError(t, err)
		_ = s2
		return true
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Decide(runID, "a", "alice", DecisionVote, true))

	require.Eventually(t, func() bool {
		view, err := s.Status(runID)
		require.NoError(t, err)
		return view.Tasks["a"].Status == StatusBlocked
	}, 2*time.Second, 20*time.Millisecond)
}

func TestResolveDebtRetryReschedulesTask(t *testing.T) {
	s, pool := newTestScheduler(t)
	pool.failUntil["skill-a"] = 100 // always fails until we clear it
	ctx := context.Background()

	dagID, err := s.Submit(ctx, []byte(`
name = "retry-debt"
[[task]]
id = "a"
skill = "skill-a"
retry_max_attempts = 1
`))
	require.NoError(t, err)

	runID, err := s.Run(ctx, dagID, nil, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := s.Status(runID)
		require.NoError(t, err)
		return len(view.DebtLedger) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Clear the injected failure, then retry via resolve_debt.
	pool.mu.Lock()
	pool.failUntil["skill-a"] = 0
	pool.mu.Unlock()

	view, err := s.Status(runID)
	require.NoError(t, err)
	require.Equal(t, PhaseFailed, view.Phase)
	debtID := view.DebtLedger[0].ID

	// The Blocking halt left the coordinator goroutine stopped but the run
	// stays registered; resolve_debt's Retry action resets the task and
	// restarts the coordinator, which should now succeed.
	require.NoError(t, s.ResolveDebt(ctx, runID, debtID, DebtRetry))

	require.Eventually(t, func() bool {
		view, err := s.Status(runID)
		require.NoError(t, err)
		return view.Phase == PhaseSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	view, err = s.Status(runID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, view.Tasks["a"].Status)
}
