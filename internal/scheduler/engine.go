package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
	"github.com/cis-systems/cis-node/internal/scheduler/manifest"
	"github.com/cis-systems/cis-node/internal/storage/boltstore"
)

// defaultMaxWorkers mirrors the teacher's DAGEngine.maxWorkers but is not
// applied: executeRun starts every Ready task at once, with no per-run
// worker limit.
const defaultMaxWorkers = 8

// defaultGateTimeout is used for Recommended/Arbitrated gates when a task
// doesn't declare its own Timeout.
const defaultGateTimeout = 30 * time.Second

// ControlAction is an operator action against a run, via control().
type ControlAction string

const (
	ControlPause  ControlAction = "pause"
	ControlResume ControlAction = "resume"
	ControlCancel ControlAction = "cancel"
)

// TaskDelta amends a Ready-but-not-yet-Running task's parameters, via
// propose_todo_change(). Rejected once the task is Running.
type TaskDelta struct {
	SkillRef string
	Timeout  time.Duration
	Input    map[string]any
}

// Scheduler compiles DAG manifests and executes runs with the four-level
// decision model, debt ledger, and rollback. One Scheduler serves every DAG
// and run on a node.
type Scheduler struct {
	db   *store
	pool AgentPool
	tracer trace.Tracer

	taskDuration     metric.Float64Histogram
	taskRetries      metric.Int64Counter
	taskFailures     metric.Int64Counter
	parallelismGauge metric.Int64Gauge

	mu    sync.RWMutex
	runs  map[string]*activeRun // run_id -> live execution state
}

// activeRun is the in-memory counterpart of a persisted DagRun: the run
// mutex (serializing all state transitions for this run_id, per the
// ordering guarantee), cancellation, pause signal, and live gates.
type activeRun struct {
	mu      sync.Mutex
	run     *DagRun
	dag     *DAG
	cancel  context.CancelFunc
	paused  chan struct{} // closed while NOT paused; replaced on pause/resume
	gates   map[string]*gate
	running bool // true while a coordinator goroutine owns this run
}

// New constructs a Scheduler backed by db (the node database) and pool (the
// agent pool tasks dispatch to).
func New(db *boltstore.Store, pool AgentPool) *Scheduler {
	meter := otel.GetMeterProvider().Meter("cis-node")
	taskDuration, _ := meter.Float64Histogram("cis_scheduler_task_duration_ms")
	taskRetries, _ := meter.Int64Counter("cis_scheduler_task_retries_total")
	taskFailures, _ := meter.Int64Counter("cis_scheduler_task_failures_total")
	parallelism, _ := meter.Int64Gauge("cis_scheduler_parallelism")

	return &Scheduler{
		db:               newStore(db),
		pool:             pool,
		tracer:           otel.Tracer("cis-scheduler"),
		taskDuration:     taskDuration,
		taskRetries:      taskRetries,
		taskFailures:     taskFailures,
		parallelismGauge: parallelism,
		runs:             make(map[string]*activeRun),
	}
}

// Submit parses and validates manifestRaw, persists the compiled DAG, and
// returns its dag_id.
func (s *Scheduler) Submit(ctx context.Context, manifestRaw []byte) (string, error) {
	doc, err := manifest.Parse(manifestRaw)
	if err != nil {
		return "", err
	}
	tasks, err := manifest.Validate(doc)
	if err != nil {
		return "", err
	}

	dag := &DAG{ID: uuid.NewString(), Name: doc.Name, Nodes: make([]*TaskNode, 0, len(tasks))}
	for _, t := range tasks {
		dag.Nodes = append(dag.Nodes, taskNodeFromManifest(t))
	}
	if err := s.db.PutDAG(ctx, dag); err != nil {
		return "", err
	}
	return dag.ID, nil
}

func taskNodeFromManifest(t manifest.Task) *TaskNode {
	level := DecisionLevel(t.Level)
	if level == "" {
		level = Mechanical
	}
	retry := RetryPolicy{
		MaxAttempts: t.RetryMaxAttempts,
		BaseDelay:   t.RetryBaseDelay,
		MaxDelay:    t.RetryMaxDelay,
		Multiplier:  t.RetryMultiplier,
	}
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	scope := t.Scope
	if scope == "" {
		scope = "global"
	}
	return &TaskNode{
		ID: t.ID, Name: t.Name, SkillRef: t.Skill, DependsOn: t.DependsOn,
		DecisionLevel: level, Retry: retry, RollbackRef: t.Rollback,
		Timeout: t.Timeout, Scope: scope, Priority: t.Priority,
		AllowIgnorableDebt: t.AllowIgnorableDebt, Stakeholders: t.Stakeholders,
		Condition: t.Condition,
	}
}

// Run allocates a run for dagID, marks root tasks Ready, and starts
// execution asynchronously. resumeFrom, if non-empty, re-enters an existing
// run record (e.g. after a restart) instead of allocating a fresh one.
func (s *Scheduler) Run(ctx context.Context, dagID string, inputs map[string]any, resumeFrom string) (string, error) {
	dag, err := s.db.GetDAG(dagID)
	if err != nil {
		return "", err
	}

	var run *DagRun
	if resumeFrom != "" {
		run, err = s.db.GetRun(resumeFrom)
		if err != nil {
			return "", err
		}
	} else {
		run = &DagRun{
			RunID:     uuid.NewString(),
			DagID:     dagID,
			Phase:     PhaseRunning,
			Inputs:    inputs,
			Context:   make(map[string]any),
			Tasks:     make(map[string]*TaskRunState),
			StartedAt: time.Now(),
		}
		for _, t := range dag.Nodes {
			run.Tasks[t.ID] = &TaskRunState{TaskID: t.ID, Status: StatusPending}
		}
	}
	run.Phase = PhaseRunning

	runCtx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{run: run, dag: dag, cancel: cancel, paused: make(chan struct{}), gates: make(map[string]*gate), running: true}
	close(ar.paused) // starts unpaused

	s.mu.Lock()
	s.runs[run.RunID] = ar
	s.mu.Unlock()

	if err := s.db.PutRun(ctx, run); err != nil {
		return "", err
	}

	go s.executeRun(runCtx, ar)
	return run.RunID, nil
}

// Status returns a read-only snapshot of run_id's state.
func (s *Scheduler) Status(runID string) (DagRunView, error) {
	s.mu.RLock()
	ar, live := s.runs[runID]
	s.mu.RUnlock()

	var run *DagRun
	if live {
		ar.mu.Lock()
		run = cloneRun(ar.run)
		ar.mu.Unlock()
	} else {
		r, err := s.db.GetRun(runID)
		if err != nil {
			return DagRunView{}, err
		}
		run = r
	}
	return DagRunView{
		RunID: run.RunID, DagID: run.DagID, Phase: run.Phase,
		Tasks: run.Tasks, DebtLedger: run.DebtLedger,
		StartedAt: run.StartedAt, EndedAt: run.EndedAt,
	}, nil
}

func cloneRun(run *DagRun) *DagRun {
	out := *run
	out.Tasks = make(map[string]*TaskRunState, len(run.Tasks))
	for id, st := range run.Tasks {
		s := *st
		out.Tasks[id] = &s
	}
	out.DebtLedger = append([]*DebtEntry(nil), run.DebtLedger...)
	return &out
}

// Control applies Pause/Resume/Cancel to a running run.
func (s *Scheduler) Control(ctx context.Context, runID string, action ControlAction) error {
	s.mu.RLock()
	ar, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return errs.New(errs.NotFound, "run not active", errs.F("run_id", runID))
	}

	ar.mu.Lock()
	defer ar.mu.Unlock()
	switch action {
	case ControlPause:
		select {
		case <-ar.paused:
			ar.paused = make(chan struct{}) // was open/unpaused; now block
		default:
			// already paused
		}
		ar.run.Phase = PhasePaused
	case ControlResume:
		select {
		case <-ar.paused:
			// already unpaused
		default:
			close(ar.paused)
		}
		ar.run.Phase = PhaseRunning
	case ControlCancel:
		ar.cancel()
		ar.run.Phase = PhaseCancelled
	default:
		return errs.New(errs.Validation, "unknown control action", errs.F("action", string(action)))
	}
	return s.db.PutRun(ctx, ar.run)
}

// ProposeTodoChange hot-amends a Ready task's skill/timeout/input. Rejected
// once the task has left Ready (i.e. is Running or further along).
func (s *Scheduler) ProposeTodoChange(ctx context.Context, runID, taskID string, delta TaskDelta) error {
	s.mu.RLock()
	ar, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return errs.New(errs.NotFound, "run not active", errs.F("run_id", runID))
	}

	ar.mu.Lock()
	defer ar.mu.Unlock()
	st, ok := ar.run.Tasks[taskID]
	if !ok {
		return errs.New(errs.NotFound, "task not found in run", errs.F("task_id", taskID))
	}
	if st.Status != StatusReady && st.Status != StatusPending {
		return errs.New(errs.Conflict, "task is no longer amendable", errs.F("task_id", taskID), errs.F("status", string(st.Status)))
	}
	for _, t := range ar.dag.Nodes {
		if t.ID != taskID {
			continue
		}
		if delta.SkillRef != "" {
			t.SkillRef = delta.SkillRef
		}
		if delta.Timeout != 0 {
			t.Timeout = delta.Timeout
		}
		break
	}
	if delta.Input != nil {
		if ar.run.Context == nil {
			ar.run.Context = make(map[string]any)
		}
		ar.run.Context["__pending_input:"+taskID] = delta.Input
	}
	return s.db.PutRun(ctx, ar.run)
}

// Decide delivers a Confirm/Cancel/Vote message to taskID's gate within
// runID, from stakeholderID. Idempotent: repeat delivery of the same
// decision has no further effect once the gate has resolved.
func (s *Scheduler) Decide(runID, taskID, stakeholderID string, kind DecisionKind, approve bool) error {
	s.mu.RLock()
	ar, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return errs.New(errs.NotFound, "run not active", errs.F("run_id", runID))
	}
	ar.mu.Lock()
	g, ok := ar.gates[taskID]
	ar.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "task has no active gate", errs.F("task_id", taskID))
	}
	g.Submit(decisionMessage{Kind: kind, StakeholderID: stakeholderID, Approve: approve})
	return nil
}

// ResolveDebt applies an operator's resolution to a DebtEntry.
func (s *Scheduler) ResolveDebt(ctx context.Context, runID, debtID string, action DebtAction) error {
	s.mu.RLock()
	ar, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return errs.New(errs.NotFound, "run not active", errs.F("run_id", runID))
	}

	ar.mu.Lock()
	var debt *DebtEntry
	for _, d := range ar.run.DebtLedger {
		if d.ID == debtID {
			debt = d
			break
		}
	}
	if debt == nil {
		ar.mu.Unlock()
		return errs.New(errs.NotFound, "debt entry not found", errs.F("debt_id", debtID))
	}
	now := time.Now()
	switch action {
	case DebtAccept:
		debt.ResolvedAt = &now
	case DebtBlock:
		debt.Kind = Blocking
	case DebtRollback:
		debt.ResolvedAt = &now
		dag, run := ar.dag, ar.run
		ar.mu.Unlock()
		s.runRollback(ctx, dag, run, debt.TaskID)
		ar.mu.Lock()
	case DebtRetry:
		debt.ResolvedAt = &now
		if st, ok := ar.run.Tasks[debt.TaskID]; ok {
			st.Status = StatusPending // re-enters the ready-queue scan on the next pass
			st.Attempts = 0
			st.Error = ""
		}
		ar.run.Phase = PhaseRunning
	default:
		ar.mu.Unlock()
		return errs.New(errs.Validation, "unknown debt action", errs.F("action", string(action)))
	}
	needsRestart := action == DebtRetry && !ar.running
	if needsRestart {
		ar.running = true
	}
	run := ar.run
	ar.mu.Unlock()

	if err := s.db.PutRun(ctx, run); err != nil {
		return err
	}
	if needsRestart {
		runCtx, cancel := context.WithCancel(context.Background())
		ar.mu.Lock()
		ar.cancel = cancel
		ar.mu.Unlock()
		go s.executeRun(runCtx, ar)
	}
	return nil
}

// executeRun is the per-run coordinator: ready-queue + worker pool +
// coordinator goroutine, generalized from the teacher's executeDAG to honor
// priority-then-depth-then-id ordering, pause/resume, and the four-level
// decision gates.
func (s *Scheduler) executeRun(ctx context.Context, ar *activeRun) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(attribute.String("run_id", ar.run.RunID)))
	defer span.End()

	depth := taskDepths(ar.dag)
	byID := make(map[string]*TaskNode, len(ar.dag.Nodes))
	for _, t := range ar.dag.Nodes {
		byID[t.ID] = t
	}

	type result struct {
		taskID string
		status TaskStatus
		debt   *DebtEntry
	}
	results := make(chan result, len(ar.dag.Nodes))
	var wg sync.WaitGroup
	inFlight := make(map[string]bool)

	markReady := func() []string {
		ar.mu.Lock()
		defer ar.mu.Unlock()
		var ready []string
		for id, st := range ar.run.Tasks {
			if st.Status != StatusPending || inFlight[id] {
				continue
			}
			if dependenciesSatisfied(byID[id], ar.run) {
				st.Status = StatusReady
				ready = append(ready, id)
			}
		}
		sort.Slice(ready, func(i, j int) bool {
			ti, tj := byID[ready[i]], byID[ready[j]]
			if ti.Priority != tj.Priority {
				return ti.Priority > tj.Priority
			}
			if depth[ready[i]] != depth[ready[j]] {
				return depth[ready[i]] < depth[ready[j]]
			}
			return ready[i] < ready[j]
		})
		return ready
	}

	remaining := 0
	ar.mu.Lock()
	for _, st := range ar.run.Tasks {
		switch st.Status {
		case StatusSucceeded, StatusFailed, StatusSkipped, StatusRolledBack:
		default:
			remaining++
		}
	}
	ar.mu.Unlock()

	for remaining > 0 {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.finishRun(ctx, ar, PhaseCancelled)
			return
		case <-ar.paused:
		}

		for _, id := range markReady() {
			inFlight[id] = true
			wg.Add(1)
			go func(taskID string) {
				defer wg.Done()
				status, debt := s.runGatedTask(ctx, ar, byID[taskID])
				results <- result{taskID: taskID, status: status, debt: debt}
			}(id)
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			s.finishRun(ctx, ar, PhaseCancelled)
			return
		case res := <-results:
			remaining--
			delete(inFlight, res.taskID)
			ar.mu.Lock()
			if res.debt != nil {
				ar.run.DebtLedger = append(ar.run.DebtLedger, res.debt)
				if res.debt.Kind == Blocking {
					ar.mu.Unlock()
					wg.Wait()
					s.finishRun(ctx, ar, PhaseFailed)
					return
				}
			}
			_ = s.db.PutRun(ctx, ar.run)
			ar.mu.Unlock()
		case <-time.After(50 * time.Millisecond):
			// no task finished yet; loop back to re-check readiness/pause.
		}
	}

	wg.Wait()
	s.finishRun(ctx, ar, PhaseSucceeded)
}

// finishRun persists the run's terminal phase. The run stays registered in
// s.runs (not deleted) so status/control/resolve_debt keep working against
// a Blocking-halted or completed run for the rest of the process lifetime.
// After a restart, RecoverCrashedRuns only marks runs left Running as
// Failed; resuming from the persisted record goes through Run with resumeFrom.
func (s *Scheduler) finishRun(ctx context.Context, ar *activeRun, phase RunPhase) {
	ar.mu.Lock()
	if ar.run.Phase == PhaseRunning || ar.run.Phase == PhasePaused {
		ar.run.Phase = phase
	}
	ar.run.EndedAt = time.Now()
	ar.running = false
	run := ar.run
	ar.mu.Unlock()
	_ = s.db.PutRun(ctx, run)
}

// dependenciesSatisfied reports whether every dependency of t has reached a
// terminal successful state (Succeeded, or Skipped/Failed-with-Ignorable-
// debt, which downstream treats as satisfied).
func dependenciesSatisfied(t *TaskNode, run *DagRun) bool {
	for _, dep := range t.DependsOn {
		st, ok := run.Tasks[dep]
		if !ok {
			return false
		}
		switch st.Status {
		case StatusSucceeded, StatusSkipped:
		case StatusFailed:
			if !ignorableDebtExists(run, dep) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func ignorableDebtExists(run *DagRun, taskID string) bool {
	for _, d := range run.DebtLedger {
		if d.TaskID == taskID && d.Kind == Ignorable {
			return true
		}
	}
	return false
}

// runGatedTask carries one task through its decision gate (if any) and
// execution with retries, returning its terminal status and, if retries
// were exhausted, the resulting DebtEntry.
func (s *Scheduler) runGatedTask(ctx context.Context, ar *activeRun, t *TaskNode) (TaskStatus, *DebtEntry) {
	switch t.DecisionLevel {
	case Confirmed, Arbitrated:
		timeout := t.Timeout
		if t.DecisionLevel == Arbitrated && timeout == 0 {
			timeout = defaultGateTimeout
		}
		g := newGate(t.DecisionLevel, timeout, t.Stakeholders)
		ar.mu.Lock()
		ar.gates[t.ID] = g
		ar.mu.Unlock()
		s.setStatus(ar, t.ID, StatusBlocked)

		outcome := g.wait(ctx)
		switch outcome {
		case gateCancel:
			return s.markTerminal(ar, t.ID, StatusFailed, "gate cancelled")
		case gateBlocked:
			s.setStatus(ar, t.ID, StatusBlocked)
			return StatusBlocked, nil
		}
		// gateCommit: fall through to execution.
	}

	status, debt := s.executeWithRetry(ctx, ar, t)

	if t.DecisionLevel == Recommended {
		timeout := t.Timeout
		if timeout == 0 {
			timeout = defaultGateTimeout
		}
		g := newGate(Recommended, timeout, nil)
		ar.mu.Lock()
		ar.gates[t.ID] = g
		ar.mu.Unlock()
		if g.wait(ctx) == gateCancel {
			return s.markTerminal(ar, t.ID, StatusFailed, "cancelled during recommended review window")
		}
	}
	return status, debt
}

func (s *Scheduler) setStatus(ar *activeRun, taskID string, status TaskStatus) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if st, ok := ar.run.Tasks[taskID]; ok {
		st.Status = status
	}
}

func (s *Scheduler) markTerminal(ar *activeRun, taskID string, status TaskStatus, reason string) (TaskStatus, *DebtEntry) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	st := ar.run.Tasks[taskID]
	st.Status = status
	st.Error = reason
	st.EndedAt = time.Now()
	return status, nil
}

// executeWithRetry dispatches t to the agent pool, retrying on failure per
// t.Retry with exponential backoff, mirroring the teacher's executeTask.
// On retries exhausted it creates a DebtEntry (Ignorable if the task
// manifest allows it, Blocking otherwise).
func (s *Scheduler) executeWithRetry(ctx context.Context, ar *activeRun, t *TaskNode) (TaskStatus, *DebtEntry) {
	ctx, span := s.tracer.Start(ctx, "scheduler.task",
		trace.WithAttributes(attribute.String("task_id", t.ID), attribute.String("skill_ref", t.SkillRef)))
	defer span.End()

	ar.mu.Lock()
	st := ar.run.Tasks[t.ID]
	st.Status = StatusRunning
	st.StartedAt = time.Now()
	input := make(map[string]any, len(ar.run.Context))
	for k, v := range ar.run.Context {
		input[k] = v
	}
	if pending, ok := ar.run.Context["__pending_input:"+t.ID]; ok {
		if m, ok := pending.(map[string]any); ok {
			for k, v := range m {
				input[k] = v
			}
		}
	}
	runID := ar.run.RunID
	ar.mu.Unlock()

	retry := t.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	wait := retry.BaseDelay

	var lastErr error
retryLoop:
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		ar.mu.Lock()
		st.Attempts = attempt
		ar.mu.Unlock()

		execCtx := ctx
		var cancel context.CancelFunc
		if t.Timeout > 0 {
			execCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		}
		out, err := s.pool.Execute(execCtx, TaskRequest{RunID: runID, TaskID: t.ID, SkillRef: t.SkillRef, Scope: t.Scope, Input: input})
		if cancel != nil {
			cancel()
		}

		if err == nil {
			ar.mu.Lock()
			st.Status = StatusSucceeded
			st.EndedAt = time.Now()
			if ar.run.Context == nil {
				ar.run.Context = make(map[string]any)
			}
			ar.run.Context[t.ID] = out.Data
			ar.mu.Unlock()
			s.taskDuration.Record(ctx, float64(st.EndedAt.Sub(st.StartedAt).Milliseconds()),
				metric.WithAttributes(attribute.String("task_id", t.ID)))
			return StatusSucceeded, nil
		}

		lastErr = err
		if attempt < retry.MaxAttempts {
			s.taskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", t.ID), attribute.Int("attempt", attempt)))
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retryLoop
			case <-time.After(wait):
			}
			wait = time.Duration(float64(wait) * retry.Multiplier)
			if wait > retry.MaxDelay {
				wait = retry.MaxDelay
			}
		}
	}

	s.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", t.ID)))

	kind := Blocking
	if t.AllowIgnorableDebt {
		kind = Ignorable
	}
	reason := "retries exhausted"
	if lastErr != nil {
		reason = fmt.Sprintf("retries exhausted: %v", lastErr)
	}
	debt := newDebtEntry(t.ID, kind, reason)

	ar.mu.Lock()
	st.Status = StatusFailed
	if lastErr != nil {
		st.Error = lastErr.Error()
	}
	st.EndedAt = time.Now()
	ar.mu.Unlock()

	slog.Warn("task failed, recording debt", "run_id", runID, "task_id", t.ID, "debt_kind", kind, "error", lastErr)
	return StatusFailed, debt
}
