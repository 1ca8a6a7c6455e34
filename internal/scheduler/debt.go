package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// newDebtEntry records a task whose retries were exhausted. kind is
// Ignorable if the task's manifest allows it, Blocking otherwise, per the
// partial-failure policy.
func newDebtEntry(taskID string, kind DebtKind, reason string) *DebtEntry {
	return &DebtEntry{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Kind:      kind,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
}

// DebtAction is an operator's resolution of a DebtEntry via resolve_debt.
type DebtAction string

const (
	DebtAccept  DebtAction = "accept"  // treat as resolved, no further effect
	DebtBlock   DebtAction = "block"   // (re)freeze the run on this debt
	DebtRollback DebtAction = "rollback"
	DebtRetry   DebtAction = "retry"
)

// ancestorsInReverseTopoOrder returns the set of tasks that had already
// reached Succeeded before failedTaskID failed, ordered so that a task
// never appears before any task that depends on it — i.e. reverse
// topological order relative to the DAG, which is the traversal order
// rollback must use (undo the most downstream completed work first).
func ancestorsInReverseTopoOrder(dag *DAG, run *DagRun, failedTaskID string) []string {
	byID := make(map[string]*TaskNode, len(dag.Nodes))
	for _, t := range dag.Nodes {
		byID[t.ID] = t
	}

	// Collect every task reachable as a transitive dependency of
	// failedTaskID that actually Succeeded.
	visited := make(map[string]bool)
	var collect func(id string)
	collect = func(id string) {
		t, ok := byID[id]
		if !ok || visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range t.DependsOn {
			collect(dep)
		}
	}
	if t, ok := byID[failedTaskID]; ok {
		for _, dep := range t.DependsOn {
			collect(dep)
		}
	}

	var ancestors []string
	for id := range visited {
		if st, ok := run.Tasks[id]; ok && st.Status == StatusSucceeded {
			ancestors = append(ancestors, id)
		}
	}

	depth := taskDepths(dag)
	sort.Slice(ancestors, func(i, j int) bool {
		di, dj := depth[ancestors[i]], depth[ancestors[j]]
		if di != dj {
			return di > dj // deepest (most downstream) first
		}
		return ancestors[i] < ancestors[j]
	})
	return ancestors
}

func taskDepths(dag *DAG) map[string]int {
	byID := make(map[string]*TaskNode, len(dag.Nodes))
	for _, t := range dag.Nodes {
		byID[t.ID] = t
	}
	depth := make(map[string]int, len(dag.Nodes))
	var compute func(id string) int
	compute = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		t, ok := byID[id]
		if !ok || len(t.DependsOn) == 0 {
			depth[id] = 0
			return 0
		}
		max := 0
		for _, dep := range t.DependsOn {
			if d := compute(dep); d+1 > max {
				max = d + 1
			}
		}
		depth[id] = max
		return max
	}
	for _, t := range dag.Nodes {
		compute(t.ID)
	}
	return depth
}

// runRollback runs each ancestor's rollback_ref (if present) in reverse
// topological order via the agent pool. Rollback failures are logged but
// never trigger further rollback — fail-open on cleanup, per the spec.
func (s *Scheduler) runRollback(ctx context.Context, dag *DAG, run *DagRun, failedTaskID string) {
	byID := make(map[string]*TaskNode, len(dag.Nodes))
	for _, t := range dag.Nodes {
		byID[t.ID] = t
	}
	for _, taskID := range ancestorsInReverseTopoOrder(dag, run, failedTaskID) {
		t := byID[taskID]
		if t.RollbackRef == "" {
			run.Tasks[taskID].Status = StatusRolledBack
			continue
		}
		_, err := s.pool.Execute(ctx, TaskRequest{
			RunID: run.RunID, TaskID: taskID, SkillRef: t.RollbackRef, Scope: t.Scope,
			Input: run.Context,
		})
		if err != nil {
			slog.Warn("rollback step failed, continuing (fail-open)",
				"run_id", run.RunID, "task_id", taskID, "rollback_ref", t.RollbackRef, "error", err)
		}
		run.Tasks[taskID].Status = StatusRolledBack
	}
}
