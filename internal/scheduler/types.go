// Package scheduler compiles declarative DAG manifests into immutable task
// graphs and executes them with partial-failure tolerance: a ready-queue
// and worker-pool execution loop (grounded on the orchestrator teacher's
// dag_engine.go), four-level decision gates, a debt ledger for failures
// that don't halt a run, and reverse-topological rollback.
package scheduler

import (
	"encoding/json"
	"time"
)

// DecisionLevel gates whether and how a task's execution commits.
type DecisionLevel string

const (
	Mechanical  DecisionLevel = "mechanical"
	Recommended DecisionLevel = "recommended"
	Confirmed   DecisionLevel = "confirmed"
	Arbitrated  DecisionLevel = "arbitrated"
)

// TaskStatus is a task's position in its per-task state machine.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusReady      TaskStatus = "ready"
	StatusBlocked    TaskStatus = "blocked" // awaiting Confirmed/Arbitrated gate
	StatusRunning    TaskStatus = "running"
	StatusSucceeded  TaskStatus = "succeeded"
	StatusFailed     TaskStatus = "failed"
	StatusSkipped    TaskStatus = "skipped"
	StatusRolledBack TaskStatus = "rolled_back"
)

// DebtKind distinguishes failures that downstream tasks may treat as
// satisfied (Ignorable) from ones that freeze the run (Blocking).
type DebtKind string

const (
	Ignorable DebtKind = "ignorable"
	Blocking  DebtKind = "blocking"
)

// RetryPolicy bounds a task's retry attempts with exponential backoff.
// Shape matches the teacher's RetryPolicy; field names follow the spec's
// task manifest vocabulary instead.
type RetryPolicy struct {
	MaxAttempts int           `toml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `toml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `toml:"max_delay" json:"max_delay"`
	Multiplier  float64       `toml:"multiplier" json:"multiplier"`
}

// DefaultRetryPolicy mirrors the teacher's NewDAGEngine default.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2.0}
}

// TaskNode is one immutable node of a compiled DAG.
type TaskNode struct {
	ID           string        `toml:"id" json:"id"`
	Name         string        `toml:"name" json:"name,omitempty"`
	SkillRef     string        `toml:"skill" json:"skill_ref"`
	DependsOn    []string      `toml:"depends_on" json:"dependencies,omitempty"`
	DecisionLevel DecisionLevel `toml:"level" json:"decision_level"`
	Retry        RetryPolicy   `toml:"retry" json:"retry_policy"`
	RollbackRef  string        `toml:"rollback" json:"rollback_ref,omitempty"`
	Timeout      time.Duration `toml:"timeout" json:"timeout"`
	Scope        string        `toml:"scope" json:"scope"` // global | user:<id> | project:<id>
	Priority     int           `toml:"priority" json:"priority"`
	AllowIgnorableDebt bool    `toml:"allow_ignorable_debt" json:"allow_ignorable_debt"`
	Stakeholders []string      `toml:"stakeholders" json:"stakeholders,omitempty"` // Arbitrated voter set
	Condition    string        `toml:"condition" json:"condition,omitempty"`
}

// DAG is the immutable compiled object produced by submit(); acyclic, every
// DependsOn reference resolved to a sibling node.
type DAG struct {
	ID    string      `json:"dag_id"`
	Name  string      `json:"name"`
	Nodes []*TaskNode `json:"nodes"`
}

// DebtEntry records a task whose retries were exhausted.
type DebtEntry struct {
	ID         string     `json:"debt_id"`
	TaskID     string     `json:"task_id"`
	Kind       DebtKind   `json:"kind"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// TaskRunState is a DagRun's mutable per-task record.
type TaskRunState struct {
	TaskID    string          `json:"task_id"`
	Status    TaskStatus      `json:"status"`
	Attempts  int             `json:"attempts"`
	StartedAt time.Time       `json:"started_at,omitempty"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// RunPhase is the overall run's lifecycle state, independent of individual
// task statuses.
type RunPhase string

const (
	PhaseRunning   RunPhase = "running"
	PhasePaused    RunPhase = "paused"
	PhaseSucceeded RunPhase = "succeeded"
	PhaseFailed    RunPhase = "failed"
	PhaseCancelled RunPhase = "cancelled"
)

// DagRun is the mutable execution record for one run of a DAG.
type DagRun struct {
	RunID     string                   `json:"run_id"`
	DagID     string                   `json:"dag_id"`
	Phase     RunPhase                 `json:"phase"`
	Inputs    map[string]any           `json:"inputs,omitempty"`
	Context   map[string]any           `json:"context"` // shared task outputs, keyed by task id
	Tasks     map[string]*TaskRunState `json:"tasks"`
	DebtLedger []*DebtEntry            `json:"debt_ledger"`
	StartedAt time.Time                `json:"started_at"`
	EndedAt   time.Time                `json:"ended_at,omitempty"`
}

// DagRunView is the read-only snapshot returned by status().
type DagRunView struct {
	RunID      string                   `json:"run_id"`
	DagID      string                   `json:"dag_id"`
	Phase      RunPhase                 `json:"phase"`
	Tasks      map[string]*TaskRunState `json:"tasks"`
	DebtLedger []*DebtEntry             `json:"debt_ledger"`
	StartedAt  time.Time                `json:"started_at"`
	EndedAt    time.Time                `json:"ended_at,omitempty"`
}
