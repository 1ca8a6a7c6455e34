// Package agentpool manages persistent child-process agents: spawn,
// process-table/PID-file detection across restarts, acquire/execute/attach/
// detach/shutdown, and the Guard RAII discipline that guarantees an agent
// returns to Idle (or gets torn down) no matter how the caller exits.
// Generalized from the teacher's plugin registry (services/orchestrator/
// plugins.go), which ran a task once per os/exec.Cmd; here an agent is
// long-lived and is acquired, dispatched to repeatedly, and released.
package agentpool

import "time"

// Kind is one of the two agent flavors the pool manages.
type Kind string

const (
	InteractivePTY Kind = "interactive_pty"
	HttpServed     Kind = "http_served"
)

// State is an AgentHandle's lifecycle stage.
type State string

const (
	StateStarting     State = "starting"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateStale        State = "stale"
	StateShuttingDown State = "shutting_down"
)

// AgentHandle is owned exclusively by the pool; callers never hold one
// directly, only a Guard wrapping it.
type AgentHandle struct {
	AgentID      string
	Kind         Kind
	PID          int
	WorkDir      string
	State        State
	SessionID    string
	SkillRef     string // which skill_ref this agent instance serves
	Scope        string
	ExePath      string
	Port         int // HttpServed only
	LastActiveAt time.Time
	CreatedAt    time.Time
}

// pidRecord is the on-disk PID-file payload, tolerant of PID reuse: a match
// requires pid, start_time, and exe_path to all agree with what's on disk.
type pidRecord struct {
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
	ExePath   string    `json:"exe_path"`
	AgentID   string    `json:"agent_id"`
	Kind      Kind      `json:"kind"`
	Port      int       `json:"port,omitempty"`
	WorkDir   string    `json:"work_dir"`
	SkillRef  string    `json:"skill_ref"`
	Scope     string    `json:"scope"`
}

// AgentInfo is detect()'s reconciliation result: an agent found either in
// the internal registry, on disk via PID file, or both.
type AgentInfo struct {
	Handle       AgentHandle
	InRegistry   bool
	PIDFileFound bool
	ProcessAlive bool
}

// StartConfig parameterizes start().
type StartConfig struct {
	Kind       Kind
	SkillRef   string
	Scope      string
	Executable string
	Args       []string
	Env        []string
	WorkDir    string
	// Port is the HttpServed agent's listen port. The pool uses it as given:
	// it does not pick a port for 0 or discover one the agent chose itself.
	Port int
	// SilenceWindow is how long an InteractivePTY agent's output must be
	// quiet, after the last byte, before a task is considered complete in
	// the absence of an explicit sentinel event.
	SilenceWindow time.Duration
}

// TaskResult is execute()'s return value.
type TaskResult struct {
	Output   map[string]any
	Stdout   string
	Stderr   string
	ExitCode int
}
