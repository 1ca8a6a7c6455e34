package scheduler

import "context"

// TaskRequest is what the scheduler hands to the agent pool for dispatch:
// the task's routing hint (Scope) and the skill to invoke, plus whatever
// upstream task outputs and run inputs the task needs as input.
type TaskRequest struct {
	RunID    string
	TaskID   string
	SkillRef string
	Scope    string
	Input    map[string]any
}

// TaskOutput is the agent pool's result for one dispatched task.
type TaskOutput struct {
	Data map[string]any
}

// AgentPool is the narrow surface the scheduler needs from
// internal/agentpool: acquire an agent matching the request's routing
// hint, execute the task, and release the agent back to the pool. The pool
// owns guard acquisition/release and agent selection internally; the
// scheduler only sees request in, output or error out.
type AgentPool interface {
	Execute(ctx context.Context, req TaskRequest) (TaskOutput, error)
}
