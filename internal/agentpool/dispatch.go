package agentpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
	"github.com/cis-systems/cis-node/internal/corelib/resilience"
	"github.com/cis-systems/cis-node/internal/scheduler"
)

// SkillConfig is how a skill_ref maps onto an agent to spawn on demand,
// registered once at startup from the node's skill manifest.
type SkillConfig struct {
	Kind       Kind
	Executable string
	Args       []string
	Env        []string
	Port       int // HttpServed only; passed to StartConfig.Port as is
}

// Dispatcher adapts Pool to scheduler.AgentPool: the scheduler only knows
// about (run_id, task_id, scope, skill_ref, input) → output, not about
// guards, PID files, or process kinds.
type Dispatcher struct {
	pool   *Pool
	skills map[string]SkillConfig

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker // keyed by skill_ref
}

func NewDispatcher(pool *Pool, skills map[string]SkillConfig) *Dispatcher {
	return &Dispatcher{pool: pool, skills: skills, breakers: make(map[string]*resilience.CircuitBreaker)}
}

var _ scheduler.AgentPool = (*Dispatcher)(nil)

// breaker returns (creating if absent) the circuit breaker guarding
// dispatch to skillRef: an agent that fails repeatedly on one skill stops
// being dispatched to until it half-opens, instead of every task against
// that skill paying the cost of acquiring/starting a clearly broken agent.
func (d *Dispatcher) breaker(skillRef string) *resilience.CircuitBreaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	if b, ok := d.breakers[skillRef]; ok {
		return b
	}
	b := resilience.NewCircuitBreaker("agent:"+skillRef, time.Minute, 6, 3, 0.6, 15*time.Second, 1)
	d.breakers[skillRef] = b
	return b
}

// Execute satisfies scheduler.AgentPool: look up or start an agent for
// req.SkillRef, acquire a guard, dispatch, and always release.
func (d *Dispatcher) Execute(ctx context.Context, req scheduler.TaskRequest) (scheduler.TaskOutput, error) {
	cfg, ok := d.skills[req.SkillRef]
	if !ok {
		return scheduler.TaskOutput{}, errs.New(errs.Validation, "no agent configured for skill_ref", errs.F("skill_ref", req.SkillRef))
	}

	breaker := d.breaker(req.SkillRef)
	if !breaker.Allow() {
		return scheduler.TaskOutput{}, errs.New(errs.AgentUnavailable, "agent dispatch circuit open", errs.F("skill_ref", req.SkillRef))
	}

	out, err := d.dispatch(ctx, req, cfg)
	breaker.RecordResult(err == nil)
	return out, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req scheduler.TaskRequest, cfg SkillConfig) (scheduler.TaskOutput, error) {
	guard, err := d.pool.Acquire(ctx, cfg.Kind, req.SkillRef)
	if err != nil {
		guard, err = d.startAndAcquire(ctx, req.SkillRef, req.Scope, cfg)
		if err != nil {
			return scheduler.TaskOutput{}, err
		}
	}
	defer guard.Release()

	result, err := d.pool.Execute(ctx, guard, req.Input)
	if err != nil {
		slog.Warn("agent execute failed", "run_id", req.RunID, "task_id", req.TaskID, "skill_ref", req.SkillRef, "error", err)
		return scheduler.TaskOutput{}, err
	}
	return scheduler.TaskOutput{Data: result.Output}, nil
}

func (d *Dispatcher) startAndAcquire(ctx context.Context, skillRef, scope string, cfg SkillConfig) (*Guard, error) {
	_, err := d.pool.Start(ctx, StartConfig{
		Kind: cfg.Kind, SkillRef: skillRef, Scope: scope,
		Executable: cfg.Executable, Args: cfg.Args, Env: cfg.Env, Port: cfg.Port,
	})
	if err != nil {
		return nil, err
	}
	return d.pool.Acquire(ctx, cfg.Kind, skillRef)
}
