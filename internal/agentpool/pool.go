package agentpool

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
	"github.com/cis-systems/cis-node/internal/storage"
	"github.com/cis-systems/cis-node/internal/storage/boltstore"
)

// defaultLeakThreshold flags a guard held this long as a likely leak.
const defaultLeakThreshold = 2 * time.Minute

// Pool manages the full set of persistent agents on the node. One Pool per
// process; the dependency container holds the Dispatcher wrapping it under
// container.KeyAgentPool.
type Pool struct {
	db      *boltstore.Store
	pidDir  string
	tracer  trace.Tracer

	leaks *leakDetector

	mu     sync.Mutex
	agents map[string]*managedAgent // agent_id -> live agent

	acquireWait  metric.Float64Histogram
	executeCalls metric.Int64Counter
	executeFails metric.Int64Counter
}

// managedAgent is the pool's internal bookkeeping for one spawned agent.
type managedAgent struct {
	mu      sync.Mutex
	handle  AgentHandle
	proc    procHandle
	sil     *silenceTracker // InteractivePTY only
}

// New constructs a Pool whose PID files live under pidDir (typically
// <data_dir>/agents) and whose handle metadata cache is stored in db under
// storage.BucketAgents.
func New(db *boltstore.Store, pidDir string) *Pool {
	meter := otel.GetMeterProvider().Meter("cis-node")
	acquireWait, _ := meter.Float64Histogram("cis_agentpool_acquire_wait_ms")
	executeCalls, _ := meter.Int64Counter("cis_agentpool_execute_total")
	executeFails, _ := meter.Int64Counter("cis_agentpool_execute_failures_total")
	return &Pool{
		db:           db,
		pidDir:       pidDir,
		tracer:       otel.Tracer("cis-agentpool"),
		leaks:        newLeakDetector(defaultLeakThreshold),
		agents:       make(map[string]*managedAgent),
		acquireWait:  acquireWait,
		executeCalls: executeCalls,
		executeFails: executeFails,
	}
}

func (p *Pool) putHandle(ctx context.Context, h AgentHandle) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal agent handle", err)
	}
	return p.db.Put(ctx, storage.BucketAgents, []byte(h.AgentID), raw)
}

func (p *Pool) deleteHandle(ctx context.Context, agentID string) {
	_ = p.db.Delete(ctx, storage.BucketAgents, []byte(agentID))
}

// Start spawns and registers a new agent per cfg, writing its PID file for
// detection across restarts.
func (p *Pool) Start(ctx context.Context, cfg StartConfig) (AgentHandle, error) {
	ctx, span := p.tracer.Start(ctx, "agentpool.start", trace.WithAttributes(
		attribute.String("kind", string(cfg.Kind)), attribute.String("skill_ref", cfg.SkillRef)))
	defer span.End()

	if cfg.WorkDir == "" {
		dir, err := os.MkdirTemp("", "cis-agent-*")
		if err != nil {
			return AgentHandle{}, errs.Wrap(errs.Io, "create agent work dir", err)
		}
		cfg.WorkDir = dir
	}
	if cfg.SilenceWindow == 0 {
		cfg.SilenceWindow = 2 * time.Second
	}

	agentID := uuid.NewString()
	var proc procHandle
	var err error
	switch cfg.Kind {
	case InteractivePTY:
		proc, err = startPTYProcess(cfg)
	case HttpServed:
		proc, err = startHTTPProcess(cfg)
	default:
		return AgentHandle{}, errs.New(errs.Validation, "unknown agent kind", errs.F("kind", string(cfg.Kind)))
	}
	if err != nil {
		return AgentHandle{}, err
	}

	exe, exeErr := exePath(proc.PID())
	if exeErr != nil {
		exe = cfg.Executable
	}
	startTime, stErr := processStartTime(proc.PID())
	if stErr != nil {
		startTime = time.Now()
	}

	now := time.Now()
	handle := AgentHandle{
		AgentID: agentID, Kind: cfg.Kind, PID: proc.PID(), WorkDir: cfg.WorkDir,
		State: StateIdle, SessionID: "", SkillRef: cfg.SkillRef, Scope: cfg.Scope,
		ExePath: exe, Port: proc.Port(), LastActiveAt: now, CreatedAt: now,
	}

	rec := pidRecord{
		PID: proc.PID(), StartTime: startTime, ExePath: exe, AgentID: agentID,
		Kind: cfg.Kind, Port: proc.Port(), WorkDir: cfg.WorkDir,
		SkillRef: cfg.SkillRef, Scope: cfg.Scope,
	}
	if err := writePIDFile(p.pidDir, rec); err != nil {
		_ = proc.Kill()
		return AgentHandle{}, err
	}
	if err := p.putHandle(ctx, handle); err != nil {
		_ = proc.Kill()
		removePIDFile(p.pidDir, agentID)
		return AgentHandle{}, err
	}

	ma := &managedAgent{handle: handle, proc: proc}
	if cfg.Kind == InteractivePTY {
		ma.sil = newSilenceTracker(cfg.SilenceWindow)
	}

	p.mu.Lock()
	p.agents[agentID] = ma
	p.mu.Unlock()

	slog.Info("agent started", "agent_id", agentID, "kind", cfg.Kind, "pid", proc.PID(), "skill_ref", cfg.SkillRef)
	return handle, nil
}

// Detect scans the process table (via PID files) and the internal registry,
// reconciling the two: a PID file whose process no longer tolerant-matches
// is treated as gone, and its file, cached handle and registry entry are
// removed; a live PID-file agent missing from the registry is reported as
// Stale; a registry agent with no PID file is reported with its liveness.
func (p *Pool) Detect(ctx context.Context) ([]AgentInfo, error) {
	recs, err := listPIDFiles(p.pidDir)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(recs))
	var out []AgentInfo
	for _, rec := range recs {
		seen[rec.AgentID] = true
		alive := matchesTolerant(rec)
		ma, inRegistry := p.agents[rec.AgentID]

		if !alive {
			removePIDFile(p.pidDir, rec.AgentID)
			p.deleteHandle(ctx, rec.AgentID)
			if inRegistry {
				delete(p.agents, rec.AgentID)
			}
			continue
		}

		var handle AgentHandle
		if inRegistry {
			ma.mu.Lock()
			handle = ma.handle
			ma.mu.Unlock()
		} else {
			handle = AgentHandle{
				AgentID: rec.AgentID, Kind: rec.Kind, PID: rec.PID, WorkDir: rec.WorkDir,
				State: StateStale, SkillRef: rec.SkillRef, Scope: rec.Scope, ExePath: rec.ExePath, Port: rec.Port,
			}
		}
		out = append(out, AgentInfo{Handle: handle, InRegistry: inRegistry, PIDFileFound: true, ProcessAlive: true})
	}

	for id, ma := range p.agents {
		if seen[id] {
			continue
		}
		ma.mu.Lock()
		handle := ma.handle
		ma.mu.Unlock()
		out = append(out, AgentInfo{Handle: handle, InRegistry: true, PIDFileFound: false, ProcessAlive: processAlive(handle.PID)})
	}

	return out, nil
}

// Acquire finds an Idle agent matching kindFilter (empty matches any kind)
// and skillRef, atomically marks it Busy, and returns a Guard. If none is
// idle, it returns a NotFound error: callers needing a fresh agent call
// Start first.
func (p *Pool) Acquire(ctx context.Context, kindFilter Kind, skillRef string) (*Guard, error) {
	start := time.Now()
	defer func() {
		p.acquireWait.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	p.mu.Lock()
	var chosen *managedAgent
	for _, ma := range p.agents {
		ma.mu.Lock()
		match := ma.handle.State == StateIdle && ma.handle.SkillRef == skillRef &&
			(kindFilter == "" || ma.handle.Kind == kindFilter)
		if match {
			ma.handle.State = StateBusy
			ma.handle.LastActiveAt = time.Now()
			chosen = ma
		}
		ma.mu.Unlock()
		if chosen != nil {
			break
		}
	}
	p.mu.Unlock()

	if chosen == nil {
		return nil, errs.New(errs.NotFound, "no idle agent for selector", errs.F("kind", string(kindFilter)), errs.F("skill_ref", skillRef))
	}

	_ = p.putHandle(ctx, chosen.handle)

	g := newGuard(chosen.handle.AgentID)
	p.leaks.track(g)
	g.AddCleanup(func() {
		p.release(chosen, g)
	})
	return g, nil
}

// release returns the agent to Idle, or routes it to Shutdown if the guard
// was poisoned.
func (p *Pool) release(ma *managedAgent, g *Guard) {
	p.leaks.untrack(g)
	ctx := context.Background()

	if g.isPoisoned() {
		ma.mu.Lock()
		handle := ma.handle
		ma.mu.Unlock()
		if err := p.Shutdown(ctx, handle.AgentID, 5*time.Second); err != nil {
			slog.Warn("agent shutdown after poisoned guard failed", "agent_id", handle.AgentID, "error", err)
		}
		return
	}

	ma.mu.Lock()
	ma.handle.State = StateIdle
	ma.handle.LastActiveAt = time.Now()
	handle := ma.handle
	ma.mu.Unlock()
	_ = p.putHandle(ctx, handle)
}

// LeakReport returns guards currently held beyond the leak threshold.
func (p *Pool) LeakReport() []LeakReport { return p.leaks.Report() }

// Shutdown terminates the agent gracefully, force-killing after grace, and
// always clears its PID file and handle cache regardless of outcome.
func (p *Pool) Shutdown(ctx context.Context, agentID string, grace time.Duration) error {
	p.mu.Lock()
	ma, ok := p.agents[agentID]
	if ok {
		delete(p.agents, agentID)
	}
	p.mu.Unlock()

	defer func() {
		removePIDFile(p.pidDir, agentID)
		p.deleteHandle(ctx, agentID)
	}()

	if !ok {
		return errs.New(errs.NotFound, "agent not registered", errs.F("agent_id", agentID))
	}

	ma.mu.Lock()
	ma.handle.State = StateShuttingDown
	proc := ma.proc
	ma.mu.Unlock()

	return proc.Terminate(grace)
}
