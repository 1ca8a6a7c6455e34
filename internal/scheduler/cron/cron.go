// Package cron wires scheduled re-runs of a submitted DAG (e.g. "run this
// nightly") onto robfig/cron/v3. It is supplementary to the core run()
// operation, which takes explicit inputs: a cron trigger just calls run()
// on a tick, the same way the orchestrator teacher's Scheduler called
// executeScheduledWorkflow from a cron entry.
package cron

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RunFunc matches scheduler.Scheduler.Run's signature, narrowed to what a
// trigger needs: allocate and start a fresh run of dagID.
type RunFunc func(ctx context.Context, dagID string, inputs map[string]any) (runID string, err error)

// Trigger is one scheduled re-run entry.
type Trigger struct {
	DagID    string
	CronExpr string
	Inputs   map[string]any
}

// Scheduler runs Trigger entries against a RunFunc on a cron clock.
type Scheduler struct {
	cron *cron.Cron
	run  RunFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID // dag_id -> cron entry

	triggerRuns metric.Int64Counter
	triggerFails metric.Int64Counter
	tracer      trace.Tracer
}

// New constructs a cron-backed trigger scheduler calling run on each tick.
// Seconds precision is enabled, matching the teacher's cron.WithSeconds().
func New(run RunFunc) *Scheduler {
	meter := otel.GetMeterProvider().Meter("cis-node")
	triggerRuns, _ := meter.Int64Counter("cis_scheduler_cron_triggers_total")
	triggerFails, _ := meter.Int64Counter("cis_scheduler_cron_trigger_failures_total")
	return &Scheduler{
		cron:         cron.New(cron.WithSeconds()),
		run:          run,
		entries:      make(map[string]cron.EntryID),
		triggerRuns:  triggerRuns,
		triggerFails: triggerFails,
		tracer:       otel.Tracer("cis-scheduler-cron"),
	}
}

// Start begins the cron clock.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop gracefully stops the cron clock, waiting for in-flight jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddTrigger registers t, replacing any existing trigger for the same DagID.
func (s *Scheduler) AddTrigger(t Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[t.DagID]; ok {
		s.cron.Remove(existing)
	}
	entryID, err := s.cron.AddFunc(t.CronExpr, func() {
		s.fire(t)
	})
	if err != nil {
		return err
	}
	s.entries[t.DagID] = entryID
	return nil
}

// RemoveTrigger cancels dagID's scheduled re-runs, if any.
func (s *Scheduler) RemoveTrigger(dagID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[dagID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, dagID)
	}
}

func (s *Scheduler) fire(t Trigger) {
	ctx, span := s.tracer.Start(context.Background(), "scheduler.cron.fire", trace.WithAttributes(attribute.String("dag_id", t.DagID)))
	defer span.End()

	runID, err := s.run(ctx, t.DagID, t.Inputs)
	if err != nil {
		s.triggerFails.Add(ctx, 1, metric.WithAttributes(attribute.String("dag_id", t.DagID)))
		slog.Warn("cron trigger failed to start run", "dag_id", t.DagID, "error", err)
		return
	}
	s.triggerRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("dag_id", t.DagID)))
	slog.Info("cron trigger started run", "dag_id", t.DagID, "run_id", runID)
}
