package scheduler

import (
	"context"
	"encoding/json"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
	"github.com/cis-systems/cis-node/internal/storage"
	"github.com/cis-systems/cis-node/internal/storage/boltstore"
)

// store persists DAGs and DagRuns to the node database, under
// storage.BucketDags / storage.BucketDagRuns. The engine flushes the run
// record here when the run starts, whenever a task finishes, on control,
// todo-change and debt-resolution calls, and when the run ends, so a
// restart can resume from the last committed state.
type store struct {
	db *boltstore.Store
}

func newStore(db *boltstore.Store) *store { return &store{db: db} }

func (s *store) PutDAG(ctx context.Context, dag *DAG) error {
	raw, err := json.Marshal(dag)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal dag", err)
	}
	return s.db.Put(ctx, storage.BucketDags, []byte(dag.ID), raw)
}

func (s *store) GetDAG(dagID string) (*DAG, error) {
	raw, err := s.db.Get(storage.BucketDags, []byte(dagID))
	if err != nil {
		return nil, err
	}
	var dag DAG
	if err := json.Unmarshal(raw, &dag); err != nil {
		return nil, errs.Wrap(errs.Internal, "unmarshal dag", err)
	}
	return &dag, nil
}

func (s *store) PutRun(ctx context.Context, run *DagRun) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal dag run", err)
	}
	return s.db.Put(ctx, storage.BucketDagRuns, []byte(run.RunID), raw)
}

func (s *store) GetRun(runID string) (*DagRun, error) {
	raw, err := s.db.Get(storage.BucketDagRuns, []byte(runID))
	if err != nil {
		return nil, err
	}
	var run DagRun
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, errs.Wrap(errs.Internal, "unmarshal dag run", err)
	}
	return &run, nil
}

// ListRuns scans every persisted run, for crash recovery on startup.
func (s *store) ListRuns() ([]*DagRun, error) {
	var runs []*DagRun
	var unmarshalErr error
	err := s.db.ScanPrefix(storage.BucketDagRuns, nil, func(_, value []byte) bool {
		var run DagRun
		if err := json.Unmarshal(value, &run); err != nil {
			unmarshalErr = err
			return false
		}
		runs = append(runs, &run)
		return true
	})
	if err != nil {
		return nil, err
	}
	if unmarshalErr != nil {
		return nil, errs.Wrap(errs.Internal, "unmarshal dag run during scan", unmarshalErr)
	}
	return runs, nil
}

// RecoverCrashedRuns transitions any task left Running to Failed with a
// recovered_from_crash reason, reflecting that the process that was
// executing it no longer exists. Called once at startup.
func RecoverCrashedRuns(ctx context.Context, db *boltstore.Store) (int, error) {
	s := newStore(db)
	runs, err := s.ListRuns()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, run := range runs {
		if run.Phase != PhaseRunning {
			continue
		}
		changed := false
		for _, st := range run.Tasks {
			if st.Status == StatusRunning {
				st.Status = StatusFailed
				st.Error = "recovered_from_crash"
				changed = true
			}
		}
		if changed {
			run.Phase = PhaseFailed
			if err := s.PutRun(ctx, run); err != nil {
				return recovered, err
			}
			recovered++
		}
	}
	return recovered, nil
}
