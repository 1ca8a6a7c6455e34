// Package manifest parses declarative DAG manifests (TOML, one section per
// task) and validates them before they're compiled by scheduler.Submit:
// every dependency must resolve to a sibling task, and the dependency graph
// must be acyclic. The teacher's own buildDAG only notices a cycle when it
// leaves zero root nodes, which misses cycles among non-root tasks; this
// validator runs a full Kahn's-algorithm peel instead.
//
// This package intentionally has no dependency on package scheduler (which
// depends on it instead): it deals in a plain TOML-shaped Task, leaving the
// scheduler to convert into its own TaskNode type.
package manifest

import (
	"fmt"
	"sort"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

// Task is the TOML shape of one [[task]] entry.
type Task struct {
	ID                 string        `toml:"id"`
	Name               string        `toml:"name"`
	Skill              string        `toml:"skill"`
	DependsOn          []string      `toml:"depends_on"`
	Level              string        `toml:"level"`
	RetryMaxAttempts   int           `toml:"retry_max_attempts"`
	RetryBaseDelay     time.Duration `toml:"retry_base_delay"`
	RetryMaxDelay      time.Duration `toml:"retry_max_delay"`
	RetryMultiplier    float64       `toml:"retry_multiplier"`
	Rollback           string        `toml:"rollback"`
	Timeout            time.Duration `toml:"timeout"`
	Scope              string        `toml:"scope"`
	Priority           int           `toml:"priority"`
	AllowIgnorableDebt bool          `toml:"allow_ignorable_debt"`
	Stakeholders       []string      `toml:"stakeholders"`
	Condition          string        `toml:"condition"`
}

// Document is the top-level TOML shape: a manifest name plus one [[task]]
// array-of-tables entry per node.
type Document struct {
	Name  string `toml:"name"`
	Tasks []Task `toml:"task"`
}

// Parse decodes raw TOML bytes into a Document without validating it.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, errs.Wrap(errs.Validation, "parse dag manifest", err)
	}
	return &doc, nil
}

// Validate checks that every task has a unique id, every dependency
// resolves to a sibling task, and the dependency graph is acyclic. It
// returns the tasks in a stable order (by id) on success.
func Validate(doc *Document) ([]Task, error) {
	if len(doc.Tasks) == 0 {
		return nil, errs.New(errs.Validation, "manifest declares no tasks")
	}

	byID := make(map[string]Task, len(doc.Tasks))
	for _, t := range doc.Tasks {
		if t.ID == "" {
			return nil, errs.New(errs.Validation, "task missing id")
		}
		if _, dup := byID[t.ID]; dup {
			return nil, errs.New(errs.Validation, "duplicate task id", errs.F("task_id", t.ID))
		}
		byID[t.ID] = t
	}

	for _, t := range byID {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, errs.New(errs.Validation, "task depends on unknown task",
					errs.F("task_id", t.ID), errs.F("depends_on", dep))
			}
		}
	}

	if err := detectCycle(byID); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out, nil
}

// detectCycle runs Kahn's algorithm: repeatedly peel nodes whose in-degree
// (count of unresolved dependencies) is zero. If nodes remain after no
// further peel is possible, they participate in a cycle.
func detectCycle(byID map[string]Task) error {
	inDegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for id, t := range byID {
		inDegree[id] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(byID))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	peeled := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		peeled++
		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, child := range next {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if peeled != len(byID) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return errs.New(errs.Validation, "dag contains a cycle", errs.F("tasks", fmt.Sprint(stuck)))
	}
	return nil
}

// Depth computes each task's topological depth (root = 0, otherwise
// 1+max(parent depths)), used by the ready queue to widen parallelism by
// scheduling shallower tasks first among equal priority.
func Depth(tasks []Task) map[string]int {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	depth := make(map[string]int, len(tasks))
	var compute func(id string) int
	compute = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		t := byID[id]
		if len(t.DependsOn) == 0 {
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
	for _, t := range tasks {
		compute(t.ID)
	}
	return depth
}
