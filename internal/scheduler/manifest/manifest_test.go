package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

func TestParseAndValidateValidManifest(t *testing.T) {
	raw := []byte(`
name = "build-and-deploy"

[[task]]
id = "build"
skill = "builder"

[[task]]
id = "test"
skill = "tester"
depends_on = ["build"]

[[task]]
id = "deploy"
skill = "deployer"
depends_on = ["test"]
level = "confirmed"
`)
	doc, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "build-and-deploy", doc.Name)

	tasks, err := Validate(doc)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Equal(t, "build", tasks[0].ID)

	depth := Depth(tasks)
	require.Equal(t, 0, depth["build"])
	require.Equal(t, 1, depth["test"])
	require.Equal(t, 2, depth["deploy"])
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	doc := &Document{Tasks: []Task{
		{ID: "a", DependsOn: []string{"ghost"}},
	}}
	_, err := Validate(doc)
	require.Error(t, err)
	require.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestValidateRejectsCycle(t *testing.T) {
	doc := &Document{Tasks: []Task{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}}
	_, err := Validate(doc)
	require.Error(t, err)
	require.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestValidateRejectsCycleAmongNonRootTasks(t *testing.T) {
	// "root" has no deps (so buildDAG-style "zero roots" checks would miss
	// this), but b/c/d form a cycle downstream of it.
	doc := &Document{Tasks: []Task{
		{ID: "root"},
		{ID: "b", DependsOn: []string{"root", "d"}},
		{ID: "c", DependsOn: []string{"b"}},
		{ID: "d", DependsOn: []string{"c"}},
	}}
	_, err := Validate(doc)
	require.Error(t, err)
}

func TestValidateRejectsDuplicateID(t *testing.T) {
	doc := &Document{Tasks: []Task{{ID: "a"}, {ID: "a"}}}
	_, err := Validate(doc)
	require.Error(t, err)
}

func TestValidateRejectsEmptyManifest(t *testing.T) {
	_, err := Validate(&Document{})
	require.Error(t, err)
}
