package agentpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGuardRunsCleanupsInReverseOrder(t *testing.T) {
	g := newGuard("agent-1")
	var order []int
	g.AddCleanup(func() { order = append(order, 1) })
	g.AddCleanup(func() { order = append(order, 2) })
	g.AddCleanup(func() { order = append(order, 3) })

	g.Release()
	require.Equal(t, []int{3, 2, 1}, order)
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	g := newGuard("agent-1")
	calls := 0
	g.AddCleanup(func() { calls++ })
	g.Release()
	g.Release()
	require.Equal(t, 1, calls)
}

func TestGuardCleanupSurvivesPanic(t *testing.T) {
	g := newGuard("agent-1")
	ranAfterPanic := false
	g.AddCleanup(func() { ranAfterPanic = true })
	g.AddCleanup(func() { panic("boom") })

	require.NotPanics(t, func() { g.Release() })
	require.True(t, ranAfterPanic)
}

func TestLeakDetectorReportsOldGuards(t *testing.T) {
	d := newLeakDetector(10 * time.Millisecond)
	g := newGuard("agent-1")
	d.track(g)

	require.Empty(t, d.Report())
	time.Sleep(20 * time.Millisecond)
	reports := d.Report()
	require.Len(t, reports, 1)
	require.Equal(t, "agent-1", reports[0].AgentID)

	d.untrack(g)
	require.Empty(t, d.Report())
}
