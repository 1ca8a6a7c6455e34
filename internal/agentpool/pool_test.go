package agentpool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cis-systems/cis-node/internal/storage"
	"github.com/cis-systems/cis-node/internal/storage/boltstore"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available in this environment")
	}
	db, err := boltstore.Open(filepath.Join(t.TempDir(), "node.db"), storage.BucketAgents)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, filepath.Join(t.TempDir(), "agents"))
}

// echoScript reads one line of stdin and echoes it back, then emits the
// sentinel marker so execute()'s silence-window detection short-circuits.
const echoScript = `while read line; do printf '%s\n' "$line"; printf '\000CIS-TASK-DONE\000'; done`

func TestStartAcquireExecuteReleaseRoundTrip(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	handle, err := p.Start(ctx, StartConfig{
		Kind: InteractivePTY, SkillRef: "echo", Executable: "/bin/sh",
		Args: []string{"-c", echoScript}, SilenceWindow: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, StateIdle, handle.State)

	guard, err := p.Acquire(ctx, InteractivePTY, "echo")
	require.NoError(t, err)
	require.NotEmpty(t, guard.ID)

	result, err := p.Execute(ctx, guard, map[string]any{"hello": "world"})
	require.NoError(t, err)
	require.Contains(t, result.Stdout, "hello")

	guard.Release()

	p.mu.Lock()
	ma := p.agents[handle.AgentID]
	p.mu.Unlock()
	ma.mu.Lock()
	state := ma.handle.State
	ma.mu.Unlock()
	require.Equal(t, StateIdle, state)

	require.NoError(t, p.Shutdown(ctx, handle.AgentID, time.Second))
}

func TestAcquireFailsWhenNoIdleAgentMatches(t *testing.T) {
	p := newTestPool(t)
	_, err := p.Acquire(context.Background(), InteractivePTY, "unregistered-skill")
	require.Error(t, err)
}

func TestDetectReconcilesDeadProcessPIDFile(t *testing.T) {
	p := newTestPool(t)
	rec := pidRecord{PID: 999999, StartTime: time.Now(), ExePath: "/usr/bin/fake", AgentID: "ghost", Kind: InteractivePTY}
	require.NoError(t, writePIDFile(p.pidDir, rec))

	infos, err := p.Detect(context.Background())
	require.NoError(t, err)
	for _, info := range infos {
		require.NotEqual(t, "ghost", info.Handle.AgentID)
	}
	_, err = readPIDFile(p.pidDir, "ghost")
	require.Error(t, err) // stale PID file was cleaned up
}

func TestPoisonedGuardTriggersShutdownOnRelease(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	handle, err := p.Start(ctx, StartConfig{
		Kind: InteractivePTY, SkillRef: "echo", Executable: "/bin/sh",
		Args: []string{"-c", echoScript}, SilenceWindow: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	guard, err := p.Acquire(ctx, InteractivePTY, "echo")
	require.NoError(t, err)
	guard.Poison()
	guard.Release()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		_, ok := p.agents[handle.AgentID]
		p.mu.Unlock()
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}
