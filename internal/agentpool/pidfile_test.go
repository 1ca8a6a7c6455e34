package agentpool

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRemovePIDFile(t *testing.T) {
	dir := t.TempDir()
	rec := pidRecord{PID: os.Getpid(), StartTime: time.Now(), ExePath: "/usr/bin/fake", AgentID: "agent-1", Kind: InteractivePTY}

	require.NoError(t, writePIDFile(dir, rec))

	got, err := readPIDFile(dir, "agent-1")
	require.NoError(t, err)
	require.Equal(t, rec.PID, got.PID)
	require.Equal(t, rec.ExePath, got.ExePath)

	recs, err := listPIDFiles(dir)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	removePIDFile(dir, "agent-1")
	_, err = readPIDFile(dir, "agent-1")
	require.Error(t, err)
}

func TestListPIDFilesEmptyDirReturnsNoError(t *testing.T) {
	dir := t.TempDir()
	recs, err := listPIDFiles(dir)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestListPIDFilesMissingDirReturnsNoError(t *testing.T) {
	recs, err := listPIDFiles("/nonexistent/path/for/cis-agentpool-test")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestMatchesTolerantRejectsDeadProcess(t *testing.T) {
	rec := pidRecord{PID: 999999, StartTime: time.Now(), ExePath: "/usr/bin/fake"}
	require.False(t, matchesTolerant(rec))
}

func TestMatchesTolerantRejectsWrongExePath(t *testing.T) {
	startTime, err := processStartTime(os.Getpid())
	if err != nil {
		t.Skip("process start-time detection unavailable on this platform")
	}
	rec := pidRecord{PID: os.Getpid(), StartTime: startTime, ExePath: "/definitely/not/the/real/exe"}
	require.False(t, matchesTolerant(rec))
}

func TestMatchesTolerantAcceptsSelf(t *testing.T) {
	startTime, err := processStartTime(os.Getpid())
	if err != nil {
		t.Skip("process start-time detection unavailable on this platform")
	}
	exe, err := exePath(os.Getpid())
	if err != nil {
		t.Skip("exe path detection unavailable on this platform")
	}
	rec := pidRecord{PID: os.Getpid(), StartTime: startTime, ExePath: exe}
	require.True(t, matchesTolerant(rec))
}
