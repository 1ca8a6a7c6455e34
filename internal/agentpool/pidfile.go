package agentpool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

// pidFilePath returns the on-disk path for agentID's PID file, under dir.
func pidFilePath(dir, agentID string) string {
	return filepath.Join(dir, agentID+".pid.json")
}

func writePIDFile(dir string, rec pidRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.Io, "create pid file directory", err)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal pid record", err)
	}
	path := pidFilePath(dir, rec.AgentID)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return errs.Wrap(errs.Io, "write pid file", err)
	}
	return nil
}

func readPIDFile(dir, agentID string) (pidRecord, error) {
	raw, err := os.ReadFile(pidFilePath(dir, agentID))
	if err != nil {
		return pidRecord{}, errs.Wrap(errs.NotFound, "read pid file", err, errs.F("agent_id", agentID))
	}
	var rec pidRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return pidRecord{}, errs.Wrap(errs.Internal, "unmarshal pid record", err)
	}
	return rec, nil
}

func removePIDFile(dir, agentID string) {
	_ = os.Remove(pidFilePath(dir, agentID))
}

// listPIDFiles scans dir for every *.pid.json file, for detect()'s reconcile
// pass across restarts.
func listPIDFiles(dir string) ([]pidRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.Io, "list pid files", err)
	}
	var recs []pidRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pid.json") {
			continue
		}
		agentID := strings.TrimSuffix(e.Name(), ".pid.json")
		rec, err := readPIDFile(dir, agentID)
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// processStartTime reads the kernel-reported start time for pid (Linux:
// /proc/<pid>/stat field 22, converted via the system boot time; other
// platforms fall back to "unknown", which always fails the tolerant match
// and forces start() to spawn fresh rather than risk attaching to a reused
// PID).
func processStartTime(pid int) (time.Time, error) {
	if runtime.GOOS != "linux" {
		return time.Time{}, errs.New(errs.Internal, "process start-time detection only implemented for linux")
	}
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return time.Time{}, errs.Wrap(errs.NotFound, "read /proc stat", err, errs.F("pid", pid))
	}
	// Fields after the command name (which may itself contain spaces inside
	// parens) are space-separated; field 22 (1-indexed) is starttime in
	// clock ticks since boot.
	close := strings.LastIndexByte(string(raw), ')')
	if close < 0 || close+2 >= len(raw) {
		return time.Time{}, errs.New(errs.Internal, "malformed /proc stat")
	}
	fields := strings.Fields(string(raw[close+2:]))
	const startTimeFieldIndex = 22 - 3 // fields after comm/state start at field 3
	if startTimeFieldIndex < 0 || startTimeFieldIndex >= len(fields) {
		return time.Time{}, errs.New(errs.Internal, "missing starttime field in /proc stat")
	}
	ticks, err := strconv.ParseInt(fields[startTimeFieldIndex], 10, 64)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.Internal, "parse starttime", err)
	}
	clkTck := int64(100) // USER_HZ; standard on Linux unless reconfigured
	bootTime, err := systemBootTime()
	if err != nil {
		return time.Time{}, err
	}
	return bootTime.Add(time.Duration(ticks) * time.Second / time.Duration(clkTck)), nil
}

func systemBootTime() (time.Time, error) {
	raw, err := os.ReadFile("/proc/stat")
	if err != nil {
		return time.Time{}, errs.Wrap(errs.NotFound, "read /proc/stat", err)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(line, "btime ") {
			secs, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "btime ")), 10, 64)
			if err != nil {
				return time.Time{}, errs.Wrap(errs.Internal, "parse btime", err)
			}
			return time.Unix(secs, 0), nil
		}
	}
	return time.Time{}, errs.New(errs.Internal, "btime not found in /proc/stat")
}

func exePath(pid int) (string, error) {
	if runtime.GOOS != "linux" {
		return "", errs.New(errs.Internal, "exe path detection only implemented for linux")
	}
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", errs.Wrap(errs.NotFound, "readlink /proc/<pid>/exe", err, errs.F("pid", pid))
	}
	return path, nil
}

// processAlive checks liveness via signal 0, which performs permission and
// existence checks without actually delivering a signal.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// matchesTolerant reports whether pid's live process still matches rec per
// the {pid, start_time, exe_path} tolerant-of-reuse rule.
func matchesTolerant(rec pidRecord) bool {
	if !processAlive(rec.PID) {
		return false
	}
	startTime, err := processStartTime(rec.PID)
	if err != nil {
		return false
	}
	// Kernel clock-tick resolution (10ms at USER_HZ=100) means an exact
	// equality check is too strict; half a tick of slack is plenty since
	// both readings come from the same counter.
	if diff := startTime.Sub(rec.StartTime); diff > 5*time.Millisecond || diff < -5*time.Millisecond {
		return false
	}
	exe, err := exePath(rec.PID)
	if err != nil || exe != rec.ExePath {
		return false
	}
	return true
}
