package agentpool

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

// defaultHardTimeout backstops the silence-window wait against an agent
// that never falls quiet.
const defaultHardTimeout = 2 * time.Minute

// Execute dispatches task to the agent g holds, streaming I/O and returning
// the observed result. The scheduler passes task plus the selector derived
// from scope+skill_ref to Acquire; this is the execute(guard, task) step
// that follows.
func (p *Pool) Execute(ctx context.Context, g *Guard, input map[string]any) (TaskResult, error) {
	ctx, span := p.tracer.Start(ctx, "agentpool.execute", trace.WithAttributes(attribute.String("agent_id", g.AgentID)))
	defer span.End()
	p.executeCalls.Add(ctx, 1)

	p.mu.Lock()
	ma, ok := p.agents[g.AgentID]
	p.mu.Unlock()
	if !ok {
		p.executeFails.Add(ctx, 1)
		return TaskResult{}, errs.New(errs.AgentUnavailable, "agent no longer registered", errs.F("agent_id", g.AgentID))
	}

	ma.mu.Lock()
	kind := ma.handle.Kind
	proc := ma.proc
	ma.handle.LastActiveAt = time.Now()
	ma.mu.Unlock()

	var (
		res TaskResult
		err error
	)
	switch kind {
	case InteractivePTY:
		res, err = p.executePTY(ctx, ma, proc.(*ptyProcess), input)
	case HttpServed:
		res, err = p.executeHTTP(ctx, ma, proc.(*httpProcess), input)
	default:
		err = errs.New(errs.Internal, "agent has unknown kind", errs.F("kind", string(kind)))
	}
	if err != nil {
		p.executeFails.Add(ctx, 1)
		g.Poison()
	}
	return res, err
}

func (p *Pool) executePTY(ctx context.Context, ma *managedAgent, proc *ptyProcess, input map[string]any) (TaskResult, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return TaskResult{}, errs.Wrap(errs.Internal, "marshal task input", err)
	}
	if _, err := proc.Write(append(payload, '\n')); err != nil {
		return TaskResult{}, errs.Wrap(errs.Io, "write task input to pty", err)
	}

	window := defaultSilenceWindow
	if ma.sil != nil {
		window = ma.sil.window
	}

	deadline := time.Now().Add(defaultHardTimeout)
	var collected strings.Builder
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	timedOut := false
	for {
		chunk := proc.drainSince()
		if chunk != "" {
			collected.WriteString(chunk)
			if ma.sil != nil {
				ma.sil.observe()
			}
			if idx := strings.Index(collected.String(), sentinelMarker); idx >= 0 {
				break
			}
		}
		sinceLast := time.Duration(0)
		if ma.sil != nil {
			sinceLast = ma.sil.sinceLast()
		}
		if sinceLast >= window && collected.Len() > 0 {
			break
		}
		if time.Now().After(deadline) {
			timedOut = true
			break
		}
		select {
		case <-ctx.Done():
			return TaskResult{}, errs.Wrap(errs.Cancelled, "pty task execution cancelled", ctx.Err())
		case <-ticker.C:
		}
	}

	output := strings.ReplaceAll(collected.String(), sentinelMarker, "")
	if timedOut {
		return TaskResult{Stdout: output}, errs.New(errs.Timeout, "agent produced no sentinel within hard timeout", errs.F("agent_id", ma.handle.AgentID))
	}

	var parsed map[string]any
	_ = json.Unmarshal([]byte(lastJSONLine(output)), &parsed)
	return TaskResult{Output: parsed, Stdout: output}, nil
}

const defaultSilenceWindow = 2 * time.Second

// lastJSONLine returns the last non-empty line of output, a convention the
// pty agent protocol uses to separate human-readable log chatter from the
// final structured result.
func lastJSONLine(output string) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

func (p *Pool) executeHTTP(ctx context.Context, ma *managedAgent, proc *httpProcess, input map[string]any) (TaskResult, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return TaskResult{}, errs.Wrap(errs.Internal, "marshal task input", err)
	}

	url := "http://127.0.0.1:" + strconv.Itoa(proc.Port()) + "/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return TaskResult{}, errs.Wrap(errs.Internal, "build agent http request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return TaskResult{}, errs.Wrap(errs.Network, "http-served agent request failed", err, errs.F("agent_id", ma.handle.AgentID))
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		stdout, stderr := proc.drainOutput()
		return TaskResult{Stdout: stdout, Stderr: stderr, ExitCode: resp.StatusCode}, errs.Wrap(errs.Protocol, "decode agent http response", err)
	}

	if resp.StatusCode >= 400 {
		return TaskResult{Output: result, ExitCode: resp.StatusCode}, errs.New(errs.AgentUnavailable, "agent returned error status", errs.F("status", resp.StatusCode))
	}

	stdout, stderr := proc.drainOutput()
	return TaskResult{Output: result, Stdout: stdout, Stderr: stderr, ExitCode: resp.StatusCode}, nil
}
