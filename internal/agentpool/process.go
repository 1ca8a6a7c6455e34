package agentpool

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

// procHandle abstracts the two agent kinds' process control surface so pool.go
// doesn't need a type switch at every call site.
type procHandle interface {
	PID() int
	Port() int // 0 for InteractivePTY
	Write(p []byte) (int, error)
	Terminate(grace time.Duration) error
	Kill() error
}

// ptyProcess fronts a child process with a pseudo-terminal, following the
// teacher's os/exec.Cmd wrapping convention in plugins.go (context
// cancellation, captured output) generalized to a long-lived pty instead of
// a run-once pipe pair.
type ptyProcess struct {
	cmd *exec.Cmd
	f   *os.File

	mu  sync.Mutex
	buf bytes.Buffer
}

func startPTYProcess(cfg StartConfig) (*ptyProcess, error) {
	cmd := exec.Command(cfg.Executable, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = cfg.Env

	f, err := pty.Start(cmd)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "start pty process", err, errs.F("executable", cfg.Executable))
	}

	p := &ptyProcess{cmd: cmd, f: f}
	go p.drain()
	return p, nil
}

func (p *ptyProcess) drain() {
	buf := make([]byte, 4096)
	for {
		n, err := p.f.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.buf.Write(buf[:n])
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// drainSince returns bytes accumulated since the last call and resets the
// buffer, for execute() to attribute output to the current task.
func (p *ptyProcess) drainSince() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.buf.String()
	p.buf.Reset()
	return s
}

func (p *ptyProcess) PID() int  { return p.cmd.Process.Pid }
func (p *ptyProcess) Port() int { return 0 }

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

func (p *ptyProcess) Terminate(grace time.Duration) error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return p.Kill()
	}
}

func (p *ptyProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// httpProcess is an os/exec-spawned process exposing an HTTP endpoint,
// polled over net/http; task completion is observed from the HTTP response
// rather than from pty output, per the HttpServed agent kind.
type httpProcess struct {
	cmd    *exec.Cmd
	port   int
	stdout bytes.Buffer
	stderr bytes.Buffer
	mu     sync.Mutex
}

func startHTTPProcess(cfg StartConfig) (*httpProcess, error) {
	cmd := exec.Command(cfg.Executable, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = cfg.Env

	hp := &httpProcess{cmd: cmd, port: cfg.Port}
	cmd.Stdout = lockedWriter{&hp.mu, &hp.stdout}
	cmd.Stderr = lockedWriter{&hp.mu, &hp.stderr}

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.Io, "start http-served agent process", err, errs.F("executable", cfg.Executable))
	}
	return hp, nil
}

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (p *httpProcess) PID() int  { return p.cmd.Process.Pid }
func (p *httpProcess) Port() int { return p.port }

func (p *httpProcess) Write(b []byte) (int, error) {
	return 0, errs.New(errs.Validation, "http-served agents do not accept direct stdin writes")
}

func (p *httpProcess) drainOutput() (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out, errOut := p.stdout.String(), p.stderr.String()
	p.stdout.Reset()
	p.stderr.Reset()
	return out, errOut
}

func (p *httpProcess) Terminate(grace time.Duration) error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return p.Kill()
	}
}

func (p *httpProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

var _ io.Writer = lockedWriter{}
