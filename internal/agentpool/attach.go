package agentpool

import (
	"io"
	"sync"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

// controllerSession is the live stdin/stdout bridge a caller holds after
// Attach, letting an external driver (CLI/GUI) interact directly with an
// InteractivePTY agent's terminal rather than going through execute().
type controllerSession struct {
	agentID string
	proc    *ptyProcess
	mu      sync.Mutex
	closed  bool
}

// Attach connects the current controller to agentID's pty, for direct
// interactive I/O. Only one controller may be attached at a time.
func (p *Pool) Attach(agentID string) (*controllerSession, error) {
	p.mu.Lock()
	ma, ok := p.agents[agentID]
	p.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "agent not registered", errs.F("agent_id", agentID))
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.handle.Kind != InteractivePTY {
		return nil, errs.New(errs.Validation, "attach requires an interactive_pty agent", errs.F("agent_id", agentID))
	}
	proc, ok := ma.proc.(*ptyProcess)
	if !ok {
		return nil, errs.New(errs.Internal, "interactive_pty agent has no pty process")
	}
	if ma.handle.SessionID != "" {
		return nil, errs.New(errs.Conflict, "agent already has an attached controller", errs.F("agent_id", agentID), errs.F("session_id", ma.handle.SessionID))
	}

	session := &controllerSession{agentID: agentID, proc: proc}
	ma.handle.SessionID = agentID + "-session"
	return session, nil
}

// Detach disconnects the controller session, clearing the agent's
// session_id so a future Attach can succeed.
func (p *Pool) Detach(session *controllerSession) error {
	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return nil
	}
	session.closed = true
	session.mu.Unlock()

	p.mu.Lock()
	ma, ok := p.agents[session.agentID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	ma.mu.Lock()
	ma.handle.SessionID = ""
	ma.mu.Unlock()
	return nil
}

// Write sends raw input directly to the attached pty.
func (s *controllerSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errs.New(errs.Conflict, "controller session is detached")
	}
	return s.proc.Write(p)
}

// Read drains accumulated pty output since the last read.
func (s *controllerSession) Read() string {
	return s.proc.drainSince()
}

var _ io.Writer = (*controllerSession)(nil)
