package supervisor

import (
	"sync"

	"github.com/agentium/sandboxsup/internal/procrunner"
)

// Phase identifies the Supervisor's position in the startup/monitoring/
// shutdown state machine.
type Phase string

const (
	PhaseInit           Phase = "init"
	PhaseWorkspaceReady Phase = "workspace_ready"
	PhaseAgentReady     Phase = "agent_ready"
	PhaseBridgeReady    Phase = "bridge_ready"
	PhaseMonitoring     Phase = "monitoring"
	PhaseShuttingDown   Phase = "shutting_down"
	PhaseTerminated     Phase = "terminated"
)

// latch is a write-many, clear-many one-shot event: Set() closes the
// current generation's channel (idempotent), Clear() replaces it with a
// fresh unclosed channel, and Done() exposes the current generation for
// select. Used for agent_ready (set on probe success, cleared before each
// restart attempt) and shutdown_requested (set once, never cleared).
type latch struct {
	mu sync.Mutex
	ch chan struct{}
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

func (l *latch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.ch:
	default:
		close(l.ch)
	}
}

func (l *latch) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.ch:
		l.ch = make(chan struct{})
	default:
	}
}

func (l *latch) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

func (l *latch) IsSet() bool {
	select {
	case <-l.Done():
		return true
	default:
		return false
	}
}

// State is the Supervisor's mutable runtime state. The process handles are
// written only from the goroutine running Run (the startup phases, and the
// restarts the monitor loop performs) and are swapped under mu.
type State struct {
	mu sync.Mutex

	phase Phase

	agentProc  *procrunner.Process
	bridgeProc *procrunner.Process

	agentRestarts  int
	bridgeRestarts int

	agentReady        *latch
	workspaceReady    *latch
	shutdownRequested *latch
}

// NewState returns a fresh State in PhaseInit.
func NewState() *State {
	return &State{
		phase:             PhaseInit,
		agentReady:        newLatch(),
		workspaceReady:    newLatch(),
		shutdownRequested: newLatch(),
	}
}

func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *State) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}

func (s *State) setAgentProc(p *procrunner.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentProc = p
}

func (s *State) setBridgeProc(p *procrunner.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridgeProc = p
}

func (s *State) AgentProc() *procrunner.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentProc
}

func (s *State) BridgeProc() *procrunner.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridgeProc
}

// IncAgentRestarts increments and returns the new agent_restarts count.
// Counters are monotonic and never reset.
func (s *State) IncAgentRestarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentRestarts++
	return s.agentRestarts
}

func (s *State) IncBridgeRestarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridgeRestarts++
	return s.bridgeRestarts
}

func (s *State) AgentRestarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentRestarts
}

func (s *State) BridgeRestarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridgeRestarts
}

func (s *State) ShutdownRequested() <-chan struct{} {
	return s.shutdownRequested.Done()
}

func (s *State) RequestShutdown() {
	s.shutdownRequested.Set()
}

func (s *State) IsShuttingDown() bool {
	return s.shutdownRequested.IsSet()
}

func (s *State) AgentReadyDone() <-chan struct{} {
	return s.agentReady.Done()
}
