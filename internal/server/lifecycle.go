package server

import (
	"fmt"
	"sync"
)

// State is a ServerLifecycle state.
type State int

const (
	Uninitialized State = iota
	Initialized
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case ShuttingDown:
		return "shutting-down"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Lifecycle is the process-wide protocol state machine:
//
//	Uninitialized -> Initialized -> ShuttingDown -> Terminated
//
// It is safe for concurrent use. The shutdown hook runs at most once no
// matter how many exit paths fire.
type Lifecycle struct {
	mu                sync.Mutex
	state             State
	initializing      bool
	shutdownRequested bool

	hookOnce sync.Once
	hook     func()
}

// NewLifecycle returns a lifecycle in the Uninitialized state. hook, if
// non-nil, runs on the first transition to ShuttingDown.
func NewLifecycle(hook func()) *Lifecycle {
	return &Lifecycle{hook: hook}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ClaimInitialize reserves the handshake. It succeeds only while the
// lifecycle is Uninitialized and no other initialize is in flight; the
// caller must follow up with FinishInitialize.
func (l *Lifecycle) ClaimInitialize() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Uninitialized || l.initializing {
		return false
	}
	l.initializing = true
	return true
}

// FinishInitialize releases the handshake claim. On success the lifecycle
// moves to Initialized; on failure it stays Uninitialized so the client may
// retry.
func (l *Lifecycle) FinishInitialize(ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initializing = false
	if ok && l.state == Uninitialized {
		l.state = Initialized
	}
}

// RequestShutdown records that the client sent a shutdown request.
func (l *Lifecycle) RequestShutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutdownRequested = true
}

// ShutdownRequested reports whether a shutdown request was recorded.
func (l *Lifecycle) ShutdownRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdownRequested
}

// BeginShutdown moves the lifecycle to ShuttingDown from any non-terminal
// state and runs the shutdown hook if it has not run yet. It reports
// whether this call performed the transition.
func (l *Lifecycle) BeginShutdown() bool {
	l.mu.Lock()
	changed := l.state < ShuttingDown
	if changed {
		l.state = ShuttingDown
	}
	l.mu.Unlock()

	// The hook runs outside the lock so it may inspect the lifecycle.
	if l.hook != nil {
		l.hookOnce.Do(l.hook)
	}
	return changed
}

// Terminate marks the lifecycle Terminated. The main loop calls it once the
// transport is closed and the scheduler has drained.
func (l *Lifecycle) Terminate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = Terminated
}
