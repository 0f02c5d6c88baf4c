package control

import (
	"fmt"
	"sync"
)

// State is a session lifecycle state. The state machine is shared by both
// protocol roles; each role drives the transitions relevant to it.
type State int

const (
	// StateConnecting means the transport is established but the version
	// handshake has not completed.
	StateConnecting State = iota
	// StateReady means no exclusive command holds the session.
	StateReady
	// StateActive means an exclusive long-running command owns the session.
	// Other exclusive commands are refused with Busy; non-exclusive calls
	// remain permitted.
	StateActive
	// StateTerminating means a stop has been issued and the role is waiting
	// for shutdown to be acknowledged within the grace period.
	StateTerminating
	// StateTerminated is the absorbing state for a voluntary, acknowledged
	// shutdown.
	StateTerminated
	// StateCrashed is the absorbing state for any forced or unexpected end:
	// transport failure, decode failure, handshake failure, grace expiry.
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	case StateCrashed:
		return "crashed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// closed reports whether s is absorbing.
func (s State) closed() bool {
	return s == StateTerminated || s == StateCrashed
}

// lifecycle guards session state transitions. The onClose hook runs exactly
// once, on entry to either absorbing state, after the state is recorded; it is
// where the owner drains pending calls and releases the transport.
type lifecycle struct {
	mut       sync.Mutex
	state     State
	exclusive string
	closedCh  chan struct{}
	onClose   func(State)
}

func newLifecycle(onClose func(State)) *lifecycle {
	return &lifecycle{state: StateConnecting, closedCh: make(chan struct{}), onClose: onClose}
}

func (l *lifecycle) current() State {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.state
}

// exclusiveHolder returns the name of the command holding Active, if any.
func (l *lifecycle) exclusiveHolder() string {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.exclusive
}

// done is closed when the session reaches an absorbing state.
func (l *lifecycle) done() <-chan struct{} {
	return l.closedCh
}

// ready records a successful handshake.
func (l *lifecycle) ready() error {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.state != StateConnecting {
		return fmt.Errorf("handshake in state %s", l.state)
	}
	l.state = StateReady
	return nil
}

// claim takes the exclusive hold for the named command. It fails with ErrBusy
// when another exclusive command holds the session, and ErrSessionClosed when
// the session is terminating or closed.
func (l *lifecycle) claim(name string) error {
	l.mut.Lock()
	defer l.mut.Unlock()
	switch l.state {
	case StateReady:
		l.state = StateActive
		l.exclusive = name
		return nil
	case StateActive:
		return fmt.Errorf("%w: %s held by %s", ErrBusy, name, l.exclusive)
	case StateConnecting:
		return fmt.Errorf("%s before handshake: %w", name, ErrSessionClosed)
	default:
		return ErrSessionClosed
	}
}

// release returns an Active session to Ready on the exclusive command's
// natural completion. It is a no-op if a stop moved the session on already.
func (l *lifecycle) release() {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.state == StateActive {
		l.state = StateReady
		l.exclusive = ""
	}
}

// terminating records an explicit stop. Returns false when the session is
// already terminating or closed.
func (l *lifecycle) terminating() bool {
	l.mut.Lock()
	defer l.mut.Unlock()
	switch l.state {
	case StateConnecting, StateReady, StateActive:
		l.state = StateTerminating
		return true
	}
	return false
}

// close moves to the given absorbing state. The first call wins; later calls
// are no-ops, so a crash racing a clean shutdown settles on whichever was
// recorded first. Returns the settled state.
func (l *lifecycle) close(final State) State {
	if !final.closed() {
		final = StateCrashed
	}
	l.mut.Lock()
	if l.state.closed() {
		final = l.state
		l.mut.Unlock()
		return final
	}
	l.state = final
	l.exclusive = ""
	onClose := l.onClose
	l.mut.Unlock()

	if onClose != nil {
		onClose(final)
	}
	close(l.closedCh)
	return final
}
