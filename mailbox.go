package tincanphone

import (
	"strings"
	"sync"
)

// State is the call state observable by the UI.
type State int

const (
	StateStarting State = iota
	StateHungup
	StateDialing
	StateRinging
	StateLive
	StateExited
	StateException
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateHungup:
		return "Hungup"
	case StateDialing:
		return "Dialing"
	case StateRinging:
		return "Ringing"
	case StateLive:
		return "Live"
	case StateExited:
		return "Exited"
	case StateException:
		return "Exception"
	default:
		return "Unknown"
	}
}

// Command is sent from the UI thread to the engine thread. Only the last
// write before the engine's next tick is observed — the UI does not queue.
type Command int

const (
	CmdNone Command = iota
	CmdCall
	CmdAnswer
	CmdHangup
	CmdExit
)

// UpdateHandler is invoked from the engine thread whenever published state
// changes. Implementations must do nothing but marshal a notification to the
// UI thread — no blocking, no call back into the engine.
type UpdateHandler interface {
	SendUpdate()
}

// UpdateHandlerFunc adapts a plain function to an UpdateHandler.
type UpdateHandlerFunc func()

func (f UpdateHandlerFunc) SendUpdate() { f() }

// Mailbox is the single piece of state shared between the engine thread and
// the UI thread: a mutex-protected record carrying the pending command (UI
// -> engine), the last published state, pending log text and last error
// (engine -> UI), and a one-shot wakeup handler. Callers copy state out;
// nothing here is ever lent across the boundary by reference.
type Mailbox struct {
	mu sync.Mutex

	commandIn Command
	addressIn string

	stateOut     State
	logOut       strings.Builder
	errorMessage string

	updateHandler UpdateHandler
}

// SetCommand records a command from the UI thread, overwriting any unread
// pending command (last-write-wins; the UI does not queue commands).
func (m *Mailbox) SetCommand(cmd Command, addr string) {
	m.mu.Lock()
	m.commandIn = cmd
	m.addressIn = addr
	m.mu.Unlock()
}

// GetState returns the last state published by the engine.
func (m *Mailbox) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateOut
}

// GetErrorMessage returns the fatal error message, set only when the
// published state is StateException.
func (m *Mailbox) GetErrorMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorMessage
}

// ReadLog returns and clears the pending log text.
func (m *Mailbox) ReadLog() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.logOut.String()
	m.logOut.Reset()
	return s
}

// SetUpdateHandler installs (or clears, with nil) the wakeup callback. Must
// be called by the UI before the engine thread starts, and cleared by the UI
// before it tears itself down.
func (m *Mailbox) SetUpdateHandler(h UpdateHandler) {
	m.mu.Lock()
	m.updateHandler = h
	m.mu.Unlock()
}

// takeCommand clears and returns the pending command+address. Called once
// per engine tick.
func (m *Mailbox) takeCommand() (Command, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, addr := m.commandIn, m.addressIn
	m.commandIn = CmdNone
	m.addressIn = ""
	return cmd, addr
}

// sync is called once per engine tick. It appends pendingLog to the
// published log, publishes newState if it differs from the last published
// state (waking the UI), and returns the command to dispatch this tick.
func (m *Mailbox) sync(pendingLog string, newState State) (Command, string) {
	m.mu.Lock()

	m.logOut.WriteString(pendingLog)

	if m.stateOut != newState {
		m.stateOut = newState
		if m.updateHandler != nil {
			// Invoked after releasing the mutex: stateOut is already
			// published, so the UI sees the new state by the time the
			// wakeup arrives.
			h := m.updateHandler
			m.mu.Unlock()
			h.SendUpdate()
			cmd, addr := m.takeCommand()
			return cmd, addr
		}
	}

	m.mu.Unlock()
	return m.takeCommand()
}

// publishException sets the terminal Exception state and error message, and
// wakes the UI. Called by Run on every fatal exit: a startup error, a tick
// error, or a recovered panic.
func (m *Mailbox) publishException(msg string) {
	m.mu.Lock()
	m.stateOut = StateException
	m.errorMessage = msg
	h := m.updateHandler
	m.mu.Unlock()
	if h != nil {
		h.SendUpdate()
	}
}

// publishExited sets the terminal Exited state and wakes the UI.
func (m *Mailbox) publishExited() {
	m.mu.Lock()
	m.stateOut = StateExited
	h := m.updateHandler
	m.mu.Unlock()
	if h != nil {
		h.SendUpdate()
	}
}
