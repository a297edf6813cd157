package conn

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// State is the lifecycle stage of the printer channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// fsm state names
const (
	stateDisconnected = "disconnected"
	stateConnecting   = "connecting"
	stateConnected    = "connected"
	stateError        = "error"
)

// fsm events
const (
	EventConnect     = "connect"
	EventTokenFailed = "token_failed"
	EventOpenFailed  = "open_failed"
	EventOpened      = "opened"
	EventClosed      = "closed"
	EventGiveUp      = "give_up"
	EventRetry       = "retry"

	// eventShutdown is not part of the table; Close forces Disconnected.
	eventShutdown = "shutdown"
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return stateDisconnected
	case StateConnecting:
		return stateConnecting
	case StateConnected:
		return stateConnected
	case StateError:
		return stateError
	default:
		return "unknown"
	}
}

func parseState(name string) State {
	switch name {
	case stateConnecting:
		return StateConnecting
	case stateConnected:
		return StateConnected
	case stateError:
		return StateError
	default:
		return StateDisconnected
	}
}

// transitions is the checked transition table. Events not listed for the
// current state are rejected.
var transitions = []fsm.EventDesc{
	{Name: EventConnect, Src: []string{stateDisconnected}, Dst: stateConnecting},
	{Name: EventTokenFailed, Src: []string{stateConnecting}, Dst: stateDisconnected},
	{Name: EventOpenFailed, Src: []string{stateConnecting}, Dst: stateDisconnected},
	{Name: EventOpened, Src: []string{stateConnecting}, Dst: stateConnected},
	{Name: EventClosed, Src: []string{stateConnected}, Dst: stateDisconnected},
	{Name: EventGiveUp, Src: []string{stateDisconnected}, Dst: stateError},
	{Name: EventRetry, Src: []string{stateDisconnected, stateConnecting, stateConnected, stateError}, Dst: stateConnecting},
}

// StateChange describes one transition.
type StateChange struct {
	From     State
	To       State
	Event    string
	Attempts int
	Err      error
}

// machine wraps the fsm. It is not safe for concurrent use; the supervisor
// serializes access with its own mutex.
type machine struct {
	fsm *fsm.FSM
}

func newMachine(onEnter func(e *fsm.Event)) *machine {
	return &machine{
		fsm: fsm.NewFSM(
			stateDisconnected,
			fsm.Events(transitions),
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					if onEnter != nil {
						onEnter(e)
					}
				},
			},
		),
	}
}

func (m *machine) current() State {
	return parseState(m.fsm.Current())
}

// fire applies event and returns the resulting change. A self-transition
// (retry while already connecting) is accepted with From == To.
func (m *machine) fire(event string) (StateChange, error) {
	from := m.current()
	if err := m.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) && noTransition.Err == nil {
			return StateChange{From: from, To: from, Event: event}, nil
		}
		return StateChange{}, fmt.Errorf("%w: %s in state %s: %v", ErrInvalidTransition, event, from, err)
	}
	return StateChange{From: from, To: m.current(), Event: event}, nil
}

// force moves to state without consulting the table.
func (m *machine) force(to State, event string) StateChange {
	from := m.current()
	m.fsm.SetState(to.String())
	return StateChange{From: from, To: to, Event: event}
}
