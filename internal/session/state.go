package session

import (
	"time"

	"github.com/gluk-w/sshrelay/internal/relayerr"
	"github.com/gluk-w/sshrelay/internal/shellbridge"
)

// State is a session's position in its lifecycle:
//
//	Created -> Connecting -> Connected -> Disconnected
//	                     \-> Error -----/
//
// A failed connect leaves the record in Error until it is retried or
// disconnected. Disconnected records are removed from the registry.
type State string

const (
	StateCreated      State = "Created"
	StateConnecting   State = "Connecting"
	StateConnected    State = "Connected"
	StateError        State = "Error"
	StateDisconnected State = "Disconnected"
)

// Reasons attached to transitions.
const (
	ReasonCreated      = "created"
	ReasonConnecting   = "connecting"
	ReasonConnected    = "connected"
	ReasonFailed       = "connect_failed"
	ReasonRequested    = "requested"
	ReasonIdleTimeout  = "idle_timeout"
	ReasonRemoteClosed = "remote_closed"
	ReasonClientGone   = "client_closed"
	ReasonWriteFailed  = "write_failed"
	ReasonShutdown     = "shutdown"
)

const transitionBufferSize = 50

// Transition records a single state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StateChange is delivered to hooks registered with OnStateChange.
type StateChange struct {
	ID     string
	Target Target
	From   State
	To     State
	Reason string
	// Err is set for transitions caused by a failure.
	Err *relayerr.Error
	At  time.Time
	// Bridge is the shell released by a disconnect, if the record had one.
	Bridge *shellbridge.Bridge
}

// StateHook observes state changes. Hooks run synchronously on the goroutine
// that caused the change, outside registry locks; slow work belongs in a
// separate goroutine.
type StateHook func(StateChange)

// history is a fixed-size ring of transitions.
type history struct {
	transitions [transitionBufferSize]Transition
	head        int
	count       int
}

func (h *history) record(t Transition) {
	h.transitions[h.head] = t
	h.head = (h.head + 1) % transitionBufferSize
	if h.count < transitionBufferSize {
		h.count++
	}
}

// list returns transitions oldest first.
func (h *history) list() []Transition {
	if h.count == 0 {
		return nil
	}
	result := make([]Transition, h.count)
	if h.count < transitionBufferSize {
		copy(result, h.transitions[:h.count])
	} else {
		n := copy(result, h.transitions[h.head:])
		copy(result[n:], h.transitions[:h.head])
	}
	return result
}
