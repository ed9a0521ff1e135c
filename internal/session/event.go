// Package session drives a single call over its control plane WebSocket:
// routing the new call, issuing the bridge instruction, answering transfer
// requests and keeping the connection alive until it closes.
package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowpbx/agentbridge/internal/jambonz"
)

// ErrSignaling marks failures surfaced while handling a live session:
// transport errors and errors reported by the control plane.
var ErrSignaling = errors.New("session signaling error")

// Event is an input to the session driver loop.
type Event interface {
	event()
}

// NewSession starts the call.
type NewSession struct {
	MsgID string
	Info  jambonz.CallInfo
}

// Hook is a verb:hook message, such as a transfer request on "/refer".
type Hook struct {
	MsgID string
	Name  string
	Data  json.RawMessage
}

// Status is an informational message the session only logs.
type Status struct {
	Type string
	Data json.RawMessage
}

// Closed reports that the connection was closed by the peer.
type Closed struct {
	Code   int
	Reason string
}

// SignalError reports an error on the session. Err wraps ErrSignaling.
type SignalError struct {
	Err error
}

func (NewSession) event()  {}
func (Hook) event()        {}
func (Status) event()      {}
func (Closed) event()      {}
func (SignalError) event() {}

// EventFromMessage converts a control plane frame into an event.
func EventFromMessage(msg jambonz.Message) (Event, error) {
	switch msg.Type {
	case jambonz.TypeSessionNew:
		var info jambonz.CallInfo
		if err := json.Unmarshal(msg.Data, &info); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", msg.Type, err)
		}
		if info.CallSID == "" {
			info.CallSID = msg.CallSID
		}
		return NewSession{MsgID: msg.MsgID, Info: info}, nil

	case jambonz.TypeVerbHook:
		return Hook{MsgID: msg.MsgID, Name: msg.Hook, Data: msg.Data}, nil

	case jambonz.TypeError:
		var data jambonz.ErrorData
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				data.Error = string(msg.Data)
			}
		}
		return SignalError{Err: fmt.Errorf("%w: control plane reported %q", ErrSignaling, data.Error)}, nil

	case "":
		return nil, errors.New("message has no type")

	default:
		return Status{Type: msg.Type, Data: msg.Data}, nil
	}
}
