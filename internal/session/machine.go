package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/flowpbx/agentbridge/internal/jambonz"
	"github.com/flowpbx/agentbridge/internal/retell"
	"github.com/flowpbx/agentbridge/internal/routing"
)

// DefaultFailureMessage is spoken to the caller when the agent backend
// refuses the call.
const DefaultFailureMessage = "Sorry, we are unable to connect your call right now. Please try again later."

// State is the lifecycle state of a session.
type State int

const (
	StateNew State = iota
	StateRouting
	StateRouted
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRouting:
		return "routing"
	case StateRouted:
		return "routed"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Router builds the bridge plan for a new call.
type Router interface {
	Route(ctx context.Context, call routing.Call) (routing.Plan, error)
}

// Conn is the session's connection to the control plane.
type Conn interface {
	Send(ack jambonz.Ack) error
	Ping() error
	Close() error
}

// Options configures a session.
type Options struct {
	// Clock drives the keep-alive. Defaults to SystemClock.
	Clock Clock

	// KeepAliveInterval defaults to KeepAliveInterval.
	KeepAliveInterval time.Duration

	// FailureMessage is spoken when registration fails. Defaults to
	// DefaultFailureMessage.
	FailureMessage string

	// OnStateChange, if set, is called on every transition.
	OnStateChange func(from, to State)
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = KeepAliveInterval
	}
	if o.FailureMessage == "" {
		o.FailureMessage = DefaultFailureMessage
	}
	return o
}

// Machine is the state machine for one call session. It is driven by a
// single goroutine through Run and is not safe for concurrent use.
type Machine struct {
	router Router
	conn   Conn
	opts   Options
	logger *slog.Logger

	state     State
	call      routing.Call
	keepAlive *keepAlive
}

// New creates a session in StateNew.
func New(router Router, conn Conn, opts Options, logger *slog.Logger) *Machine {
	return &Machine{
		router: router,
		conn:   conn,
		opts:   opts.withDefaults(),
		logger: logger,
		state:  StateNew,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Run processes events in order until the session closes, the event stream
// ends or ctx is cancelled. On return the keep-alive has stopped and the
// connection is closed.
func (m *Machine) Run(ctx context.Context, events <-chan Event) {
	defer m.shutdown()

	for m.state != StateClosed {
		select {
		case <-ctx.Done():
			m.logger.Debug("session context done", "error", ctx.Err())
			m.close()
			return
		case ev, ok := <-events:
			if !ok {
				m.logger.Debug("event stream ended")
				m.close()
				return
			}
			m.handle(ctx, ev)
		}
	}
}

func (m *Machine) handle(ctx context.Context, ev Event) {
	switch ev := ev.(type) {
	case NewSession:
		m.onNewSession(ctx, ev)
	case Hook:
		m.onHook(ev)
	case Status:
		m.onStatus(ev)
	case Closed:
		m.logger.Info("session closed", "code", ev.Code, "reason", ev.Reason, "state", m.state.String())
		m.close()
	case SignalError:
		m.logger.Error("session received error", "error", ev.Err, "state", m.state.String())
		m.close()
	}
}

func (m *Machine) onNewSession(ctx context.Context, ev NewSession) {
	if m.state != StateNew {
		m.logger.Warn("ignoring duplicate session:new", "state", m.state.String())
		m.ack(ev.MsgID)
		return
	}

	m.call = routing.CallFromInfo(ev.Info)
	m.logger = m.logger.With("call_sid", m.call.CallSID)
	m.logger.Info("new incoming call",
		"from", m.call.From,
		"to", m.call.To,
		"direction", m.call.Direction,
	)

	m.transition(StateRouting)
	m.keepAlive = startKeepAlive(m.opts.Clock, m.opts.KeepAliveInterval, m.conn.Ping, m.logger)

	plan, err := m.router.Route(ctx, m.call)
	if err != nil {
		m.transition(StateFailed)
		if errors.Is(err, retell.ErrRegistrationFailed) {
			m.logger.Error("registration failed, ending call", "error", err)
			m.ack(ev.MsgID, jambonz.NewSay(m.opts.FailureMessage), jambonz.NewHangup())
		} else {
			m.logger.Error("error responding to incoming call", "error", err)
		}
		m.close()
		return
	}

	if err := m.conn.Send(jambonz.NewAck(ev.MsgID, plan.Dial(m.call.From), jambonz.NewHangup())); err != nil {
		m.logger.Error("sending bridge instruction", "error", err)
		m.transition(StateFailed)
		m.close()
		return
	}
	m.transition(StateRouted)
	m.logger.Info("call bridged", "strategy", plan.Strategy.String(), "target_type", plan.Target.Type)
}

func (m *Machine) onHook(ev Hook) {
	if m.state != StateRouted || ev.Name != routing.ReferHook {
		m.logger.Warn("unexpected hook", "hook", ev.Name, "state", m.state.String())
		m.ack(ev.MsgID)
		return
	}

	var data jambonz.ReferHookData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		m.logger.Warn("malformed refer hook", "error", err)
		m.ack(ev.MsgID)
		return
	}
	if data.ReferDetails.ReferToUser == "" {
		m.logger.Warn("refer hook has no target")
		m.ack(ev.MsgID)
		return
	}
	referredBy := data.To
	if referredBy == "" {
		referredBy = m.call.To
	}

	m.logger.Info("received refer",
		"refer_to_user", data.ReferDetails.ReferToUser,
		"referred_by", referredBy,
	)
	m.ack(ev.MsgID, jambonz.NewSIPRefer(data.ReferDetails.ReferToUser, referredBy))
}

func (m *Machine) onStatus(ev Status) {
	switch ev.Type {
	case jambonz.TypeCallStatus:
		var status jambonz.CallStatus
		if err := json.Unmarshal(ev.Data, &status); err == nil {
			m.logger.Info("call status", "call_status", status.CallStatus, "sip_status", status.SIPStatus)
			return
		}
		m.logger.Debug("call status", "data", string(ev.Data))
	case jambonz.TypeVerbStatus, jambonz.TypeSessionRedirect, jambonz.TypeSessionReconnect:
		m.logger.Debug("session message", "type", ev.Type)
	default:
		m.logger.Warn("unknown message type", "type", ev.Type)
	}
}

// ack replies to msgID. A failed write is a signaling error and closes the
// session.
func (m *Machine) ack(msgID string, verbs ...jambonz.Verb) {
	if err := m.conn.Send(jambonz.NewAck(msgID, verbs...)); err != nil {
		m.logger.Error("sending ack", "error", err, "msgid", msgID)
		m.close()
	}
}

// close stops the keep-alive and closes the connection.
func (m *Machine) close() {
	if m.state == StateClosed {
		return
	}
	m.stopKeepAlive()
	if err := m.conn.Close(); err != nil {
		m.logger.Debug("closing connection", "error", err)
	}
	m.transition(StateClosed)
}

func (m *Machine) shutdown() {
	m.close()
	m.stopKeepAlive()
}

func (m *Machine) stopKeepAlive() {
	if m.keepAlive != nil {
		m.keepAlive.Stop()
		m.keepAlive = nil
	}
}

func (m *Machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.logger.Debug("session state changed", "from", from.String(), "to", to.String())
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(from, to)
	}
}
