package routing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentbridge/internal/jambonz"
	"github.com/flowpbx/agentbridge/internal/phone"
	"github.com/flowpbx/agentbridge/internal/retell"
)

// ReferHook is the hook path the control plane calls when the bridged agent
// requests a transfer.
const ReferHook = "/refer"

// Registrar registers a call with the agent backend.
type Registrar interface {
	RegisterPhoneCall(ctx context.Context, req retell.RegisterRequest) (string, error)
}

// CallRecorder records calls that were registered with the agent backend.
type CallRecorder interface {
	Put(callSID, bridgeID string)
}

// Plan is the outcome of routing a call.
type Plan struct {
	Strategy Strategy
	Target   jambonz.Target

	// BridgeID is set for DialEndpoint plans.
	BridgeID string
}

// Dial builds the single bridging instruction for the plan.
func (p Plan) Dial(callerID string) jambonz.Dial {
	return jambonz.NewDial(callerID, true, ReferHook, p.Target)
}

// Router turns a routing decision into a dial target, registering the call
// with the agent backend when the strategy requires it.
type Router struct {
	policy    Policy
	registrar Registrar
	calls     CallRecorder
	logger    *slog.Logger
}

// NewRouter creates a router.
func NewRouter(policy Policy, registrar Registrar, calls CallRecorder, logger *slog.Logger) *Router {
	return &Router{
		policy:    policy,
		registrar: registrar,
		calls:     calls,
		logger:    logger.With("subsystem", "routing"),
	}
}

// Policy returns the router's configuration.
func (r *Router) Policy() Policy {
	return r.policy
}

// Route decides the strategy for call and builds its plan.
func (r *Router) Route(ctx context.Context, call Call) (Plan, error) {
	return r.RouteWith(ctx, Decide(r.policy, call), call)
}

// RouteWith builds a plan for call using an explicit strategy. Registration
// failures are returned as errors matching retell.ErrRegistrationFailed.
func (r *Router) RouteWith(ctx context.Context, strategy Strategy, call Call) (Plan, error) {
	logger := r.logger.With("call_sid", call.CallSID, "strategy", strategy.String())

	switch strategy {
	case ForwardToOrigin:
		logger.Info("call is coming from the agent backend, forwarding to dialed number", "to", call.To)
		return Plan{
			Strategy: strategy,
			Target:   jambonz.PhoneTarget(call.To, r.policy.PSTNTrunk),
		}, nil

	case DialEndpoint:
		bridgeID, err := r.registrar.RegisterPhoneCall(ctx, retell.RegisterRequest{
			AgentID:          r.policy.AgentID,
			FromNumber:       call.From,
			ToNumber:         call.To,
			Direction:        call.Direction,
			CallSID:          call.CallSID,
			DynamicVariables: r.policy.DynamicVariables,
		})
		if err != nil {
			return Plan{}, fmt.Errorf("routing call %s: %w", call.CallSID, err)
		}
		r.calls.Put(call.CallSID, bridgeID)
		logger.Info("call registered", "bridge_id", bridgeID)
		return Plan{
			Strategy: strategy,
			Target:   jambonz.SIPTarget(SIPURI(bridgeID, r.policy.SIPDomain)),
			BridgeID: bridgeID,
		}, nil

	case ElasticTrunk:
		dest := call.To
		if r.policy.DefaultCountry != "" {
			var valid bool
			dest, valid = phone.ToE164(call.To, r.policy.DefaultCountry)
			if !valid {
				logger.Warn("destination is not a valid number, using best-effort format",
					"to", call.To,
					"normalized", dest,
					"country", r.policy.DefaultCountry,
				)
			}
		}
		return Plan{
			Strategy: strategy,
			Target:   jambonz.PhoneTarget(dest, r.policy.AgentTrunk),
		}, nil

	default:
		return Plan{}, fmt.Errorf("routing call %s: unknown strategy %d", call.CallSID, strategy)
	}
}

// SIPURI builds the SIP address of a registered call at the backend domain.
func SIPURI(bridgeID, domain string) string {
	uri := sip.Uri{
		Scheme: "sip",
		User:   bridgeID,
		Host:   domain,
	}
	return uri.String()
}

// ValidateSIPDomain checks that domain can be used as the host of a SIP URI.
func ValidateSIPDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("sip domain is empty")
	}
	var uri sip.Uri
	if err := sip.ParseUri("sip:probe@"+domain, &uri); err != nil {
		return fmt.Errorf("parsing sip domain %q: %w", domain, err)
	}
	if uri.Host != domain {
		return fmt.Errorf("sip domain %q is not a bare host", domain)
	}
	return nil
}
