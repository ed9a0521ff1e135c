// Package routing decides how a new call is bridged to the voice agent and
// produces the target the dial verb should use.
package routing

import (
	"strings"

	"github.com/flowpbx/agentbridge/internal/jambonz"
)

// Strategy is one of the mutually exclusive ways a call can be bridged.
type Strategy int

const (
	// ElasticTrunk dials the destination number over the agent trunk.
	ElasticTrunk Strategy = iota

	// DialEndpoint registers the call with the agent backend and dials the
	// SIP endpoint it returns.
	DialEndpoint

	// ForwardToOrigin sends a call placed by the agent backend back out to
	// the number it dialed, over the PSTN trunk.
	ForwardToOrigin
)

func (s Strategy) String() string {
	switch s {
	case ElasticTrunk:
		return "elastic_trunk"
	case DialEndpoint:
		return "dial_endpoint"
	case ForwardToOrigin:
		return "forward_to_origin"
	default:
		return "unknown"
	}
}

// authenticatedUserHeader carries the SIP identity that authenticated an
// inbound call, as "user@domain".
const authenticatedUserHeader = "X-Authenticated-User"

// Call holds the routing-relevant fields of a new call session.
type Call struct {
	CallSID           string
	From              string
	To                string
	Direction         string
	AuthenticatedUser string
}

// CallFromInfo extracts the routing fields from a session:new payload.
func CallFromInfo(info jambonz.CallInfo) Call {
	return Call{
		CallSID:           info.CallSID,
		From:              info.From,
		To:                info.To,
		Direction:         info.Direction,
		AuthenticatedUser: info.Header(authenticatedUserHeader),
	}
}

// Policy is the routing configuration, built once at startup.
type Policy struct {
	// UseDialEndpoint selects DialEndpoint over ElasticTrunk.
	UseDialEndpoint bool

	// AgentTrunk is the trunk toward the agent backend for ElasticTrunk.
	AgentTrunk string

	// PSTNTrunk is the trunk used to forward calls from the agent backend.
	PSTNTrunk string

	// SIPClientUsername is the SIP credential provisioned at the agent
	// backend for outbound calls. Calls authenticated with it originate
	// from the backend.
	SIPClientUsername string

	// DefaultCountry, when set, normalises ElasticTrunk destinations to E.164.
	DefaultCountry string

	// AgentID identifies the agent at the backend.
	AgentID string

	// SIPDomain is the backend SIP domain registered calls are dialed at.
	SIPDomain string

	// DynamicVariables are sent with every registration.
	DynamicVariables map[string]string
}

// FromAgentBackend reports whether an inbound call was placed by the agent
// backend itself, using the SIP credential provisioned there.
func FromAgentBackend(p Policy, c Call) bool {
	if c.Direction != "inbound" || p.PSTNTrunk == "" || p.SIPClientUsername == "" || c.AuthenticatedUser == "" {
		return false
	}
	user, _, _ := strings.Cut(c.AuthenticatedUser, "@")
	return user == p.SIPClientUsername
}

// Decide picks the bridging strategy for a call. Calls from the agent
// backend are always forwarded, whatever strategy is configured.
func Decide(p Policy, c Call) Strategy {
	switch {
	case FromAgentBackend(p, c):
		return ForwardToOrigin
	case p.UseDialEndpoint:
		return DialEndpoint
	default:
		return ElasticTrunk
	}
}
