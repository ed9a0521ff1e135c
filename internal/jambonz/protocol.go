// Package jambonz defines the messages exchanged with the telephony control
// plane over its per-call WebSocket API, and the declarative verbs used to
// instruct it.
package jambonz

import (
	"encoding/json"
	"strings"
)

// Subprotocol is the WebSocket subprotocol the control plane negotiates.
const Subprotocol = "ws.jambonz.org"

// Message types sent by the control plane.
const (
	TypeSessionNew       = "session:new"
	TypeSessionRedirect  = "session:redirect"
	TypeSessionReconnect = "session:reconnect"
	TypeVerbHook         = "verb:hook"
	TypeVerbStatus       = "verb:status"
	TypeCallStatus       = "call:status"
	TypeError            = "jambonz:error"
)

// TypeAck is the reply to a session:new or verb:hook message.
const TypeAck = "ack"

// Message is an inbound control plane frame. Data is decoded lazily
// according to Type.
type Message struct {
	Type    string          `json:"type"`
	MsgID   string          `json:"msgid,omitempty"`
	CallSID string          `json:"call_sid,omitempty"`
	Hook    string          `json:"hook,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Ack answers the message identified by MsgID with a list of verbs.
type Ack struct {
	Type  string `json:"type"`
	MsgID string `json:"msgid"`
	Data  []Verb `json:"data"`
}

// NewAck builds an ack for msgID. A nil verb list is sent as an empty array.
func NewAck(msgID string, verbs ...Verb) Ack {
	if verbs == nil {
		verbs = []Verb{}
	}
	return Ack{Type: TypeAck, MsgID: msgID, Data: verbs}
}

// SIPInfo carries the SIP signaling details of a new call.
type SIPInfo struct {
	Headers map[string]string `json:"headers"`
}

// CallInfo is the payload of a session:new message.
type CallInfo struct {
	CallSID    string  `json:"call_sid"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	Direction  string  `json:"direction"`
	CallerName string  `json:"caller_name,omitempty"`
	SIP        SIPInfo `json:"sip"`
}

// Header returns a SIP header value using a case-insensitive name match.
func (c CallInfo) Header(name string) string {
	if v, ok := c.SIP.Headers[name]; ok {
		return v
	}
	for k, v := range c.SIP.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// ReferDetails describes a transfer request received on an established call.
type ReferDetails struct {
	ReferToUser string `json:"refer_to_user"`
	ReferredBy  string `json:"referred_by,omitempty"`
}

// ReferHookData is the payload of the verb:hook message for a dial referHook.
type ReferHookData struct {
	CallSID      string       `json:"call_sid"`
	From         string       `json:"from"`
	To           string       `json:"to"`
	ReferDetails ReferDetails `json:"refer_details"`
}

// CallStatus is the payload of a call:status message and the body of the
// call-status webhook.
type CallStatus struct {
	CallSID    string `json:"call_sid"`
	CallStatus string `json:"call_status"`
	Direction  string `json:"direction,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	SIPStatus  int    `json:"sip_status,omitempty"`
}

// Call statuses reported by the control plane.
const (
	CallStatusCompleted = "completed"
	CallStatusFailed    = "failed"
)

// ErrorData is the payload of a jambonz:error message.
type ErrorData struct {
	Error string `json:"error"`
}
