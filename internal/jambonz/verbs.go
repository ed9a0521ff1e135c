package jambonz

// Verb is a single declarative instruction in an ack or webhook response.
// Concrete verbs marshal their own "verb" field.
type Verb interface {
	VerbName() string
}

// Target types accepted by the dial verb.
const (
	TargetPhone = "phone"
	TargetSIP   = "sip"
)

// Target is one leg the dial verb attempts.
type Target struct {
	Type   string `json:"type"`
	Number string `json:"number,omitempty"`
	Trunk  string `json:"trunk,omitempty"`
	SIPURI string `json:"sipUri,omitempty"`
}

// PhoneTarget dials number over the named trunk.
func PhoneTarget(number, trunk string) Target {
	return Target{Type: TargetPhone, Number: number, Trunk: trunk}
}

// SIPTarget dials a SIP URI directly.
func SIPTarget(uri string) Target {
	return Target{Type: TargetSIP, SIPURI: uri}
}

// Dial bridges the call to one or more targets.
type Dial struct {
	Verb           string   `json:"verb"`
	CallerID       string   `json:"callerId,omitempty"`
	AnswerOnBridge bool     `json:"answerOnBridge"`
	ReferHook      string   `json:"referHook,omitempty"`
	Target         []Target `json:"target"`
}

// NewDial builds a dial verb.
func NewDial(callerID string, answerOnBridge bool, referHook string, targets ...Target) Dial {
	return Dial{
		Verb:           "dial",
		CallerID:       callerID,
		AnswerOnBridge: answerOnBridge,
		ReferHook:      referHook,
		Target:         targets,
	}
}

func (Dial) VerbName() string { return "dial" }

// Hangup ends the call.
type Hangup struct {
	Verb string `json:"verb"`
}

// NewHangup builds a hangup verb.
func NewHangup() Hangup { return Hangup{Verb: "hangup"} }

func (Hangup) VerbName() string { return "hangup" }

// Answer answers the call before the remaining verbs run.
type Answer struct {
	Verb string `json:"verb"`
}

// NewAnswer builds an answer verb.
func NewAnswer() Answer { return Answer{Verb: "answer"} }

func (Answer) VerbName() string { return "answer" }

// Say speaks text to the caller.
type Say struct {
	Verb string `json:"verb"`
	Text string `json:"text"`
}

// NewSay builds a say verb.
func NewSay(text string) Say { return Say{Verb: "say", Text: text} }

func (Say) VerbName() string { return "say" }

// SIPRefer sends a SIP REFER on the established call.
type SIPRefer struct {
	Verb       string `json:"verb"`
	ReferTo    string `json:"referTo"`
	ReferredBy string `json:"referredBy,omitempty"`
}

// NewSIPRefer builds a sip:refer verb.
func NewSIPRefer(referTo, referredBy string) SIPRefer {
	return SIPRefer{Verb: "sip:refer", ReferTo: referTo, ReferredBy: referredBy}
}

func (SIPRefer) VerbName() string { return "sip:refer" }
