package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// SignalType is the kind of a call signaling envelope.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
	SignalIncoming  SignalType = "incoming"
	SignalAccepted  SignalType = "accepted"
	SignalRejected  SignalType = "rejected"
	SignalEnded     SignalType = "ended"
)

// callEventPrefix keeps call events apart from chat events on the same channel.
const callEventPrefix = "call:"

var ErrUnknownSignal = errors.New("unknown signal type")

// SignalTypes lists every call signal in a stable order.
var SignalTypes = []SignalType{
	SignalOffer,
	SignalAnswer,
	SignalCandidate,
	SignalIncoming,
	SignalAccepted,
	SignalRejected,
	SignalEnded,
}

func (t SignalType) Valid() bool {
	for _, k := range SignalTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Event returns the channel event name, e.g. "call:offer".
func (t SignalType) Event() string { return callEventPrefix + string(t) }

// ParseSignalType accepts both the bare form ("offer") and the event form
// ("call:offer") since clients of the original endpoint sent either.
func ParseSignalType(s string) (SignalType, error) {
	t := SignalType(strings.TrimPrefix(s, callEventPrefix))
	if !t.Valid() {
		return "", ErrUnknownSignal
	}
	return t, nil
}

// ParseEvent maps a channel event name back to a signal type. Non-call events
// (messages, typing, read receipts) are rejected.
func ParseEvent(event string) (SignalType, error) {
	if !strings.HasPrefix(event, callEventPrefix) {
		return "", ErrUnknownSignal
	}
	return ParseSignalType(event)
}

// Envelope is the wire unit exchanged over a conversation channel.
// ID, UserID and Timestamp are stamped by the relay, never by the sender.
type Envelope struct {
	ID             string          `json:"id"`
	ConversationID ConversationID  `json:"conversationId"`
	Type           SignalType      `json:"type"`
	Payload        json.RawMessage `json:"data,omitempty"`
	UserID         UserID          `json:"userId"`
	Timestamp      int64           `json:"timestamp"`
}

func (e Envelope) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Description is an offer or answer body.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is an ice-candidate body, shaped like RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Incoming is the body of an incoming-call notification.
type Incoming struct {
	InitiatorID UserID `json:"initiatorId"`
	Video       bool   `json:"video"`
}
