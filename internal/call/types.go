// Package call runs one peer-to-peer call per conversation on top of a
// signaling Transport, a Connectivity object and a media Capturer.
package call

import (
	"context"
	"time"

	"github.com/dkeye/Call/internal/domain"
)

type Role int

const (
	Caller Role = iota + 1
	Callee
)

func (r Role) String() string {
	switch r {
	case Caller:
		return "caller"
	case Callee:
		return "callee"
	default:
		return "unknown"
	}
}

type State int

const (
	Idle State = iota
	Requesting
	Ringing
	Negotiating
	Connected
	Ended
	Failed
)

var stateNames = [...]string{"idle", "requesting", "ringing", "negotiating", "connected", "ended", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal states are absorbing; the session is discarded afterwards.
func (s State) Terminal() bool { return s == Ended || s == Failed }

// ConnectionState mirrors the peer connection state reported by the connectivity layer.
type ConnectionState string

const (
	ConnNew          ConnectionState = "new"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnFailed       ConnectionState = "failed"
	ConnClosed       ConnectionState = "closed"
)

// SignalingState mirrors the offer/answer state of the connectivity layer.
type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

// Transport moves envelopes between peers over the conversation channel.
type Transport interface {
	SendSignal(ctx context.Context, conv domain.ConversationID, t domain.SignalType, payload any) error
	OnSignal(conv domain.ConversationID, handler func(domain.Envelope)) (unsubscribe func(), err error)
}

// Connectivity is the peer connection a Session exclusively owns.
// CreateOffer and CreateAnswer also install the result as the local description.
type Connectivity interface {
	CreateOffer(ctx context.Context) (domain.Description, error)
	CreateAnswer(ctx context.Context) (domain.Description, error)
	SetRemoteDescription(desc domain.Description) error
	AddICECandidate(c domain.Candidate) error
	SignalingState() SignalingState
	AddStream(s Stream) error
	OnICECandidate(fn func(domain.Candidate))
	OnConnectionStateChange(fn func(ConnectionState))
	Close() error
}

// ConnectivityFactory builds a fresh Connectivity for one session.
type ConnectivityFactory func() (Connectivity, error)

// Stream is a captured local media stream.
type Stream interface {
	Stop()
}

// Capturer acquires local media; failures are *PermissionError.
type Capturer interface {
	Acquire(ctx context.Context, video bool) (Stream, error)
}

type Options struct {
	ConversationID     domain.ConversationID
	LocalUser          domain.UserID
	Role               Role
	Video              bool
	NegotiationTimeout time.Duration
}

// Snapshot is a read-only copy of the session fields.
type Snapshot struct {
	ConversationID     domain.ConversationID
	Role               Role
	State              State
	Connection         ConnectionState
	LocalDescription   *domain.Description
	RemoteDescription  *domain.Description
	PendingCandidates  int
	HasProcessedOffer  bool
	HasProcessedAnswer bool
	Reason             string
}
