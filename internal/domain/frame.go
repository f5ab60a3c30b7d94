package domain

import "encoding/json"

// Relay websocket frame types.
const (
	FrameConnected    = "connection_established"
	FrameSubscribe    = "subscribe"
	FrameUnsubscribe  = "unsubscribe"
	FrameSubscribed   = "subscription_succeeded"
	FrameUnsubscribed = "unsubscribed"
	FrameEvent        = "event"
	FramePing         = "ping"
	FramePong         = "pong"
	FrameError        = "error"
)

// RelayFrame is the single JSON shape spoken on the relay websocket in both directions.
type RelayFrame struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Auth     string          `json:"auth,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
	Error    string          `json:"error,omitempty"`
}
