package app

import "github.com/dkeye/Call/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickSubscriber
	DropFrame
)

type Policy interface {
	OnBackPressure(ch core.ChannelService, sid core.SocketID) BackpressureAction
}

// SimplePolicy disconnects any subscriber whose send buffer is full.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.ChannelService, core.SocketID) BackpressureAction {
	return KickSubscriber
}

// LenientPolicy drops the frame and keeps the subscriber.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(core.ChannelService, core.SocketID) BackpressureAction {
	return DropFrame
}

// PolicyByName resolves the configured policy; unknown names fall back to SimplePolicy.
func PolicyByName(name string) Policy {
	switch name {
	case "drop":
		return LenientPolicy{}
	default:
		return SimplePolicy{}
	}
}
