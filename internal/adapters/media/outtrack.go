package media

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStateMuted
	SinkStateDelete
)

// Sink consumes RTP packets of a remote track. *webrtc.TrackLocalStaticRTP is one.
type Sink interface {
	WriteRTP(p *rtp.Packet) error
}

// OutSink is one consumer attached to a Relay.
type OutSink struct {
	Sink  Sink
	state atomic.Int32 // Zero by default (SinkStateOk)
}

func NewOutSink(s Sink) *OutSink {
	return &OutSink{Sink: s}
}

func (o *OutSink) GetState() SinkState {
	return SinkState(o.state.Load())
}

func (o *OutSink) MarkOk() {
	o.state.Store(int32(SinkStateOk))
}

func (o *OutSink) MarkMuted() {
	o.state.Store(int32(SinkStateMuted))
}

func (o *OutSink) MarkDelete() {
	o.state.Store(int32(SinkStateDelete))
}
