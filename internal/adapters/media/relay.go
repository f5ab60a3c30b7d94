package media

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const pliInterval = 3 * time.Second

// RemoteTrack is the read side of *webrtc.TrackRemote.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RTCPWriter sends feedback to the remote sender.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// Relay pumps one remote track into its sinks until the track ends or ctx is done.
type Relay struct {
	Src RemoteTrack

	mu    sync.RWMutex
	sinks map[string]*OutSink

	done chan struct{}
}

// AttachRemoteTrack starts pumping src into sinks. For video a PLI is sent at
// once and then periodically so a keyframe arrives quickly.
func AttachRemoteTrack(ctx context.Context, src RemoteTrack, feedback RTCPWriter, sinks map[string]Sink) *Relay {
	r := &Relay{
		Src:   src,
		sinks: make(map[string]*OutSink, len(sinks)),
		done:  make(chan struct{}),
	}
	for name, s := range sinks {
		r.sinks[name] = NewOutSink(s)
	}

	logger := log.With().
		Str("module", "media.relay").
		Str("track", src.ID()).
		Str("kind", src.Kind().String()).
		Logger()
	logger.Info().Int("sinks", len(sinks)).Msg("starting relay loop")

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		r.loop(ctx, &logger)
	}()
	if feedback != nil && src.Kind() == webrtc.RTPCodecTypeVideo {
		go r.requestKeyframes(ctx, feedback, &logger)
	}
	return r
}

// Done is closed when the pump stopped.
func (r *Relay) Done() <-chan struct{} { return r.done }

// loop reads RTP packets from the source track and forwards them to all sinks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all sinks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read RTP stopped")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.sinks)
	r.mu.RUnlock()

	dirty := make([]string, 0)
	for name, out := range snapshot {
		switch out.GetState() {
		case SinkStateDelete:
			dirty = append(dirty, name)
		case SinkStateMuted:
		case SinkStateOk:
			if err := out.Sink.WriteRTP(pkt); err != nil {
				logger.Warn().
					Err(err).
					Str("sink", name).
					Msg("relay write RTP error, marking sink as delete")
				out.MarkDelete()
				dirty = append(dirty, name)
			}
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) requestKeyframes(ctx context.Context, feedback RTCPWriter, logger *zerolog.Logger) {
	send := func() {
		if err := feedback.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(r.Src.SSRC())},
		}); err != nil {
			logger.Debug().Err(err).Msg("PLI not sent")
		}
	}
	send()

	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range dirty {
		delete(r.sinks, name)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, out := range r.sinks {
		out.MarkDelete()
	}
}

func (r *Relay) AddSink(name string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = NewOutSink(s)
}

// Mute pauses or resumes delivery to one sink.
func (r *Relay) Mute(name string, muted bool) {
	r.mu.RLock()
	out, ok := r.sinks[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if muted {
		out.MarkMuted()
	} else {
		out.MarkOk()
	}
}

func (r *Relay) SinkCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}
