package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Call/internal/call"
	"github.com/dkeye/Call/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TrackSource is a local stream that can hand its tracks to a PeerConnection.
type TrackSource interface {
	LocalTracks() []webrtc.TrackLocal
}

// TrackHandler receives remote tracks; ctx ends when the connection closes.
type TrackHandler func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, feedback RTCPWriter)

// RTCPWriter sends feedback (PLI) back to the remote sender.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// NewAPI builds a webrtc API with default interceptors. populate, when set,
// registers the codecs of a media capturer instead of the defaults.
func NewAPI(populate func(*webrtc.MediaEngine)) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if populate != nil {
		populate(me)
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir)), nil
}

// NewFactory returns a call.ConnectivityFactory producing pion connections.
func NewFactory(api *webrtc.API, cfg webrtc.Configuration, onTrack TrackHandler) call.ConnectivityFactory {
	return func() (call.Connectivity, error) {
		return NewWebRTCConnection(api, cfg, onTrack)
	}
}

type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	mu      sync.Mutex
	onICE   func(domain.Candidate)
	onState func(call.ConnectionState)
	closed  bool
}

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, onTrack TrackHandler) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebRTCConnection{
		pc:     pc,
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("module", "webrtc").Logger(),
	}

	// recvonly transceivers give every offer valid audio/video m-lines;
	// AddTrack later reuses them for sending
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			c.log.Warn().Err(err).Str("kind", kind.String()).Msg("add transceiver")
		}
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(mapConnectionState(s))
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(fromICEInit(cand.ToJSON()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if onTrack != nil {
			onTrack(c.ctx, track, receiver, c)
		}
	})

	return c, nil
}

func (c *WebRTCConnection) CreateOffer(context.Context) (domain.Description, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.Description{}, err
	}
	return domain.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *WebRTCConnection) CreateAnswer(context.Context) (domain.Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.Description{}, err
	}
	return domain.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *WebRTCConnection) SetRemoteDescription(d domain.Description) error {
	t := webrtc.NewSDPType(d.Type)
	if t == webrtc.SDPTypeUnknown {
		return fmt.Errorf("unknown sdp type %q", d.Type)
	}
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: d.SDP})
}

func (c *WebRTCConnection) AddICECandidate(cand domain.Candidate) error {
	return c.pc.AddICECandidate(toICEInit(cand))
}

func (c *WebRTCConnection) SignalingState() call.SignalingState {
	switch c.pc.SignalingState() {
	case webrtc.SignalingStateStable:
		return call.SignalingStable
	case webrtc.SignalingStateHaveLocalOffer:
		return call.SignalingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return call.SignalingHaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return call.SignalingClosed
	default:
		return call.SignalingState(c.pc.SignalingState().String())
	}
}

// AddStream attaches every local track of s. Streams without tracks are receive-only.
func (c *WebRTCConnection) AddStream(s call.Stream) error {
	src, ok := s.(TrackSource)
	if !ok {
		return nil
	}
	for _, track := range src.LocalTracks() {
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go drainRTCP(c.ctx, sender)
	}
	return nil
}

func (c *WebRTCConnection) OnICECandidate(fn func(domain.Candidate)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnConnectionStateChange(fn func(call.ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) WriteRTCP(pkts []rtcp.Packet) error {
	return c.pc.WriteRTCP(pkts)
}

func (c *WebRTCConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
		return err
	}
	c.log.Info().Msg("closed")
	return nil
}

// drainRTCP reads sender reports so interceptors (NACK, TWCC) keep working.
func drainRTCP(ctx context.Context, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for ctx.Err() == nil {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func mapConnectionState(s webrtc.PeerConnectionState) call.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return call.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return call.ConnClosed
	default:
		return call.ConnNew
	}
}

func toICEInit(c domain.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromICEInit(ci webrtc.ICECandidateInit) domain.Candidate {
	return domain.Candidate{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	}
}
