package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	eventBuffer = 64
	sendTimeout = 5 * time.Second
)

type eventKind int

const (
	evStart eventKind = iota
	evAccept
	evReject
	evEnd
	evAbandon
	evEnvelope
	evLocalCandidate
	evConnState
	evTimeout
	evBarrier
)

type event struct {
	kind  eventKind
	ctx   context.Context
	env   domain.Envelope
	cand  domain.Candidate
	conn  ConnectionState
	gen   int
	reply chan error
}

// Session is a single-owner state machine for one call. Run owns every field
// below the loop marker; other goroutines only post events.
type Session struct {
	opts      Options
	transport Transport
	capturer  Capturer
	newConn   ConnectivityFactory
	log       zerolog.Logger

	events chan event
	done   chan struct{}

	snapMu    sync.RWMutex
	snap      Snapshot
	listeners []func(Snapshot)

	// loop
	state              State
	conn               Connectivity
	stream             Stream
	localDesc          *domain.Description
	remoteDesc         *domain.Description
	deferredOffer      *domain.Description
	pending            []domain.Candidate
	hasProcessedOffer  bool
	hasProcessedAnswer bool
	offerCreated       bool
	connState          ConnectionState
	timer              *time.Timer
	timerGen           int
	reason             string
}

// NewSession builds an Idle session. A nil capturer means receive-only.
func NewSession(opts Options, transport Transport, capturer Capturer, newConn ConnectivityFactory) *Session {
	s := &Session{
		opts:      opts,
		transport: transport,
		capturer:  capturer,
		newConn:   newConn,
		events:    make(chan event, eventBuffer),
		done:      make(chan struct{}),
		state:     Idle,
		connState: ConnNew,
		log: log.With().
			Str("module", "call").
			Str("conversation", string(opts.ConversationID)).
			Str("role", opts.Role.String()).
			Logger(),
	}
	s.snap = s.snapshot()
	return s
}

// OnStateChange registers fn for every state transition. Register before Run.
// fn runs on the session loop and must not call back into the session synchronously.
func (s *Session) OnStateChange(fn func(Snapshot)) {
	s.listeners = append(s.listeners, fn)
}

func (s *Session) ConversationID() domain.ConversationID { return s.opts.ConversationID }
func (s *Session) Role() Role                            { return s.opts.Role }

// Done is closed once the session reached a terminal state and Run returned.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Run processes events until the session is terminal or ctx is canceled.
// Cancellation tears the call down like End.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			if !s.state.Terminal() {
				s.finish(ctx, Ended, "canceled", true)
				s.publish()
			}
			s.drain()
			return
		case ev := <-s.events:
			err := s.handle(ctx, ev)
			s.publish()
			if ev.reply != nil {
				ev.reply <- err
			}
			if s.state.Terminal() {
				s.drain()
				return
			}
		}
	}
}

// Start rings the peer: acquires media, sends incoming and enters Requesting.
// A *PermissionError leaves the session Idle.
func (s *Session) Start(ctx context.Context) error {
	return s.call(ctx, event{kind: evStart, ctx: ctx})
}

// Accept answers a ringing call. A *PermissionError leaves the session Ringing.
func (s *Session) Accept(ctx context.Context) error {
	return s.call(ctx, event{kind: evAccept, ctx: ctx})
}

func (s *Session) Reject(ctx context.Context) error {
	return s.call(ctx, event{kind: evReject, ctx: ctx})
}

// End hangs up. Safe to call any number of times.
func (s *Session) End(ctx context.Context) error {
	err := s.call(ctx, event{kind: evEnd, ctx: ctx})
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// Deliver queues an inbound envelope. It never blocks past session teardown.
func (s *Session) Deliver(env domain.Envelope) {
	s.post(event{kind: evEnvelope, env: env})
}

// abandon drops the session without telling the peer.
func (s *Session) abandon(ctx context.Context) error {
	err := s.call(ctx, event{kind: evAbandon})
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// sync waits until every event posted before it has been handled.
func (s *Session) sync(ctx context.Context) error {
	return s.call(ctx, event{kind: evBarrier})
}

func (s *Session) post(ev event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) call(ctx context.Context, ev event) error {
	ev.reply = make(chan error, 1)
	if !s.post(ev) {
		return ErrSessionClosed
	}
	select {
	case err := <-ev.reply:
		return err
	case <-s.done:
		select {
		case err := <-ev.reply:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) drain() {
	for {
		select {
		case ev := <-s.events:
			if ev.reply != nil {
				ev.reply <- ErrSessionClosed
			}
		default:
			return
		}
	}
}

// handle applies one event. The returned error answers ev.reply, if any.
func (s *Session) handle(ctx context.Context, ev event) error {
	opCtx := ctx
	if ev.ctx != nil {
		opCtx = ev.ctx
	}
	switch ev.kind {
	case evStart:
		return s.start(opCtx)
	case evAccept:
		return s.accept(opCtx)
	case evReject:
		return s.reject(opCtx)
	case evEnd:
		if !s.state.Terminal() {
			s.finish(opCtx, Ended, "hung up", true)
		}
	case evAbandon:
		if !s.state.Terminal() {
			s.finish(ctx, Ended, "abandoned", false)
		}
	case evEnvelope:
		s.deliver(ctx, ev.env)
	case evLocalCandidate:
		if !s.state.Terminal() {
			s.sendBestEffort(ctx, domain.SignalCandidate, ev.cand)
		}
	case evConnState:
		s.observe(ctx, ev.conn)
	case evTimeout:
		if ev.gen == s.timerGen && s.state == Negotiating {
			s.log.Warn().Dur("timeout", s.opts.NegotiationTimeout).Msg("negotiation timed out")
			s.finish(ctx, Failed, "negotiation timeout", true)
		}
	case evBarrier:
	}
	return nil
}

func (s *Session) start(ctx context.Context) error {
	if s.opts.Role != Caller || s.state != Idle {
		return fmt.Errorf("%w: start from %s as %s", ErrInvalidState, s.state, s.opts.Role)
	}
	if err := s.prepare(ctx); err != nil {
		return err
	}
	incoming := domain.Incoming{InitiatorID: s.opts.LocalUser, Video: s.opts.Video}
	if err := s.send(ctx, domain.SignalIncoming, incoming); err != nil {
		s.finish(ctx, Failed, "incoming not delivered", false)
		return fmt.Errorf("send incoming: %w", err)
	}
	s.setState(Requesting)
	return nil
}

func (s *Session) accept(ctx context.Context) error {
	if s.opts.Role != Callee || s.state != Ringing {
		return fmt.Errorf("%w: accept from %s as %s", ErrInvalidState, s.state, s.opts.Role)
	}
	if err := s.prepare(ctx); err != nil {
		return err
	}
	if err := s.send(ctx, domain.SignalAccepted, nil); err != nil {
		s.finish(ctx, Failed, "accepted not delivered", false)
		return fmt.Errorf("send accepted: %w", err)
	}
	s.setState(Negotiating)
	s.armTimer()

	if offer := s.deferredOffer; offer != nil {
		s.deferredOffer = nil
		s.applyOffer(ctx, *offer)
	}
	return nil
}

func (s *Session) reject(ctx context.Context) error {
	if s.opts.Role != Callee || s.state != Ringing {
		return fmt.Errorf("%w: reject from %s as %s", ErrInvalidState, s.state, s.opts.Role)
	}
	s.sendBestEffort(ctx, domain.SignalRejected, nil)
	s.finish(ctx, Ended, "rejected", false)
	return nil
}

// prepare acquires media and the connectivity object. On error nothing is kept.
func (s *Session) prepare(ctx context.Context) error {
	var stream Stream
	if s.capturer != nil {
		st, err := s.capturer.Acquire(ctx, s.opts.Video)
		if err != nil {
			s.log.Warn().Err(err).Msg("media not acquired")
			return err
		}
		stream = st
	}
	conn, err := s.newConn()
	if err != nil {
		if stream != nil {
			stream.Stop()
		}
		return fmt.Errorf("create connectivity: %w", err)
	}
	if stream != nil {
		if err := conn.AddStream(stream); err != nil {
			stream.Stop()
			_ = conn.Close()
			return fmt.Errorf("attach local media: %w", err)
		}
	}
	conn.OnICECandidate(func(c domain.Candidate) {
		s.post(event{kind: evLocalCandidate, cand: c})
	})
	conn.OnConnectionStateChange(func(st ConnectionState) {
		s.post(event{kind: evConnState, conn: st})
	})
	s.stream = stream
	s.conn = conn
	return nil
}

// finish releases media and connectivity first, then optionally notifies the peer.
func (s *Session) finish(ctx context.Context, st State, reason string, notify bool) {
	s.release()
	s.stopTimer()
	s.reason = reason
	s.setState(st)
	if notify {
		s.sendBestEffort(ctx, domain.SignalEnded, nil)
	}
}

func (s *Session) release() {
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Debug().Err(err).Msg("connectivity close")
		}
		s.conn = nil
	}
	s.pending = nil
	s.deferredOffer = nil
}

func (s *Session) send(ctx context.Context, t domain.SignalType, payload any) error {
	return s.transport.SendSignal(ctx, s.opts.ConversationID, t, payload)
}

// sendBestEffort survives a canceled ctx so teardown can still notify the peer.
func (s *Session) sendBestEffort(ctx context.Context, t domain.SignalType, payload any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := s.send(ctx, t, payload); err != nil {
		s.log.Warn().Err(err).Str("type", string(t)).Msg("signal not delivered")
	}
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.log.Info().Str("from", s.state.String()).Str("to", st.String()).Msg("state")
	s.state = st
}

func (s *Session) armTimer() {
	s.stopTimer()
	if s.opts.NegotiationTimeout <= 0 {
		return
	}
	gen := s.timerGen
	s.timer = time.AfterFunc(s.opts.NegotiationTimeout, func() {
		s.post(event{kind: evTimeout, gen: gen})
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ConversationID:     s.opts.ConversationID,
		Role:               s.opts.Role,
		State:              s.state,
		Connection:         s.connState,
		LocalDescription:   s.localDesc,
		RemoteDescription:  s.remoteDesc,
		PendingCandidates:  len(s.pending),
		HasProcessedOffer:  s.hasProcessedOffer,
		HasProcessedAnswer: s.hasProcessedAnswer,
		Reason:             s.reason,
	}
}

func (s *Session) publish() {
	snap := s.snapshot()
	s.snapMu.Lock()
	prev := s.snap.State
	s.snap = snap
	s.snapMu.Unlock()
	if prev == snap.State {
		return
	}
	for _, fn := range s.listeners {
		fn(snap)
	}
}
