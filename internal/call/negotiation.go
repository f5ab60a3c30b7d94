package call

import (
	"context"

	"github.com/dkeye/Call/internal/domain"
)

func (s *Session) deliver(ctx context.Context, env domain.Envelope) {
	if s.state.Terminal() {
		return
	}
	if env.ConversationID != "" && env.ConversationID != s.opts.ConversationID {
		s.log.Debug().Str("other", string(env.ConversationID)).Msg("envelope for another conversation")
		return
	}
	if env.UserID == s.opts.LocalUser {
		s.log.Debug().Str("type", string(env.Type)).Msg("own echo ignored")
		return
	}

	switch env.Type {
	case domain.SignalIncoming:
		if s.opts.Role == Callee && s.state == Idle {
			s.setState(Ringing)
			return
		}
		s.log.Debug().Str("state", s.state.String()).Msg("incoming ignored")
	case domain.SignalAccepted:
		s.createOffer(ctx)
	case domain.SignalRejected:
		if s.opts.Role == Caller && s.state == Requesting {
			s.finish(ctx, Ended, "rejected by peer", false)
			return
		}
		s.log.Debug().Str("state", s.state.String()).Msg("rejected ignored")
	case domain.SignalOffer:
		s.handleOffer(ctx, env)
	case domain.SignalAnswer:
		s.handleAnswer(ctx, env)
	case domain.SignalCandidate:
		s.handleCandidate(env)
	case domain.SignalEnded:
		s.finish(ctx, Ended, "ended by peer", false)
	}
}

// createOffer runs at most once per session, for the caller, from Requesting.
func (s *Session) createOffer(ctx context.Context) {
	if s.opts.Role != Caller {
		s.log.Warn().Msg("callee never offers")
		return
	}
	if s.offerCreated || s.state != Requesting {
		s.log.Debug().Str("state", s.state.String()).Msg("duplicate accepted ignored")
		return
	}
	if st := s.conn.SignalingState(); st != SignalingStable {
		s.log.Warn().Str("signaling", string(st)).Msg("offer skipped, signaling not stable")
		return
	}
	s.offerCreated = true

	desc, err := s.conn.CreateOffer(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("create offer")
		s.finish(ctx, Failed, "offer failed", true)
		return
	}
	s.localDesc = &desc
	s.setState(Negotiating)
	s.armTimer()
	s.sendBestEffort(ctx, domain.SignalOffer, desc)
}

func (s *Session) handleOffer(ctx context.Context, env domain.Envelope) {
	if s.opts.Role != Callee || s.hasProcessedOffer {
		s.log.Debug().Msg("offer ignored")
		return
	}
	var desc domain.Description
	if err := env.Decode(&desc); err != nil || desc.SDP == "" {
		s.log.Warn().Err(err).Msg("malformed offer skipped")
		return
	}
	switch s.state {
	case Idle, Ringing:
		// not accepted yet; applied by Accept
		if s.deferredOffer == nil {
			s.deferredOffer = &desc
		}
	case Negotiating:
		s.applyOffer(ctx, desc)
	default:
		s.log.Debug().Str("state", s.state.String()).Msg("offer ignored")
	}
}

func (s *Session) applyOffer(ctx context.Context, desc domain.Description) {
	s.hasProcessedOffer = true
	if err := s.conn.SetRemoteDescription(desc); err != nil {
		s.log.Error().Err(err).Msg("apply offer")
		s.finish(ctx, Failed, "offer rejected by connectivity", true)
		return
	}
	s.remoteDesc = &desc
	s.flushCandidates()

	answer, err := s.conn.CreateAnswer(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("create answer")
		s.finish(ctx, Failed, "answer failed", true)
		return
	}
	s.localDesc = &answer
	s.sendBestEffort(ctx, domain.SignalAnswer, answer)
}

func (s *Session) handleAnswer(ctx context.Context, env domain.Envelope) {
	if s.opts.Role != Caller || s.hasProcessedAnswer {
		s.log.Debug().Msg("answer ignored")
		return
	}
	if s.localDesc == nil || s.conn == nil {
		s.log.Warn().Msg("answer before offer skipped")
		return
	}
	var desc domain.Description
	if err := env.Decode(&desc); err != nil || desc.SDP == "" {
		s.log.Warn().Err(err).Msg("malformed answer skipped")
		return
	}
	s.hasProcessedAnswer = true
	if err := s.conn.SetRemoteDescription(desc); err != nil {
		s.log.Error().Err(err).Msg("apply answer")
		s.finish(ctx, Failed, "answer rejected by connectivity", true)
		return
	}
	s.remoteDesc = &desc
	s.flushCandidates()
}

func (s *Session) handleCandidate(env domain.Envelope) {
	var c domain.Candidate
	if err := env.Decode(&c); err != nil || c.Candidate == "" {
		s.log.Debug().Err(err).Msg("empty candidate skipped")
		return
	}
	if s.remoteDesc == nil || s.conn == nil {
		s.pending = append(s.pending, c)
		return
	}
	if err := s.conn.AddICECandidate(c); err != nil {
		s.log.Warn().Err(err).Msg("candidate not applied")
	}
}

// flushCandidates applies queued candidates in arrival order, exactly once.
func (s *Session) flushCandidates() {
	queued := s.pending
	s.pending = nil
	for _, c := range queued {
		if err := s.conn.AddICECandidate(c); err != nil {
			s.log.Warn().Err(err).Msg("queued candidate not applied")
		}
	}
	if len(queued) > 0 {
		s.log.Debug().Int("count", len(queued)).Msg("flushed queued candidates")
	}
}

func (s *Session) observe(ctx context.Context, st ConnectionState) {
	s.connState = st
	if s.state.Terminal() {
		return
	}
	switch st {
	case ConnConnected:
		if s.state == Negotiating {
			s.stopTimer()
			s.setState(Connected)
		}
	case ConnDisconnected:
		s.log.Info().Msg("peer disconnected, waiting for recovery")
	case ConnFailed:
		s.finish(ctx, Failed, "connectivity failed", true)
	case ConnClosed:
		s.finish(ctx, Ended, "connectivity closed", true)
	}
}
