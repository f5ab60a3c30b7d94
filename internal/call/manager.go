package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/domain"
	"github.com/rs/zerolog/log"
)

type ManagerConfig struct {
	LocalUser          domain.UserID
	Transport          Transport
	Capturer           Capturer
	NewConnectivity    ConnectivityFactory
	NegotiationTimeout time.Duration
}

// IncomingCall is handed to OnIncoming handlers for a genuine inbound call.
type IncomingCall struct {
	Session *Session
	From    domain.UserID
	Video   bool
}

// Manager owns at most one session per conversation and routes inbound
// envelopes to it.
type Manager struct {
	cfg    ManagerConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[domain.ConversationID]*Session
	watches  map[domain.ConversationID]func()

	handlersMu sync.RWMutex
	incoming   []func(IncomingCall)
	states     []func(Snapshot)
}

// NewManager creates a manager whose sessions live until ctx is canceled or Close.
func NewManager(ctx context.Context, cfg ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[domain.ConversationID]*Session),
		watches:  make(map[domain.ConversationID]func()),
	}
}

func (m *Manager) OnIncoming(fn func(IncomingCall)) {
	m.handlersMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.handlersMu.Unlock()
}

// OnState observes state transitions of every session the manager creates.
func (m *Manager) OnState(fn func(Snapshot)) {
	m.handlersMu.Lock()
	m.states = append(m.states, fn)
	m.handlersMu.Unlock()
}

// Watch listens for calls on a conversation. Calling it twice is a no-op.
func (m *Manager) Watch(conv domain.ConversationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[conv]; ok {
		return nil
	}
	unsub, err := m.cfg.Transport.OnSignal(conv, func(env domain.Envelope) {
		m.dispatch(conv, env)
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", conv, err)
	}
	m.watches[conv] = unsub
	return nil
}

// Unwatch drops the call bindings of conv; other channel consumers are untouched.
func (m *Manager) Unwatch(conv domain.ConversationID) {
	m.mu.Lock()
	unsub, ok := m.watches[conv]
	delete(m.watches, conv)
	m.mu.Unlock()
	if ok {
		unsub()
	}
}

// Call starts an outgoing call on conv.
func (m *Manager) Call(ctx context.Context, conv domain.ConversationID, video bool) (*Session, error) {
	if err := m.Watch(conv); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if cur, ok := m.sessions[conv]; ok && !cur.Snapshot().State.Terminal() {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	s := m.spawnLocked(conv, Caller, video)
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		if _, ok := IsPermission(err); ok {
			// Idle session is useless; a retry is a fresh Call.
			_ = s.abandon(ctx)
		}
		return s, err
	}
	return s, nil
}

// Await blocks until conv has no live session and returns the last snapshot.
// A session replaced on glare is followed to its successor.
func (m *Manager) Await(ctx context.Context, conv domain.ConversationID) (Snapshot, error) {
	var (
		last Snapshot
		prev *Session
	)
	for {
		s, ok := m.Session(conv)
		if !ok || s == prev {
			return last, nil
		}
		select {
		case <-s.Done():
			last, prev = s.Snapshot(), s
		case <-ctx.Done():
			return s.Snapshot(), ctx.Err()
		}
	}
}

func (m *Manager) Session(conv domain.ConversationID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conv]
	return s, ok
}

// Close hangs up every session and drops all watches.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	watches := m.watches
	m.watches = make(map[domain.ConversationID]func())
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.End(context.Background())
	}
	m.cancel()
	for _, unsub := range watches {
		unsub()
	}
}

func (m *Manager) spawnLocked(conv domain.ConversationID, role Role, video bool) *Session {
	s := NewSession(Options{
		ConversationID:     conv,
		LocalUser:          m.cfg.LocalUser,
		Role:               role,
		Video:              video,
		NegotiationTimeout: m.cfg.NegotiationTimeout,
	}, m.cfg.Transport, m.cfg.Capturer, m.cfg.NewConnectivity)

	m.handlersMu.RLock()
	for _, fn := range m.states {
		s.OnStateChange(fn)
	}
	m.handlersMu.RUnlock()
	s.OnStateChange(func(snap Snapshot) {
		if snap.State.Terminal() {
			m.forget(conv, s)
		}
	})

	m.sessions[conv] = s
	go s.Run(m.ctx)
	return s
}

func (m *Manager) forget(conv domain.ConversationID, s *Session) {
	m.mu.Lock()
	if m.sessions[conv] == s {
		delete(m.sessions, conv)
	}
	m.mu.Unlock()
}

func (m *Manager) dispatch(conv domain.ConversationID, env domain.Envelope) {
	logger := log.With().Str("module", "call.manager").Str("conversation", string(conv)).Str("type", string(env.Type)).Logger()
	if env.UserID == m.cfg.LocalUser {
		logger.Debug().Msg("own echo dropped")
		return
	}
	if env.Type == domain.SignalIncoming {
		m.handleIncoming(conv, env)
		return
	}
	s, ok := m.Session(conv)
	if !ok {
		logger.Debug().Msg("no session, envelope dropped")
		return
	}
	s.Deliver(env)
}

func (m *Manager) handleIncoming(conv domain.ConversationID, env domain.Envelope) {
	logger := log.With().Str("module", "call.manager").Str("conversation", string(conv)).Str("from", string(env.UserID)).Logger()

	var inc domain.Incoming
	if err := env.Decode(&inc); err != nil {
		logger.Warn().Err(err).Msg("malformed incoming, treated as audio call")
	}

	m.mu.Lock()
	if cur, ok := m.sessions[conv]; ok && !cur.Snapshot().State.Terminal() {
		st := cur.Snapshot().State
		if cur.Role() != Caller || (st != Idle && st != Requesting) {
			m.mu.Unlock()
			logger.Info().Str("state", st.String()).Msg("busy, incoming ignored")
			return
		}
		if m.cfg.LocalUser.Less(env.UserID) {
			m.mu.Unlock()
			logger.Info().Msg("glare: keeping caller role")
			return
		}
		// glare: the peer keeps the caller role, we answer its call instead
		logger.Info().Msg("glare: yielding caller role")
		callee := m.spawnLocked(conv, Callee, inc.Video)
		m.mu.Unlock()
		callee.Deliver(env)
		go func() {
			_ = cur.abandon(m.ctx)
			if err := callee.Accept(m.ctx); err != nil {
				logger.Error().Err(err).Msg("glare auto-accept failed")
				_ = callee.End(m.ctx)
			}
		}()
		return
	}
	callee := m.spawnLocked(conv, Callee, inc.Video)
	m.mu.Unlock()

	callee.Deliver(env)

	m.handlersMu.RLock()
	handlers := make([]func(IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.handlersMu.RUnlock()
	ic := IncomingCall{Session: callee, From: env.UserID, Video: inc.Video}
	for _, fn := range handlers {
		fn(ic)
	}
}
