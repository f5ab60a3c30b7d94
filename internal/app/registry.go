package app

import (
	"context"
	"slices"
	"sync"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/rs/zerolog/log"
)

type socketEntry struct {
	Subscriber core.Subscriber
	Channels   map[string]struct{}
	Cancel     context.CancelFunc
}

// Registry tracks live sockets and the channels each one subscribed to.
type Registry struct {
	mu      sync.RWMutex
	sockets map[core.SocketID]*socketEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sockets: make(map[core.SocketID]*socketEntry),
	}
}

func (r *Registry) Bind(sid core.SocketID, sub core.Subscriber, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets[sid] = &socketEntry{
		Subscriber: sub,
		Channels:   make(map[string]struct{}),
		Cancel:     cancel,
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(sub.User().ID)).Msg("bound socket")
}

func (r *Registry) Get(sid core.SocketID) (core.Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sockets[sid]; ok {
		return e.Subscriber, true
	}
	return nil, false
}

// Unbind forgets the socket and returns the channels it was still subscribed to.
func (r *Registry) Unbind(sid core.SocketID) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sockets[sid]
	if !ok {
		return nil, false
	}
	delete(r.sockets, sid)
	out := make([]string, 0, len(e.Channels))
	for name := range e.Channels {
		out = append(out, name)
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Int("channels", len(out)).Msg("unbind socket")
	return out, true
}

func (r *Registry) AddChannel(sid core.SocketID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sockets[sid]
	if !ok {
		return false
	}
	e.Channels[name] = struct{}{}
	return true
}

func (r *Registry) RemoveChannel(sid core.SocketID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sockets[sid]; ok {
		delete(e.Channels, name)
	}
}

func (r *Registry) ChannelsOf(sid core.SocketID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sockets[sid]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.Channels))
	for name := range e.Channels {
		out = append(out, name)
	}
	return out
}

// OnlineUsers lists every user holding at least one live socket, sorted.
func (r *Registry) OnlineUsers() []domain.UserID {
	r.mu.RLock()
	seen := make(map[domain.UserID]struct{}, len(r.sockets))
	for _, e := range r.sockets {
		seen[e.Subscriber.User().ID] = struct{}{}
	}
	r.mu.RUnlock()

	out := make([]domain.UserID, 0, len(seen))
	for uid := range seen {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

func (r *Registry) Cancel(sid core.SocketID) bool {
	r.mu.RLock()
	e, ok := r.sockets[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled socket")
	return true
}
