package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/rs/zerolog/log"
)

// Subscribe attaches a connected socket to a conversation channel after
// checking the authorization issued by AuthorizeChannel.
func (o *Orchestrator) Subscribe(sid core.SocketID, channel, auth string) error {
	sub, ok := o.Registry.Get(sid)
	if !ok {
		return fmt.Errorf("%w: unknown socket", domain.ErrNotFound)
	}
	if _, err := domain.ParseChannelName(o.Prefix, channel); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	if !o.verify(sid, channel, auth) {
		return fmt.Errorf("%w: bad channel authorization", domain.ErrForbidden)
	}

	if !o.Channels.Join(channel, sid, sub) {
		return nil
	}
	o.Registry.AddChannel(sid, channel)
	if o.Metrics != nil {
		o.Metrics.Subscriptions.Inc()
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("channel", channel).Msg("subscribed")
	return nil
}

// Unsubscribe detaches the socket from one channel only.
func (o *Orchestrator) Unsubscribe(sid core.SocketID, channel string) {
	o.Registry.RemoveChannel(sid, channel)
	ch, ok := o.Channels.Get(channel)
	if !ok {
		return
	}
	if ch.RemoveSubscriber(sid) && o.Metrics != nil {
		o.Metrics.Subscriptions.Dec()
	}
	o.Channels.Drop(channel)
}

// Connect registers a freshly upgraded socket.
func (o *Orchestrator) Connect(sid core.SocketID, sub core.Subscriber, cancel context.CancelFunc) {
	o.Registry.Bind(sid, sub, cancel)
	if o.Metrics != nil {
		o.Metrics.Sockets.Inc()
	}
}

// Disconnect removes the socket from every channel it joined. Safe to call twice.
func (o *Orchestrator) Disconnect(sid core.SocketID) {
	channels, ok := o.Registry.Unbind(sid)
	if !ok {
		return
	}
	for _, name := range channels {
		o.Unsubscribe(sid, name)
	}
	if o.Metrics != nil {
		o.Metrics.Sockets.Dec()
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("disconnected")
}
