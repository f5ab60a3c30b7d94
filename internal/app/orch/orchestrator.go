package orch

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/internal/metrics"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Channels core.ChannelManager
	Policy   app.Policy
	Members  core.MembershipStore
	Metrics  *metrics.Relay

	// Prefix is the channel namespace, e.g. "private".
	Prefix string
	// Secret signs channel authorizations.
	Secret []byte
}

// Publish fans one event out to every subscriber of channel except `from`.
func (o *Orchestrator) Publish(channel, event string, data any, from core.SocketID) (core.PublishResult, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return core.PublishResult{}, fmt.Errorf("marshal event data: %w", err)
	}
	frame, err := json.Marshal(domain.RelayFrame{
		Type:    domain.FrameEvent,
		Channel: channel,
		Event:   event,
		Data:    raw,
	})
	if err != nil {
		return core.PublishResult{}, fmt.Errorf("marshal frame: %w", err)
	}
	if o.Metrics != nil {
		o.Metrics.Events.Inc()
	}

	ch, ok := o.Channels.Get(channel)
	if !ok {
		// Nobody listens; the relay is a pass-through, not a mailbox.
		log.Debug().Str("module", "orch").Str("channel", channel).Str("event", event).Msg("publish to empty channel")
		return core.PublishResult{}, nil
	}
	res := ch.Broadcast(from, frame)
	o.onDropped(ch, res.Dropped)
	return res, nil
}

func (o *Orchestrator) onDropped(ch core.ChannelService, dropped []core.SocketID) {
	if len(dropped) == 0 {
		return
	}
	if o.Metrics != nil {
		o.Metrics.Dropped.Add(float64(len(dropped)))
	}
	if o.Policy == nil {
		return
	}
	for _, sid := range dropped {
		switch o.Policy.OnBackPressure(ch, sid) {
		case app.KickSubscriber:
			log.Warn().Str("module", "orch").Str("channel", ch.Name()).Str("sid", string(sid)).Msg("kicking slow subscriber")
			o.Registry.Cancel(sid)
			o.Disconnect(sid)
		case app.DropFrame, app.NoAction:
		}
	}
}
