package core

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// channelImpl is a threadsafe in-memory channel.
// It never closes adapter-owned resources.
type channelImpl struct {
	name  string
	mu    sync.RWMutex
	bySID map[SocketID]Subscriber
}

func NewChannelService(name string) ChannelService {
	return &channelImpl{
		name:  name,
		bySID: make(map[SocketID]Subscriber),
	}
}

func (c *channelImpl) Name() string { return c.name }

func (c *channelImpl) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySID)
}

func (c *channelImpl) Has(sid SocketID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.bySID[sid]
	return ok
}

func (c *channelImpl) AddSubscriber(sid SocketID, s Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bySID[sid] = s
	log.Info().Str("module", "core.channel").Str("channel", c.name).Str("sid", string(sid)).Str("user", string(s.User().ID)).Msg("subscriber added")
}

func (c *channelImpl) RemoveSubscriber(sid SocketID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bySID[sid]; !ok {
		return false
	}
	delete(c.bySID, sid)
	log.Info().Str("module", "core.channel").Str("channel", c.name).Str("sid", string(sid)).Msg("subscriber removed")
	return true
}

func (c *channelImpl) Broadcast(from SocketID, data Frame) PublishResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := PublishResult{}
	for sid, s := range c.bySID {
		if sid == from {
			continue
		}
		if err := s.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, sid)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.channel").Str("channel", c.name).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (c *channelImpl) SubscribersSnapshot() []SubscriberDTO {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SubscriberDTO, 0, len(c.bySID))
	for sid, s := range c.bySID {
		u := s.User()
		out = append(out, SubscriberDTO{Socket: sid, ID: u.ID, Username: u.Username})
	}
	return out
}
