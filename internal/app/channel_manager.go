package app

import (
	"sync"

	"github.com/dkeye/Call/internal/core"
)

type ChannelManagerImpl struct {
	mu       sync.RWMutex
	channels map[string]core.ChannelService
}

func NewChannelManager() core.ChannelManager {
	return &ChannelManagerImpl{channels: make(map[string]core.ChannelService)}
}

func (f *ChannelManagerImpl) Join(name string, sid core.SocketID, s core.Subscriber) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[name]
	if !ok {
		ch = core.NewChannelService(name)
		f.channels[name] = ch
	}
	if ch.Has(sid) {
		return false
	}
	ch.AddSubscriber(sid, s)
	return true
}

func (f *ChannelManagerImpl) Get(name string) (core.ChannelService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ch, ok := f.channels[name]
	return ch, ok
}

func (f *ChannelManagerImpl) List() []core.ChannelInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.ChannelInfo, 0, len(f.channels))
	for name, ch := range f.channels {
		out = append(out, core.ChannelInfo{Name: name, SubscriberCount: ch.SubscriberCount()})
	}
	return out
}

func (f *ChannelManagerImpl) Drop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[name]; ok && ch.SubscriberCount() == 0 {
		delete(f.channels, name)
	}
}
