package core

import (
	"context"

	"github.com/dkeye/Call/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []SocketID
}

// SubscriberDTO is a read-only view for APIs (no transport fields).
type SubscriberDTO struct {
	Socket   SocketID      `json:"socket"`
	ID       domain.UserID `json:"id"`
	Username string        `json:"username"`
}

// ChannelService is the core-facing API of one relay channel.
// It owns the subscriber set but never touches transport resources.
type ChannelService interface {
	Name() string
	SubscriberCount() int
	SubscribersSnapshot() []SubscriberDTO

	Has(sid SocketID) bool
	AddSubscriber(sid SocketID, s Subscriber)
	RemoveSubscriber(sid SocketID) bool
	Broadcast(from SocketID, data Frame) PublishResult
}

type ChannelInfo struct {
	Name            string `json:"name"`
	SubscriberCount int    `json:"subscriber_count"`
}

type ChannelManager interface {
	// Join adds sid to the channel, creating it, atomically with respect to
	// Drop. It reports false when sid was already subscribed.
	Join(name string, sid SocketID, s Subscriber) bool
	Get(name string) (ChannelService, bool)
	List() []ChannelInfo
	// Drop removes the channel if nobody is subscribed anymore.
	Drop(name string)
}

// MembershipStore answers who may publish to and subscribe on a conversation.
type MembershipStore interface {
	Conversation(ctx context.Context, id domain.ConversationID) (*domain.Conversation, error)
	IsMember(ctx context.Context, id domain.ConversationID, uid domain.UserID) (bool, error)
}
