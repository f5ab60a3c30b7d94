package domain

import (
	"errors"
	"strings"
)

const channelInfix = "-conversation-"

var ErrBadChannel = errors.New("not a conversation channel")

type ConversationID string

// ChannelName is the relay channel shared by chat, typing, read receipts and
// call signaling of one conversation: <prefix>-conversation-<id>.
func ChannelName(prefix string, id ConversationID) string {
	return prefix + channelInfix + string(id)
}

// ParseChannelName recovers the conversation id from a channel name built
// with the same prefix.
func ParseChannelName(prefix, channel string) (ConversationID, error) {
	rest, ok := strings.CutPrefix(channel, prefix+channelInfix)
	if !ok || rest == "" {
		return "", ErrBadChannel
	}
	return ConversationID(rest), nil
}

type Conversation struct {
	ID      ConversationID `json:"id"`
	Members []UserID       `json:"members"`
}

// Has reports whether uid takes part in the conversation.
func (c *Conversation) Has(uid UserID) bool {
	for _, m := range c.Members {
		if m == uid {
			return true
		}
	}
	return false
}

// Peer returns the other participant of a two-party conversation.
func (c *Conversation) Peer(uid UserID) (UserID, bool) {
	if !c.Has(uid) {
		return "", false
	}
	for _, m := range c.Members {
		if m != uid {
			return m, true
		}
	}
	return "", false
}
