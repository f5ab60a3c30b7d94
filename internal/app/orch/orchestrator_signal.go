package orch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// authKey is the public half of a channel authorization string.
const authKey = "call"

// PublishSignal republishes one call signal on the conversation channel,
// stamped with the sender identity, a fresh envelope id and the relay time.
func (o *Orchestrator) PublishSignal(
	ctx context.Context,
	sender domain.UserID,
	conv domain.ConversationID,
	t domain.SignalType,
	data json.RawMessage,
	exclude core.SocketID,
) (domain.Envelope, error) {
	if conv == "" || !t.Valid() {
		return domain.Envelope{}, fmt.Errorf("%w: conversationId and type are required", domain.ErrBadRequest)
	}
	if err := o.requireMember(ctx, conv, sender); err != nil {
		return domain.Envelope{}, err
	}
	exclude = o.ownSocket(sender, exclude)

	env := domain.Envelope{
		ID:             uuid.NewString(),
		ConversationID: conv,
		Type:           t,
		Payload:        data,
		UserID:         sender,
		Timestamp:      time.Now().UnixMilli(),
	}
	channel := domain.ChannelName(o.Prefix, conv)
	res, err := o.Publish(channel, t.Event(), env, exclude)
	if err != nil {
		return domain.Envelope{}, err
	}
	if o.Metrics != nil {
		o.Metrics.Signals.WithLabelValues(string(t)).Inc()
	}
	log.Info().
		Str("module", "orch").
		Str("conversation", string(conv)).
		Str("user", string(sender)).
		Str("type", string(t)).
		Int("sent_to", res.SendTo).
		Msg("signal relayed")
	return env, nil
}

// PublishChat relays a non-call event (typing, read receipts) on the same channel.
func (o *Orchestrator) PublishChat(ctx context.Context, sender domain.UserID, conv domain.ConversationID, event string, data any) error {
	if conv == "" || event == "" {
		return fmt.Errorf("%w: conversationId and event are required", domain.ErrBadRequest)
	}
	if _, err := domain.ParseEvent(event); err == nil {
		return fmt.Errorf("%w: call events go through the signal endpoint", domain.ErrBadRequest)
	}
	if err := o.requireMember(ctx, conv, sender); err != nil {
		return err
	}
	_, err := o.Publish(domain.ChannelName(o.Prefix, conv), event, data, "")
	return err
}

// AuthorizeChannel signs (socket, channel) for a conversation member, the
// way the hosted relay's auth endpoint does.
func (o *Orchestrator) AuthorizeChannel(ctx context.Context, uid domain.UserID, sid core.SocketID, channel string) (string, error) {
	if sid == "" || channel == "" {
		return "", fmt.Errorf("%w: socket_id and channel_name are required", domain.ErrBadRequest)
	}
	conv, err := domain.ParseChannelName(o.Prefix, channel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	if err := o.requireMember(ctx, conv, uid); err != nil {
		return "", err
	}
	return authKey + ":" + o.sign(sid, channel), nil
}

// ownSocket returns exclude when that socket belongs to sender, "" otherwise.
func (o *Orchestrator) ownSocket(sender domain.UserID, exclude core.SocketID) core.SocketID {
	if exclude == "" {
		return ""
	}
	sub, ok := o.Registry.Get(exclude)
	if !ok || sub.User().ID != sender {
		log.Warn().Str("module", "orch").Str("user", string(sender)).Str("sid", string(exclude)).Msg("exclude socket not owned by sender, ignored")
		return ""
	}
	return exclude
}

func (o *Orchestrator) requireMember(ctx context.Context, conv domain.ConversationID, uid domain.UserID) error {
	ok, err := o.Members.IsMember(ctx, conv, uid)
	if err != nil {
		return fmt.Errorf("membership lookup: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: not a member of this conversation", domain.ErrForbidden)
	}
	return nil
}

func (o *Orchestrator) sign(sid core.SocketID, channel string) string {
	mac := hmac.New(sha256.New, o.Secret)
	mac.Write([]byte(string(sid) + ":" + channel))
	return hex.EncodeToString(mac.Sum(nil))
}

func (o *Orchestrator) verify(sid core.SocketID, channel, auth string) bool {
	key, sig, ok := strings.Cut(auth, ":")
	if !ok || key != authKey {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(o.sign(sid, channel)))
}
