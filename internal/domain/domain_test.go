package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelNameRoundTrip(t *testing.T) {
	name := ChannelName("private", "c-42")
	assert.Equal(t, "private-conversation-c-42", name)

	id, err := ParseChannelName("private", name)
	require.NoError(t, err)
	assert.Equal(t, ConversationID("c-42"), id)

	for _, bad := range []string{"", "private-conversation-", "presence-conversation-c1", "private-room-c1"} {
		_, err := ParseChannelName("private", bad)
		assert.ErrorIs(t, err, ErrBadChannel, bad)
	}
}

func TestParseSignalType(t *testing.T) {
	cases := []struct {
		in   string
		want SignalType
		ok   bool
	}{
		{"offer", SignalOffer, true},
		{"call:answer", SignalAnswer, true},
		{"ice-candidate", SignalCandidate, true},
		{"call:ended", SignalEnded, true},
		{"hangup", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSignalType(tc.in)
			if !tc.ok {
				assert.ErrorIs(t, err, ErrUnknownSignal)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseEventRejectsChatEvents(t *testing.T) {
	got, err := ParseEvent("call:incoming")
	require.NoError(t, err)
	assert.Equal(t, SignalIncoming, got)

	for _, ev := range []string{"typing:start", "message:read", "offer"} {
		_, err := ParseEvent(ev)
		assert.ErrorIs(t, err, ErrUnknownSignal, ev)
	}
	assert.Equal(t, "call:ice-candidate", SignalCandidate.Event())
}

func TestEnvelopeDecode(t *testing.T) {
	env := Envelope{Type: SignalCandidate, Payload: json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`)}
	var c Candidate
	require.NoError(t, env.Decode(&c))
	require.NotNil(t, c.SDPMid)
	assert.Equal(t, "0", *c.SDPMid)
	require.NotNil(t, c.SDPMLineIndex)
	assert.Zero(t, *c.SDPMLineIndex)

	empty := Envelope{Type: SignalEnded, Payload: json.RawMessage("null")}
	var d Description
	assert.NoError(t, empty.Decode(&d))
	assert.Empty(t, d.SDP)
}

func TestUserIDOrderAndValidation(t *testing.T) {
	assert.True(t, UserID("alice").Less("bob"))
	assert.False(t, UserID("bob").Less("alice"))
	assert.False(t, UserID("bob").Less("bob"))

	assert.ErrorIs(t, UserID("").Validate(), ErrUserIDEmpty)
	long := make([]byte, MaxUserIDLen+1)
	for i := range long {
		long[i] = 'x'
	}
	assert.ErrorIs(t, UserID(long).Validate(), ErrUserIDTooLong)
	assert.NoError(t, UserID("alice").Validate())
}

func TestConversationPeer(t *testing.T) {
	c := Conversation{ID: "c1", Members: []UserID{"alice", "bob"}}
	peer, ok := c.Peer("alice")
	require.True(t, ok)
	assert.Equal(t, UserID("bob"), peer)

	_, ok = c.Peer("mallory")
	assert.False(t, ok)
	assert.True(t, c.Has("bob"))
}

func TestNewUser(t *testing.T) {
	u, err := NewUser("alice")
	require.NoError(t, err)
	assert.NoError(t, u.ID.Validate())
	assert.Equal(t, "alice", u.Username)

	_, err = NewUser("")
	assert.ErrorIs(t, err, ErrUsernameEmpty)
	_, err = NewUser("a-name-that-is-way-too-long-for-the-relay")
	assert.ErrorIs(t, err, ErrUsernameTooLong)
}
