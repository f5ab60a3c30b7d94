package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	s     *Session
	tr    *fakeTransport
	conns *connPool
	media *fakeCapturer

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, role Role, timeout time.Duration) *harness {
	t.Helper()
	self := domain.UserID("alice")
	if role == Callee {
		self = "bob"
	}
	return newHarnessAs(t, self, role, timeout)
}

func newHarnessAs(t *testing.T, self domain.UserID, role Role, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		tr:    newFakeTransport(self),
		conns: &connPool{},
		media: &fakeCapturer{},
	}
	h.s = NewSession(Options{
		ConversationID:     "c1",
		LocalUser:          self,
		Role:               role,
		NegotiationTimeout: timeout,
	}, h.tr, h.media, h.conns.factory)
	h.s.OnStateChange(func(snap Snapshot) {
		h.mu.Lock()
		h.states = append(h.states, snap.State)
		h.mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.s.Run(ctx)
	return h
}

func (h *harness) visited() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func (h *harness) deliver(t *testing.T, envs ...domain.Envelope) {
	t.Helper()
	for _, env := range envs {
		h.s.Deliver(env)
	}
	h.settle(t)
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := h.s.sync(ctx)
	if err != nil {
		require.ErrorIs(t, err, ErrSessionClosed)
	}
}

func candidate(s string) domain.Candidate { return domain.Candidate{Candidate: s} }

func offer() domain.Description  { return domain.Description{Type: "offer", SDP: "v=0..."} }
func answer() domain.Description { return domain.Description{Type: "answer", SDP: "v=0..."} }

// ringingCallee returns a callee that accepted and sits in Negotiating.
func ringingCallee(t *testing.T) *harness {
	h := newHarness(t, Callee, 0)
	h.deliver(t, envelope("alice", domain.SignalIncoming, domain.Incoming{InitiatorID: "alice"}))
	require.Equal(t, Ringing, h.s.Snapshot().State)
	return h
}

func requestingCaller(t *testing.T, timeout time.Duration) *harness {
	h := newHarness(t, Caller, timeout)
	require.NoError(t, h.s.Start(context.Background()))
	require.Equal(t, Requesting, h.s.Snapshot().State)
	return h
}

func TestCallerStart(t *testing.T) {
	h := requestingCaller(t, 0)
	assert.Equal(t, []domain.SignalType{domain.SignalIncoming}, h.tr.sentTypes())

	h.tr.mu.Lock()
	inc, ok := h.tr.sent[0].Payload.(domain.Incoming)
	h.tr.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, domain.UserID("alice"), inc.InitiatorID)

	assert.ErrorIs(t, h.s.Start(context.Background()), ErrInvalidState, "second start")
	assert.ErrorIs(t, h.s.Accept(context.Background()), ErrInvalidState, "caller cannot accept")
}

func TestPermissionErrorKeepsState(t *testing.T) {
	t.Run("caller", func(t *testing.T) {
		h := newHarness(t, Caller, 0)
		h.media.setErr(&PermissionError{Kind: PermissionDenied})

		err := h.s.Start(context.Background())
		pe, ok := IsPermission(err)
		require.True(t, ok)
		assert.Equal(t, PermissionDenied, pe.Kind)
		assert.Equal(t, Idle, h.s.Snapshot().State)
		assert.Empty(t, h.tr.sentTypes())
		assert.Nil(t, h.conns.last(), "no connectivity without media")

		h.media.setErr(nil)
		require.NoError(t, h.s.Start(context.Background()), "retry is a fresh user action")
		assert.Equal(t, Requesting, h.s.Snapshot().State)
	})

	t.Run("callee", func(t *testing.T) {
		h := ringingCallee(t)
		h.media.setErr(&PermissionError{Kind: PermissionBusy})

		_, ok := IsPermission(h.s.Accept(context.Background()))
		require.True(t, ok)
		assert.Equal(t, Ringing, h.s.Snapshot().State)
		assert.Zero(t, h.tr.count(domain.SignalAccepted))
	})
}

func TestSelfEchoSuppressed(t *testing.T) {
	h := newHarnessAs(t, "alice", Callee, 0)
	h.deliver(t, envelope("alice", domain.SignalIncoming, domain.Incoming{InitiatorID: "alice"}))
	assert.Equal(t, Idle, h.s.Snapshot().State, "own incoming never rings")

	c := requestingCaller(t, 0)
	c.deliver(t, envelope("alice", domain.SignalIncoming, domain.Incoming{InitiatorID: "alice"}))
	assert.Equal(t, Requesting, c.s.Snapshot().State)
}

func TestCreateOfferOnlyOnce(t *testing.T) {
	h := requestingCaller(t, 0)
	h.deliver(t,
		envelope("bob", domain.SignalAccepted, nil),
		envelope("bob", domain.SignalAccepted, nil),
	)
	offers, _, _, _ := h.conns.last().stats()
	assert.Equal(t, 1, offers)
	assert.Equal(t, 1, h.tr.count(domain.SignalOffer))
	assert.Equal(t, Negotiating, h.s.Snapshot().State)
}

func TestCreateOfferSkippedWhenNotStable(t *testing.T) {
	h := requestingCaller(t, 0)
	conn := h.conns.last()
	conn.mu.Lock()
	conn.signaling = SignalingHaveRemoteOffer
	conn.mu.Unlock()

	h.deliver(t, envelope("bob", domain.SignalAccepted, nil))
	offers, _, _, _ := conn.stats()
	assert.Zero(t, offers)
	assert.Equal(t, Requesting, h.s.Snapshot().State)
}

func TestCalleeNeverOffers(t *testing.T) {
	h := ringingCallee(t)
	require.NoError(t, h.s.Accept(context.Background()))
	h.deliver(t, envelope("alice", domain.SignalAccepted, nil))

	offers, _, _, _ := h.conns.last().stats()
	assert.Zero(t, offers)
	assert.Zero(t, h.tr.count(domain.SignalOffer))
}

func TestDuplicateOfferAnsweredOnce(t *testing.T) {
	h := ringingCallee(t)
	require.NoError(t, h.s.Accept(context.Background()))

	o := envelope("alice", domain.SignalOffer, offer())
	h.deliver(t, o, o, envelope("alice", domain.SignalOffer, offer()))

	_, answers, _, _ := h.conns.last().stats()
	assert.Equal(t, 1, answers)
	assert.Equal(t, 1, h.tr.count(domain.SignalAnswer))
	assert.True(t, h.s.Snapshot().HasProcessedOffer)
}

func TestOfferBeforeAcceptIsApplied(t *testing.T) {
	h := ringingCallee(t)
	h.deliver(t, envelope("alice", domain.SignalOffer, offer()))
	assert.Equal(t, Ringing, h.s.Snapshot().State)
	assert.Zero(t, h.tr.count(domain.SignalAnswer))

	require.NoError(t, h.s.Accept(context.Background()))
	h.settle(t)
	assert.Equal(t, []domain.SignalType{domain.SignalAccepted, domain.SignalAnswer}, h.tr.sentTypes())
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	h := requestingCaller(t, 0)
	h.deliver(t, envelope("bob", domain.SignalAccepted, nil))

	h.deliver(t,
		envelope("bob", domain.SignalCandidate, candidate("c1")),
		envelope("bob", domain.SignalCandidate, candidate("c2")),
		envelope("bob", domain.SignalCandidate, candidate("c3")),
	)
	_, _, cands, _ := h.conns.last().stats()
	assert.Empty(t, cands)
	assert.Equal(t, 3, h.s.Snapshot().PendingCandidates)

	h.deliver(t, envelope("bob", domain.SignalAnswer, answer()))
	_, _, cands, _ = h.conns.last().stats()
	assert.Equal(t, []string{"c1", "c2", "c3"}, cands, "flushed in arrival order")
	assert.Zero(t, h.s.Snapshot().PendingCandidates)

	h.deliver(t, envelope("bob", domain.SignalAnswer, answer()))
	_, _, cands, _ = h.conns.last().stats()
	assert.Len(t, cands, 3, "duplicate answer does not re-flush")

	h.deliver(t, envelope("bob", domain.SignalCandidate, candidate("c4")))
	_, _, cands, _ = h.conns.last().stats()
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, cands, "applied immediately once remote is set")
}

func TestCandidateFailuresAreNotFatal(t *testing.T) {
	h := ringingCallee(t)
	h.deliver(t,
		envelope("alice", domain.SignalCandidate, candidate("bad")),
		envelope("alice", domain.SignalCandidate, candidate("")),
		envelope("alice", domain.SignalCandidate, nil),
		envelope("alice", domain.SignalCandidate, candidate("good")),
	)
	assert.Equal(t, 2, h.s.Snapshot().PendingCandidates, "empty candidates are skipped")

	require.NoError(t, h.s.Accept(context.Background()))
	conn := h.conns.last()
	conn.mu.Lock()
	conn.candErr = errRelayDown
	conn.mu.Unlock()

	h.deliver(t, envelope("alice", domain.SignalOffer, offer()))
	_, answers, cands, _ := conn.stats()
	assert.Equal(t, []string{"bad", "good"}, cands)
	assert.Equal(t, 1, answers)
	assert.Equal(t, Negotiating, h.s.Snapshot().State)
}

func TestStrayAnswerIgnored(t *testing.T) {
	h := requestingCaller(t, 0)
	h.deliver(t, envelope("bob", domain.SignalAnswer, answer()))
	assert.False(t, h.s.Snapshot().HasProcessedAnswer)
	assert.Equal(t, Requesting, h.s.Snapshot().State)
}

func TestEndIsIdempotent(t *testing.T) {
	h := requestingCaller(t, 0)
	stream := h.media.last()
	conn := h.conns.last()

	require.NoError(t, h.s.End(context.Background()))
	require.NoError(t, h.s.End(context.Background()))

	assert.Equal(t, Ended, h.s.Snapshot().State)
	assert.Equal(t, 1, h.tr.count(domain.SignalEnded))
	assert.Equal(t, 1, stream.stops())
	_, _, _, closed := conn.stats()
	assert.Equal(t, 1, closed)
}

func TestEndReleasesBeforeNotifying(t *testing.T) {
	h := requestingCaller(t, 0)
	stream, conn := h.media.last(), h.conns.last()

	var stopsAtSend, closedAtSend int
	h.tr.mu.Lock()
	h.tr.onSend = func(typ domain.SignalType) {
		if typ != domain.SignalEnded {
			return
		}
		stopsAtSend = stream.stops()
		_, _, _, closedAtSend = conn.stats()
	}
	h.tr.mu.Unlock()

	require.NoError(t, h.s.End(context.Background()))
	assert.Equal(t, 1, h.tr.count(domain.SignalEnded))
	assert.Equal(t, 1, stopsAtSend, "tracks stopped before ended goes out")
	assert.Equal(t, 1, closedAtSend, "connectivity closed before ended goes out")
}

func TestEndSwallowsSendFailure(t *testing.T) {
	h := requestingCaller(t, 0)
	h.tr.mu.Lock()
	h.tr.fail = errRelayDown
	h.tr.mu.Unlock()

	require.NoError(t, h.s.End(context.Background()))
	assert.Equal(t, Ended, h.s.Snapshot().State)
	assert.Equal(t, 1, h.media.last().stops())
}

func TestRejectedEndsCaller(t *testing.T) {
	h := requestingCaller(t, 0)
	h.deliver(t, envelope("bob", domain.SignalRejected, nil))
	<-h.s.Done()

	assert.Equal(t, Ended, h.s.Snapshot().State)
	assert.Equal(t, []State{Requesting, Ended}, h.visited(), "Negotiating never entered")
	assert.Equal(t, 1, h.media.last().stops(), "media released")
	_, _, _, closed := h.conns.last().stats()
	assert.Equal(t, 1, closed)
	assert.Zero(t, h.tr.count(domain.SignalEnded))
	assert.Zero(t, h.tr.count(domain.SignalOffer))
}

func TestCalleeReject(t *testing.T) {
	h := ringingCallee(t)
	require.NoError(t, h.s.Reject(context.Background()))
	assert.Equal(t, Ended, h.s.Snapshot().State)
	assert.Equal(t, []domain.SignalType{domain.SignalRejected}, h.tr.sentTypes())
}

func TestRemoteEndedIsAbsorbing(t *testing.T) {
	h := ringingCallee(t)
	require.NoError(t, h.s.Accept(context.Background()))
	h.deliver(t, envelope("alice", domain.SignalEnded, nil))
	assert.Equal(t, Ended, h.s.Snapshot().State)

	h.deliver(t, envelope("alice", domain.SignalOffer, offer()))
	assert.Equal(t, Ended, h.s.Snapshot().State)
	assert.Zero(t, h.tr.count(domain.SignalEnded), "no ended echo back")
}

func TestConnectivityObservations(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		h := requestingCaller(t, 0)
		h.deliver(t, envelope("bob", domain.SignalAccepted, nil))
		h.conns.last().fire(ConnConnected)
		h.settle(t)
		assert.Equal(t, Connected, h.s.Snapshot().State)

		h.conns.last().fire(ConnDisconnected)
		h.settle(t)
		snap := h.s.Snapshot()
		assert.Equal(t, Connected, snap.State, "disconnected is only an indicator")
		assert.Equal(t, ConnDisconnected, snap.Connection)
	})

	t.Run("failed", func(t *testing.T) {
		h := requestingCaller(t, 0)
		h.deliver(t, envelope("bob", domain.SignalAccepted, nil))
		h.conns.last().fire(ConnFailed)
		h.settle(t)
		assert.Equal(t, Failed, h.s.Snapshot().State)
	})

	t.Run("closed", func(t *testing.T) {
		h := requestingCaller(t, 0)
		h.deliver(t, envelope("bob", domain.SignalAccepted, nil))
		h.conns.last().fire(ConnConnected)
		h.conns.last().fire(ConnClosed)
		h.settle(t)
		assert.Equal(t, Ended, h.s.Snapshot().State)
	})
}

func TestLocalCandidatesAreSent(t *testing.T) {
	h := requestingCaller(t, 0)
	h.conns.last().gathered(candidate("local-1"))
	h.settle(t)
	assert.Equal(t, 1, h.tr.count(domain.SignalCandidate))
}

func TestNegotiationTimeout(t *testing.T) {
	h := requestingCaller(t, 30*time.Millisecond)
	h.deliver(t, envelope("bob", domain.SignalAccepted, nil))
	require.Equal(t, Negotiating, h.s.Snapshot().State)

	select {
	case <-h.s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not time out")
	}
	snap := h.s.Snapshot()
	assert.Equal(t, Failed, snap.State)
	assert.Equal(t, "negotiation timeout", snap.Reason)
	assert.Equal(t, 1, h.tr.count(domain.SignalEnded))
	assert.Equal(t, 1, h.media.last().stops())
}

func TestConnectedDisarmsTimeout(t *testing.T) {
	h := requestingCaller(t, 30*time.Millisecond)
	h.deliver(t, envelope("bob", domain.SignalAccepted, nil))
	h.conns.last().fire(ConnConnected)
	h.settle(t)

	time.Sleep(80 * time.Millisecond)
	h.settle(t)
	assert.Equal(t, Connected, h.s.Snapshot().State)
}

func TestCancelTearsDown(t *testing.T) {
	tr := newFakeTransport("alice")
	media := &fakeCapturer{}
	s := NewSession(Options{ConversationID: "c1", LocalUser: "alice", Role: Caller}, tr, media, (&connPool{}).factory)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	require.NoError(t, s.Start(context.Background()))

	cancel()
	<-s.Done()
	assert.Equal(t, Ended, s.Snapshot().State)
	assert.Equal(t, 1, media.last().stops())
	assert.Equal(t, 1, tr.count(domain.SignalEnded))
	assert.NoError(t, s.End(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSessionClosed)
}
