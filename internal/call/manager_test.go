package call

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peer struct {
	m     *Manager
	tr    *fakeTransport
	conns *connPool
	rings atomic.Int32
}

func newPeer(t *testing.T, user domain.UserID) *peer {
	t.Helper()
	p := &peer{tr: newFakeTransport(user), conns: &connPool{}}
	p.m = NewManager(context.Background(), ManagerConfig{
		LocalUser:       user,
		Transport:       p.tr,
		Capturer:        &fakeCapturer{},
		NewConnectivity: p.conns.factory,
	})
	p.m.OnIncoming(func(IncomingCall) { p.rings.Add(1) })
	require.NoError(t, p.m.Watch("c1"))
	t.Cleanup(p.m.Close)
	return p
}

func (p *peer) state() State {
	s, ok := p.m.Session("c1")
	if !ok {
		return Idle
	}
	return s.Snapshot().State
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestCallReachesConnected(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")
	link(alice.tr, bob.tr)
	bob.m.OnIncoming(func(ic IncomingCall) {
		assert.Equal(t, domain.UserID("alice"), ic.From)
		go func() { _ = ic.Session.Accept(context.Background()) }()
	})

	_, err := alice.m.Call(context.Background(), "c1", false)
	require.NoError(t, err)

	eventually(t, func() bool {
		return alice.state() == Negotiating && bob.tr.count(domain.SignalAnswer) == 1
	}, "offer/answer exchanged")
	eventually(t, func() bool {
		s, _ := alice.m.Session("c1")
		return s.Snapshot().HasProcessedAnswer
	}, "caller applied the answer")

	alice.conns.last().fire(ConnConnected)
	bob.conns.last().fire(ConnConnected)
	eventually(t, func() bool {
		return alice.state() == Connected && bob.state() == Connected
	}, "both connected")

	assert.Equal(t, 1, bob.tr.count(domain.SignalAnswer), "no duplicate answers")
	assert.Equal(t, 1, alice.tr.count(domain.SignalOffer))
	assert.Zero(t, alice.rings.Load(), "caller never rings itself")
	assert.EqualValues(t, 1, bob.rings.Load())

	s, _ := alice.m.Session("c1")
	require.NoError(t, s.End(context.Background()))
	eventually(t, func() bool {
		_, aliceHas := alice.m.Session("c1")
		_, bobHas := bob.m.Session("c1")
		return !aliceHas && !bobHas
	}, "both sessions discarded after ended")
}

func TestCallerIgnoresOwnEcho(t *testing.T) {
	alice := newPeer(t, "alice")
	s, err := alice.m.Call(context.Background(), "c1", true)
	require.NoError(t, err)
	require.NoError(t, s.sync(context.Background()))

	assert.Equal(t, Requesting, s.Snapshot().State)
	assert.Zero(t, alice.rings.Load())
}

func TestCallBusy(t *testing.T) {
	alice := newPeer(t, "alice")
	_, err := alice.m.Call(context.Background(), "c1", false)
	require.NoError(t, err)
	_, err = alice.m.Call(context.Background(), "c1", false)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestCallPermissionDenied(t *testing.T) {
	p := &peer{tr: newFakeTransport("alice"), conns: &connPool{}}
	p.m = NewManager(context.Background(), ManagerConfig{
		LocalUser:       "alice",
		Transport:       p.tr,
		Capturer:        &fakeCapturer{err: &PermissionError{Kind: PermissionNotFound}},
		NewConnectivity: p.conns.factory,
	})
	t.Cleanup(p.m.Close)

	_, err := p.m.Call(context.Background(), "c1", false)
	pe, ok := IsPermission(err)
	require.True(t, ok)
	assert.Equal(t, PermissionNotFound, pe.Kind)
	assert.Empty(t, p.tr.sentTypes())
	eventually(t, func() bool {
		_, has := p.m.Session("c1")
		return !has
	}, "idle session discarded")
}

func TestGlareLowerIDKeepsCaller(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")
	link(alice.tr, bob.tr)

	alice.tr.hold()
	bob.tr.hold()
	_, err := alice.m.Call(context.Background(), "c1", false)
	require.NoError(t, err)
	_, err = bob.m.Call(context.Background(), "c1", false)
	require.NoError(t, err)

	alice.tr.release()
	bob.tr.release()

	eventually(t, func() bool {
		s, ok := bob.m.Session("c1")
		return ok && s.Role() == Callee && s.Snapshot().State == Negotiating
	}, "bob yields and answers")
	eventually(t, func() bool {
		return bob.tr.count(domain.SignalAnswer) == 1
	}, "bob answered alice's offer")

	s, _ := alice.m.Session("c1")
	assert.Equal(t, Caller, s.Role())
	assert.Equal(t, 1, alice.tr.count(domain.SignalOffer), "exactly one offer issuer")
	assert.Zero(t, bob.tr.count(domain.SignalOffer))
	assert.Zero(t, bob.tr.count(domain.SignalEnded), "yielding is silent")
	assert.Zero(t, alice.rings.Load())
	assert.Zero(t, bob.rings.Load(), "glare auto-accepts without ringing")
}

func TestUnwatchIsDistinct(t *testing.T) {
	alice := newPeer(t, "alice")
	alice.m.Unwatch("c1")
	alice.m.Unwatch("c1")
	alice.tr.mu.Lock()
	defer alice.tr.mu.Unlock()
	assert.Equal(t, 1, alice.tr.unsubs)
}

func TestAwaitFollowsGlareReplacement(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")
	link(alice.tr, bob.tr)

	alice.tr.hold()
	bob.tr.hold()
	_, err := alice.m.Call(context.Background(), "c1", false)
	require.NoError(t, err)
	bs, err := bob.m.Call(context.Background(), "c1", false)
	require.NoError(t, err)

	awaited := make(chan Snapshot, 1)
	go func() {
		snap, _ := bob.m.Await(context.Background(), "c1")
		awaited <- snap
	}()

	alice.tr.release()
	bob.tr.release()
	eventually(t, func() bool {
		s, ok := bob.m.Session("c1")
		return ok && s.Role() == Callee && s.Snapshot().State == Negotiating
	}, "bob yields and answers")

	select {
	case <-bs.Done():
	default:
		t.Fatal("yielded caller session still running")
	}
	select {
	case snap := <-awaited:
		t.Fatalf("await returned while the call is live: %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}

	s, _ := alice.m.Session("c1")
	require.NoError(t, s.End(context.Background()))
	select {
	case snap := <-awaited:
		assert.Equal(t, Callee, snap.Role)
		assert.Equal(t, Ended, snap.State)
	case <-time.After(2 * time.Second):
		t.Fatal("await did not return after the peer hung up")
	}
}

func TestAwaitWithoutSession(t *testing.T) {
	alice := newPeer(t, "alice")
	snap, err := alice.m.Await(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, Idle, snap.State)
}
