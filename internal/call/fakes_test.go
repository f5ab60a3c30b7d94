package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/Call/internal/domain"
	"github.com/google/uuid"
)

type sent struct {
	Type    domain.SignalType
	Payload any
}

// fakeTransport records outgoing signals and, when linked, delivers them to peers
// the way the relay does: stamped with sender identity and echoed to the sender.
type fakeTransport struct {
	user domain.UserID
	fail error
	// onSend observes each send before it is delivered.
	onSend func(domain.SignalType)

	mu       sync.Mutex
	sent     []sent
	handlers map[domain.ConversationID][]func(domain.Envelope)
	peers    []*fakeTransport
	unsubs   int
	holding  bool
	held     []func()
}

func newFakeTransport(user domain.UserID) *fakeTransport {
	return &fakeTransport{user: user, handlers: make(map[domain.ConversationID][]func(domain.Envelope))}
}

func link(a, b *fakeTransport) {
	a.peers = append(a.peers, b)
	b.peers = append(b.peers, a)
}

func (t *fakeTransport) SendSignal(_ context.Context, conv domain.ConversationID, typ domain.SignalType, payload any) error {
	t.mu.Lock()
	fail, onSend := t.fail, t.onSend
	t.sent = append(t.sent, sent{Type: typ, Payload: payload})
	t.mu.Unlock()
	if onSend != nil {
		onSend(typ)
	}
	if fail != nil {
		return fail
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	env := domain.Envelope{
		ID:             uuid.NewString(),
		ConversationID: conv,
		Type:           typ,
		Payload:        raw,
		UserID:         t.user,
	}
	t.emit(conv, env)
	t.mu.Lock()
	holding := t.holding
	for _, p := range t.peers {
		p := p
		if holding {
			t.held = append(t.held, func() { p.emit(conv, env) })
		}
	}
	t.mu.Unlock()
	if !holding {
		for _, p := range t.peers {
			p.emit(conv, env)
		}
	}
	return nil
}

// hold queues deliveries to peers until release, to line up simultaneous calls.
func (t *fakeTransport) hold() {
	t.mu.Lock()
	t.holding = true
	t.mu.Unlock()
}

func (t *fakeTransport) release() {
	t.mu.Lock()
	t.holding = false
	held := t.held
	t.held = nil
	t.mu.Unlock()
	for _, fn := range held {
		fn()
	}
}

func (t *fakeTransport) OnSignal(conv domain.ConversationID, handler func(domain.Envelope)) (func(), error) {
	t.mu.Lock()
	t.handlers[conv] = append(t.handlers[conv], handler)
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.unsubs++
		delete(t.handlers, conv)
		t.mu.Unlock()
	}, nil
}

func (t *fakeTransport) emit(conv domain.ConversationID, env domain.Envelope) {
	t.mu.Lock()
	hs := append([]func(domain.Envelope){}, t.handlers[conv]...)
	t.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

func (t *fakeTransport) sentTypes() []domain.SignalType {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.SignalType, 0, len(t.sent))
	for _, s := range t.sent {
		out = append(out, s.Type)
	}
	return out
}

func (t *fakeTransport) count(typ domain.SignalType) int {
	n := 0
	for _, st := range t.sentTypes() {
		if st == typ {
			n++
		}
	}
	return n
}

type fakeConn struct {
	mu          sync.Mutex
	signaling   SignalingState
	offers      int
	answers     int
	remote      []domain.Description
	candidates  []domain.Candidate
	streams     int
	closed      int
	candErr     error
	onCandidate func(domain.Candidate)
	onState     func(ConnectionState)
}

func newFakeConn() *fakeConn { return &fakeConn{signaling: SignalingStable} }

func (c *fakeConn) CreateOffer(context.Context) (domain.Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	c.signaling = SignalingHaveLocalOffer
	return domain.Description{Type: "offer", SDP: "v=0 offer"}, nil
}

func (c *fakeConn) CreateAnswer(context.Context) (domain.Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers++
	c.signaling = SignalingStable
	return domain.Description{Type: "answer", SDP: "v=0 answer"}, nil
}

func (c *fakeConn) SetRemoteDescription(d domain.Description) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = append(c.remote, d)
	if d.Type == "offer" {
		c.signaling = SignalingHaveRemoteOffer
	} else {
		c.signaling = SignalingStable
	}
	return nil
}

func (c *fakeConn) AddICECandidate(cand domain.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, cand)
	return c.candErr
}

func (c *fakeConn) SignalingState() SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *fakeConn) AddStream(Stream) error {
	c.mu.Lock()
	c.streams++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(domain.Candidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnConnectionStateChange(fn func(ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) fire(st ConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	fn(st)
}

func (c *fakeConn) gathered(cand domain.Candidate) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	fn(cand)
}

func (c *fakeConn) stats() (offers, answers int, cands []string, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cd := range c.candidates {
		cands = append(cands, cd.Candidate)
	}
	return c.offers, c.answers, cands, c.closed
}

// connPool hands out fake connections and remembers them.
type connPool struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (p *connPool) factory() (Connectivity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := newFakeConn()
	p.conns = append(p.conns, c)
	return c, nil
}

func (p *connPool) last() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

type fakeStream struct {
	mu      sync.Mutex
	stopped int
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
}

func (s *fakeStream) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeCapturer struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (c *fakeCapturer) Acquire(context.Context, bool) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	s := &fakeStream{}
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeCapturer) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *fakeCapturer) last() *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

var errRelayDown = errors.New("relay down")

func envelope(from domain.UserID, typ domain.SignalType, payload any) domain.Envelope {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return domain.Envelope{ID: uuid.NewString(), ConversationID: "c1", Type: typ, Payload: raw, UserID: from}
}
