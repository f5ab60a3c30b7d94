// Package relay is the client side of the conversation relay: it posts call
// signals to the relay endpoint and receives channel events over a websocket.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/call"
	"github.com/dkeye/Call/internal/domain"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidSignal = errors.New("conversationId and type are required")
	ErrRelay         = errors.New("relay error")
	ErrClosed        = errors.New("relay client closed")
)

const (
	sendBuffer     = 32
	writeTimeout   = 5 * time.Second
	ackTimeout     = 5 * time.Second
	dedupeCapacity = 512
)

var _ call.Transport = (*Client)(nil)

type Config struct {
	// BaseURL is the relay server, e.g. http://localhost:8080.
	BaseURL       string
	Token         string
	ChannelPrefix string
	PingPeriod    time.Duration
	HTTPClient    *http.Client
}

type binding struct {
	event string
	fn    func(json.RawMessage)
}

type channelState struct {
	bindings map[int]binding
	// ready is closed once the subscribe attempt settled; err holds its outcome.
	ready chan struct{}
	err   error
}

// Client holds one websocket to the relay and any number of channel bindings on it.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger

	conn     *websocket.Conn
	send     chan []byte
	socketID string

	mu       sync.Mutex
	channels map[string]*channelState
	acks     map[string]chan error
	nextID   int
	closed   bool

	done chan struct{}
	once sync.Once
}

// Dial opens the relay websocket and waits for the socket id.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 30 * time.Second
	}
	wsURL, err := websocketURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.Token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial: status %d: %v", ErrRelay, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrRelay, err)
	}

	var hello domain.RelayFrame
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(ackTimeout))
	}
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != domain.FrameConnected || hello.SocketID == "" {
		conn.Close()
		return nil, fmt.Errorf("%w: no connection_established frame: %v", ErrRelay, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		cfg:      cfg,
		http:     cfg.HTTPClient,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		socketID: hello.SocketID,
		channels: make(map[string]*channelState),
		acks:     make(map[string]chan error),
		done:     make(chan struct{}),
		log:      log.With().Str("module", "relay").Str("sid", hello.SocketID).Logger(),
	}
	go c.writePump()
	go c.readPump()
	c.log.Info().Msg("relay connected")
	return c, nil
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("bad relay url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ws/relay"
	return u.String(), nil
}

func (c *Client) SocketID() string { return c.socketID }

// Done is closed when the websocket is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
		close(c.done)
	})
}

// SendSignal posts one envelope for republication. No retry.
func (c *Client) SendSignal(ctx context.Context, conv domain.ConversationID, t domain.SignalType, payload any) error {
	if conv == "" || t == "" {
		return ErrInvalidSignal
	}
	body := struct {
		ConversationID domain.ConversationID `json:"conversationId"`
		Type           domain.SignalType     `json:"type"`
		Data           any                   `json:"data,omitempty"`
	}{conv, t, payload}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/call/signal"), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	return c.do(req)
}

func (c *Client) endpoint(path string) string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + path
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelay, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRelay, req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) authorize(ctx context.Context, channel string) (string, error) {
	form := url.Values{"socket_id": {c.socketID}, "channel_name": {channel}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/relay/auth"), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRelay, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: channel auth %s: status %d", ErrRelay, channel, resp.StatusCode)
	}
	var out struct {
		Auth string `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: channel auth: %v", ErrRelay, err)
	}
	return out.Auth, nil
}

// Bind attaches fn to one event on channel. The first binding of a channel
// authorizes and subscribes it; the returned unbind unsubscribes only when it
// removes the last binding.
func (c *Client) Bind(channel, event string, fn func(json.RawMessage)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	ch, exists := c.channels[channel]
	if !exists {
		ch = &channelState{bindings: make(map[int]binding), ready: make(chan struct{})}
		c.channels[channel] = ch
	}
	id := c.nextID
	c.nextID++
	ch.bindings[id] = binding{event: event, fn: fn}
	c.mu.Unlock()

	if !exists {
		ch.err = c.subscribe(channel)
		close(ch.ready)
	}
	<-ch.ready
	if ch.err != nil {
		c.mu.Lock()
		delete(ch.bindings, id)
		if c.channels[channel] == ch {
			delete(c.channels, channel)
		}
		c.mu.Unlock()
		return nil, ch.err
	}

	var once sync.Once
	return func() { once.Do(func() { c.unbind(channel, ch, id) }) }, nil
}

func (c *Client) unbind(channel string, ch *channelState, id int) {
	c.mu.Lock()
	delete(ch.bindings, id)
	last := len(ch.bindings) == 0 && c.channels[channel] == ch
	if last {
		delete(c.channels, channel)
	}
	c.mu.Unlock()
	if !last {
		return
	}
	if err := c.enqueue(domain.RelayFrame{Type: domain.FrameUnsubscribe, Channel: channel}); err != nil {
		c.log.Debug().Err(err).Str("channel", channel).Msg("unsubscribe not sent")
		return
	}
	c.log.Info().Str("channel", channel).Msg("unsubscribed")
}

func (c *Client) subscribe(channel string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	auth, err := c.authorize(ctx, channel)
	if err != nil {
		return err
	}
	ack := make(chan error, 1)
	c.mu.Lock()
	c.acks[channel] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.acks[channel] == ack {
			delete(c.acks, channel)
		}
		c.mu.Unlock()
	}()

	if err := c.enqueue(domain.RelayFrame{Type: domain.FrameSubscribe, Channel: channel, Auth: auth}); err != nil {
		return err
	}
	select {
	case err := <-ack:
		if err != nil {
			return err
		}
		c.log.Info().Str("channel", channel).Msg("subscribed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: subscribe %s: %v", ErrRelay, channel, ctx.Err())
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) enqueue(f domain.RelayFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// OnSignal delivers the call events of one conversation to handler, at most
// once per envelope id. Chat events on the same channel never reach it.
func (c *Client) OnSignal(conv domain.ConversationID, handler func(domain.Envelope)) (func(), error) {
	if conv == "" {
		return nil, ErrInvalidSignal
	}
	seen, err := lru.New[string, struct{}](dedupeCapacity)
	if err != nil {
		return nil, err
	}
	l := c.log.With().Str("conversation", string(conv)).Logger()

	deliver := func(raw json.RawMessage) {
		var env domain.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			l.Warn().Err(err).Msg("undecodable signal")
			return
		}
		if env.ConversationID != conv {
			l.Debug().Str("other", string(env.ConversationID)).Msg("signal for another conversation")
			return
		}
		if env.ID != "" {
			if dup, _ := seen.ContainsOrAdd(env.ID, struct{}{}); dup {
				l.Debug().Str("id", env.ID).Str("type", string(env.Type)).Msg("duplicate signal dropped")
				return
			}
		}
		handler(env)
	}

	channel := domain.ChannelName(c.cfg.ChannelPrefix, conv)
	unbinds := make([]func(), 0, len(domain.SignalTypes))
	unsubscribe := func() {
		for _, u := range unbinds {
			u()
		}
	}
	for _, t := range domain.SignalTypes {
		u, err := c.Bind(channel, t.Event(), deliver)
		if err != nil {
			unsubscribe()
			return nil, err
		}
		unbinds = append(unbinds, u)
	}

	var once sync.Once
	return func() { once.Do(unsubscribe) }, nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	ping, _ := json.Marshal(domain.RelayFrame{Type: domain.FramePing})

	for {
		var data []byte
		select {
		case <-c.done:
			return
		case <-ticker.C:
			data = ping
		case data = <-c.send:
		}
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			c.log.Error().Err(err).Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Warn().Err(err).Msg("writePump write error")
			return
		}
	}
}

func (c *Client) readPump() {
	events := make(chan domain.RelayFrame, sendBuffer)
	go c.dispatch(events)
	defer func() {
		close(events)
		c.Close()
	}()

	for {
		var f domain.RelayFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		switch f.Type {
		case domain.FrameEvent:
			events <- f
		case domain.FrameSubscribed:
			c.ack(f.Channel, nil)
		case domain.FrameError:
			if !c.ack(f.Channel, fmt.Errorf("%w: subscribe %s: %s", ErrRelay, f.Channel, f.Error)) {
				c.log.Warn().Str("channel", f.Channel).Str("error", f.Error).Msg("relay error frame")
			}
		case domain.FramePong, domain.FrameUnsubscribed:
		default:
			c.log.Debug().Str("type", f.Type).Msg("unknown frame")
		}
	}
}

func (c *Client) ack(channel string, err error) bool {
	c.mu.Lock()
	ack, ok := c.acks[channel]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ack <- err:
	default:
	}
	return true
}

// dispatch runs handlers off the read loop so acks keep flowing while a
// handler blocks.
func (c *Client) dispatch(events <-chan domain.RelayFrame) {
	for f := range events {
		c.mu.Lock()
		var fns []func(json.RawMessage)
		if ch, ok := c.channels[f.Channel]; ok {
			for _, b := range ch.bindings {
				if b.event == f.Event {
					fns = append(fns, b.fn)
				}
			}
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(f.Data)
		}
	}
}

// Me asks the relay who the token belongs to.
func (c *Client) Me(ctx context.Context) (domain.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/me"), nil)
	if err != nil {
		return domain.User{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", ErrRelay, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.User{}, fmt.Errorf("%w: me: status %d", ErrRelay, resp.StatusCode)
	}
	var u domain.User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return domain.User{}, fmt.Errorf("%w: me: %v", ErrRelay, err)
	}
	return u, nil
}
