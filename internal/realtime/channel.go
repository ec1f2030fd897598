// ABOUTME: Realtime Channel owning the single authenticated websocket session to the event bus
// ABOUTME: Handles the connect state machine, capped exponential reconnect, the room slot, and pub/sub

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/2389/aura-chat/internal/chaterr"
	"github.com/2389/aura-chat/internal/config"
	"github.com/2389/aura-chat/internal/dedupe"
	"github.com/2389/aura-chat/internal/session"
)

const (
	maxFrameSize     = 1 << 20
	handshakeTimeout = 10 * time.Second
)

// Handler receives the raw data of one event.
type Handler func(data json.RawMessage)

// StateHandler observes state transitions. err is the cause of a transition
// to disconnected, or nil.
type StateHandler func(state State, err error)

// Options configures a Channel.
type Options struct {
	URL              string
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	DedupeTTL        time.Duration
	DedupeSize       int

	// Dialer overrides the websocket dialer (tests, proxies).
	Dialer *websocket.Dialer
	// Now is used for local credential expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig maps the realtime config section onto Options.
func OptionsFromConfig(cfg config.RealtimeConfig) Options {
	return Options{
		URL:              cfg.URL,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
		PingInterval:     cfg.PingInterval,
		WriteTimeout:     cfg.WriteTimeout,
		DedupeTTL:        cfg.DedupeTTL,
		DedupeSize:       cfg.DedupeSize,
	}
}

func (o *Options) applyDefaults() {
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = config.DefaultReconnectInitial
	}
	if o.ReconnectMax < o.ReconnectInitial {
		o.ReconnectMax = config.DefaultReconnectMax
		if o.ReconnectMax < o.ReconnectInitial {
			o.ReconnectMax = o.ReconnectInitial
		}
	}
	if o.PingInterval <= 0 {
		o.PingInterval = config.DefaultPingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = config.DefaultWriteTimeout
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Channel maintains at most one transport session and one room subscription.
//
// Room membership is preserved across reconnects: the desired room is
// re-emitted on every new connection. Publish while not connected is rejected
// with ErrChannelDisconnected; nothing is queued.
//
// Event handlers run sequentially on the channel's reader goroutine in
// receipt order. They must not block.
type Channel struct {
	opts   Options
	logger *slog.Logger
	seen   *dedupe.Cache

	events   *registry[Handler]
	watchers *registry[StateHandler]

	mu      sync.Mutex
	state   State
	lastErr error
	cred    string
	room    string
	joined  bool // room join emitted on the current connection
	conn    *conn
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a disconnected channel. Pass nil logger for default.
func New(opts Options, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()

	c := &Channel{
		opts:     opts,
		logger:   logger.With("component", "realtime"),
		events:   newRegistry[Handler](),
		watchers: newRegistry[StateHandler](),
	}
	if opts.DedupeTTL > 0 {
		c.seen = dedupe.New(opts.DedupeTTL, opts.DedupeSize)
	}
	return c
}

// Connect starts maintaining a session authenticated with credential.
// It returns immediately; progress and failures are observed through State,
// Err and WatchState. Calling it again with the same credential is a no-op;
// a different credential replaces the running session.
func (c *Channel) Connect(credential string) error {
	if credential == "" {
		return fmt.Errorf("%w: empty credential", chaterr.ErrInvalidArgument)
	}

	c.mu.Lock()
	if c.cancel != nil && c.cred == credential {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.mu.Unlock()
		c.Disconnect()
		c.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cred = credential
	c.cancel = cancel
	c.done = done
	c.lastErr = nil
	watchers := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	notify(watchers, StateConnecting, nil)

	go c.run(ctx, credential, done)
	return nil
}

// Disconnect tears down the session and stops reconnecting. It always
// succeeds and blocks until the transport is closed. The room slot is cleared.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.cred = ""
	c.room = ""
	c.joined = false
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	c.mu.Lock()
	c.lastErr = nil
	watchers := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	notify(watchers, StateDisconnected, nil)
	c.logger.Info("disconnected")
}

// Close disconnects and releases background resources. The channel must not
// be used afterwards.
func (c *Channel) Close() {
	c.Disconnect()
	if c.seen != nil {
		c.seen.Close()
	}
}

// JoinRoom makes conversationID the single active room, implicitly leaving
// the previous one. Joining the room already joined is a no-op. While not
// connected the room is recorded and joined as soon as a connection is up.
func (c *Channel) JoinRoom(conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: empty conversation id", chaterr.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.room == conversationID && (c.joined || c.conn == nil) {
		return nil
	}

	c.room = conversationID
	c.joined = false
	if c.conn == nil {
		c.logger.Debug("room recorded until connected", "conversation_id", conversationID)
		return nil
	}
	c.joinLocked()
	return nil
}

// LeaveRoom clears the room slot so no join is emitted on later
// connections. No frame is sent: the backend drops the session from the
// previous room on its next join or when the transport closes.
func (c *Channel) LeaveRoom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == "" {
		return
	}
	c.logger.Debug("left room", "conversation_id", c.room)
	c.room = ""
	c.joined = false
}

// Room returns the active room, or "".
func (c *Channel) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Publish sends an application event. It is best-effort: when not connected
// it fails with ErrChannelDisconnected and nothing is sent later.
func (c *Channel) Publish(event string, payload any) error {
	frame, err := NewFrame(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()

	if cn == nil {
		return chaterr.ErrChannelDisconnected
	}
	if err := cn.writeFrame(frame); err != nil {
		return fmt.Errorf("%w: %v", chaterr.ErrChannelDisconnected, err)
	}
	return nil
}

// Subscribe registers handler for event and returns the subscription ID.
func (c *Channel) Subscribe(event string, handler Handler) string {
	return c.events.add(event, handler)
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (c *Channel) Unsubscribe(event, id string) {
	c.events.remove(event, id)
}

// WatchState registers a state observer and returns its ID.
func (c *Channel) WatchState(fn StateHandler) string {
	return c.watchers.add("", fn)
}

// UnwatchState removes a state observer.
func (c *Channel) UnwatchState(id string) {
	c.watchers.remove("", id)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the cause of the last transition to disconnected, e.g.
// ErrAuthentication when the handshake was rejected.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// setStateLocked records the state and returns the watchers to notify, or nil
// when nothing changed. Must be called with mu held.
func (c *Channel) setStateLocked(s State) []StateHandler {
	if c.state == s {
		return nil
	}
	c.state = s
	return c.watchers.snapshot("")
}

// transition applies a state change made by the run loop. It is dropped when
// ctx was cancelled, so a stopped loop never overwrites a newer session.
func (c *Channel) transition(ctx context.Context, s State, cause error) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if s == StateDisconnected {
		c.lastErr = cause
	}
	watchers := c.setStateLocked(s)
	c.mu.Unlock()

	c.logger.Debug("state changed", "state", s.String(), "error", cause)
	notify(watchers, s, cause)
}

func notify(watchers []StateHandler, s State, err error) {
	for _, fn := range watchers {
		fn(s, err)
	}
}

func (c *Channel) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectInitial
	b.MaxInterval = c.opts.ReconnectMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// run keeps a session alive until ctx is cancelled or the credential is rejected.
func (c *Channel) run(ctx context.Context, cred string, done chan struct{}) {
	defer c.finish(done)

	bo := c.newBackoff()
	for attempt := 1; ; attempt++ {
		c.transition(ctx, StateConnecting, nil)

		ws, err := c.dial(ctx, cred)
		if err == nil {
			bo.Reset()
			attempt = 0
			err = c.serve(ctx, ws)
		}
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, chaterr.ErrAuthentication) {
			c.logger.Warn("credential rejected, not reconnecting", "error", err)
			c.transition(ctx, StateDisconnected, err)
			return
		}

		c.transition(ctx, StateDisconnected, err)

		delay := bo.NextBackOff()
		c.logger.Info("reconnecting", "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// finish releases the session slot if it still belongs to this run.
func (c *Channel) finish(done chan struct{}) {
	c.mu.Lock()
	if c.done == done && c.cancel != nil {
		c.cancel()
		c.cancel = nil
		c.cred = ""
	}
	c.mu.Unlock()
	close(done)
}

func (c *Channel) dial(ctx context.Context, cred string) (*websocket.Conn, error) {
	if err := session.CheckToken(cred, c.opts.Now()); err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred)

	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with status %d", chaterr.ErrAuthentication, resp.StatusCode)
		}
		return nil, chaterr.FromTransport(err)
	}
	return ws, nil
}

// serve attaches ws as the live connection and pumps inbound frames until
// the transport fails or ctx is cancelled.
func (c *Channel) serve(ctx context.Context, ws *websocket.Conn) error {
	cn := &conn{ws: ws, writeTimeout: c.opts.WriteTimeout}

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()
	go func() {
		<-connCtx.Done()
		cn.close()
	}()

	pongWait := 2 * c.opts.PingInterval
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return ctx.Err()
	}
	c.conn = cn
	c.joined = false
	c.lastErr = nil
	if c.room != "" {
		c.joinLocked()
	}
	watchers := c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.opts.URL)
	notify(watchers, StateConnected, nil)

	go c.pingLoop(connCtx, cn)

	defer c.detach(cn)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", chaterr.ErrChannelDisconnected, err)
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if c.duplicate(frame) {
			c.logger.Debug("dropping replayed frame", "event", frame.Event)
			continue
		}

		for _, h := range c.events.snapshot(frame.Event) {
			h(frame.Data)
		}
	}
}

func (c *Channel) detach(cn *conn) {
	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
		c.joined = false
	}
	c.mu.Unlock()
}

func (c *Channel) duplicate(f Frame) bool {
	if c.seen == nil {
		return false
	}
	key := f.dedupeKey()
	return key != "" && c.seen.Seen(key)
}

// joinLocked emits joinConversation for the current room. Must be called
// with mu held and a live connection. A failed write leaves joined false; the
// next connection retries.
func (c *Channel) joinLocked() {
	frame, err := NewFrame(EventJoinConversation, c.room)
	if err != nil {
		return
	}
	if err := c.conn.writeFrame(frame); err != nil {
		c.logger.Warn("join failed, will retry on reconnect", "conversation_id", c.room, "error", err)
		return
	}
	c.joined = true
	c.logger.Debug("joined room", "conversation_id", c.room)
}

func (c *Channel) pingLoop(ctx context.Context, cn *conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cn.ping(); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// conn serializes writes on one websocket.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

func (cn *conn) writeFrame(f Frame) error {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()

	if err := cn.ws.SetWriteDeadline(time.Now().Add(cn.writeTimeout)); err != nil {
		return err
	}
	return cn.ws.WriteJSON(f)
}

func (cn *conn) ping() error {
	return cn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cn.writeTimeout))
}

func (cn *conn) close() {
	cn.closeOnce.Do(func() {
		_ = cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(cn.writeTimeout))
		_ = cn.ws.Close()
	})
}
