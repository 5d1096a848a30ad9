package pairchat

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnConfig configures the connection manager.
type ConnConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// HeartbeatInterval is the ping period. Negative disables the heartbeat.
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
}

// DefaultConnConfig returns the configuration used when none is given.
func DefaultConnConfig() *ConnConfig {
	cfg := &ConnConfig{AutoReconnect: true}
	cfg.defaults()
	return cfg
}

func (c *ConnConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// ConnState represents the channel state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

// ============================================================================
// Transport
// ============================================================================

// Channel is one established bidirectional connection carrying JSON frames.
type Channel interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens channels. It is the seam to the transport-level socket.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Channel, error)
}

const maxFrameSize = 1 << 20

// WebSocketDialer dials the backend over a websocket.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client
}

// WebSocketURL derives the websocket endpoint from an http(s) base URL.
func WebSocketURL(baseURL string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/ws"
}

// Dial opens a websocket authenticated with credential.
func (d *WebSocketDialer) Dial(ctx context.Context, credential string) (Channel, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + credential}},
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn *websocket.Conn
}

func (w *wsChannel) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsChannel) Write(ctx context.Context, frame []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, frame)
}

func (w *wsChannel) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

func (w *wsChannel) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// Lifecycle hooks
// ============================================================================

type lifecycleHooks struct {
	mu           sync.RWMutex
	nextID       uint64
	connected    map[uint64]func()
	disconnected map[uint64]func(error)
	reconnecting map[uint64]func(int, time.Duration)
}

func newLifecycleHooks() *lifecycleHooks {
	return &lifecycleHooks{
		connected:    make(map[uint64]func()),
		disconnected: make(map[uint64]func(error)),
		reconnecting: make(map[uint64]func(int, time.Duration)),
	}
}

func (l *lifecycleHooks) add(register func(id uint64), remove func(id uint64)) *Subscription {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	register(id)
	l.mu.Unlock()
	return &Subscription{cancel: func() {
		l.mu.Lock()
		remove(id)
		l.mu.Unlock()
	}}
}

func (l *lifecycleHooks) emitConnected() {
	l.mu.RLock()
	handlers := make([]func(), 0, len(l.connected))
	for _, h := range l.connected {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (l *lifecycleHooks) emitDisconnected(err error) {
	l.mu.RLock()
	handlers := make([]func(error), 0, len(l.disconnected))
	for _, h := range l.disconnected {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (l *lifecycleHooks) emitReconnecting(attempt int, delay time.Duration) {
	l.mu.RLock()
	handlers := make([]func(int, time.Duration), 0, len(l.reconnecting))
	for _, h := range l.reconnecting {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ConnConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the backoff for the next attempt and the attempt number.
// A connection that stayed up for a minute resets the backoff.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

// ============================================================================
// Conn
// ============================================================================

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithConnLogger sets the logger used by the connection manager.
func WithConnLogger(logger zerolog.Logger) ConnOption {
	return func(c *Conn) { c.logger = logger }
}

// WithConnMetrics records channel metrics on m.
func WithConnMetrics(m *Metrics) ConnOption {
	return func(c *Conn) { c.metrics = m }
}

// Conn owns the channel lifecycle: connect, authenticate, reconnect, inbound
// dispatch and outbound emit. It holds no domain state.
type Conn struct {
	session *Session
	dialer  Dialer
	config  *ConnConfig
	bus     *Bus
	hooks   *lifecycleHooks
	recon   *reconnector
	metrics *Metrics
	logger  zerolog.Logger

	mu               sync.Mutex
	ch               Channel
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	done             chan struct{}
}

// NewConn creates a connection manager for session. Call Connect to open the
// channel.
func NewConn(session *Session, dialer Dialer, config *ConnConfig, opts ...ConnOption) *Conn {
	cfg := DefaultConnConfig()
	if config != nil {
		c := *config
		c.defaults()
		cfg = &c
	}
	c := &Conn{
		session: session,
		dialer:  dialer,
		config:  cfg,
		hooks:   newLifecycleHooks(),
		recon:   newReconnector(cfg),
		logger:  zerolog.Nop(),
		state:   StateDisconnected,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "conn").Str("user_id", session.UserID()).Logger()
	c.bus = NewBus(c.logger)
	return c
}

// Connect resolves credential into a session and opens the channel. It fails
// with an authentication error when the credential is absent or malformed.
func Connect(ctx context.Context, credential string, dialer Dialer, config *ConnConfig, opts ...ConnOption) (*Conn, error) {
	session, err := NewSession(credential)
	if err != nil {
		return nil, err
	}
	c := NewConn(session, dialer, config, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Session returns the session the connection is bound to.
func (c *Conn) Session() *Session { return c.session }

// Bus returns the inbound event bus.
func (c *Conn) Bus() *Bus { return c.bus }

// On registers a raw handler for an inbound event.
func (c *Conn) On(event string, h EventHandler) *Subscription {
	return c.bus.Subscribe(event, h)
}

// OnConnected registers a handler run after every successful (re)connect,
// once authenticate has been emitted.
func (c *Conn) OnConnected(h func()) *Subscription {
	return c.hooks.add(
		func(id uint64) { c.hooks.connected[id] = h },
		func(id uint64) { delete(c.hooks.connected, id) },
	)
}

// OnDisconnected registers a handler for unexpected channel loss.
func (c *Conn) OnDisconnected(h func(err error)) *Subscription {
	return c.hooks.add(
		func(id uint64) { c.hooks.disconnected[id] = h },
		func(id uint64) { delete(c.hooks.disconnected, id) },
	)
}

// OnReconnecting registers a handler run before each reconnect attempt.
func (c *Conn) OnReconnecting(h func(attempt int, delay time.Duration)) *Subscription {
	return c.hooks.add(
		func(id uint64) { c.hooks.reconnecting[id] = h },
		func(id uint64) { delete(c.hooks.reconnecting, id) },
	)
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

var errConnClosed = &Error{Kind: KindState, Code: "CONN_CLOSED", Message: "connection manager is closed"}

// Connect opens the channel and emits authenticate with the session user id.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.intentionalClose:
		c.mu.Unlock()
		return errConnClosed
	case c.state == StateConnected || c.state == StateConnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	ch, err := c.dialer.Dial(ctx, c.session.Credential())
	if err != nil {
		c.setState(StateDisconnected)
		return networkError("dial channel", err)
	}

	if err := c.write(ctx, ch, EventAuthenticate, c.session.UserID()); err != nil {
		ch.Close()
		c.setState(StateDisconnected)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		cancel()
		ch.Close()
		return errConnClosed
	}
	c.ch = ch
	c.state = StateConnected
	c.cancelFn = cancel
	c.mu.Unlock()
	c.recon.markConnected()

	c.logger.Info().Msg("Channel connected")

	go c.readLoop(loopCtx, ch)
	if c.config.HeartbeatInterval > 0 {
		go c.heartbeatLoop(loopCtx, ch)
	}

	c.hooks.emitConnected()
	return nil
}

// Close tears the channel down. Buffered outbound events are not flushed and
// the manager cannot be reconnected afterwards.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		return nil
	}
	c.intentionalClose = true
	close(c.done)
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	ch := c.ch
	c.ch = nil
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Info().Msg("Channel closed by client")
	if ch != nil {
		return ch.Close()
	}
	return nil
}

// Emit sends an outbound event. Delivery is fire-and-forget: no
// acknowledgement is awaited.
func (c *Conn) Emit(event string, payload any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	return c.EmitContext(ctx, event, payload)
}

// EmitContext is Emit bounded by ctx.
func (c *Conn) EmitContext(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	return c.write(ctx, ch, event, payload)
}

func (c *Conn) write(ctx context.Context, ch Channel, event string, payload any) error {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return newError(KindState, "ENCODE", "encode "+event+" payload", err)
		}
		env.Data = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return newError(KindState, "ENCODE", "encode "+event+" frame", err)
	}
	if err := ch.Write(ctx, frame); err != nil {
		return networkError("emit "+event, err)
	}
	c.metrics.emitted(event)
	c.logger.Debug().Str("event", event).Msg("Event emitted")
	return nil
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	if !c.intentionalClose {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Conn) readLoop(ctx context.Context, ch Channel) {
	for {
		data, err := ch.Read(ctx)
		if err != nil {
			c.handleReadError(ch, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.logger.Warn().Err(err).Int("frame_bytes", len(data)).Msg("Dropping malformed frame")
			continue
		}

		c.metrics.received(env.Event)
		if n := c.bus.Publish(env); n == 0 {
			c.logger.Debug().Str("event", env.Event).Msg("No handler for event")
		}
	}
}

func (c *Conn) handleReadError(ch Channel, err error) {
	c.mu.Lock()
	if c.intentionalClose || c.ch != ch {
		c.mu.Unlock()
		return
	}
	c.ch = nil
	c.state = StateDisconnected
	cancel := c.cancelFn
	c.cancelFn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ch.Close()

	if errors.Is(err, context.Canceled) {
		err = networkError("channel closed", err)
	}
	c.logger.Warn().Err(err).Msg("Channel lost")
	c.hooks.emitDisconnected(err)

	if c.config.AutoReconnect {
		c.reconnectLoop()
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context, ch Channel) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := ch.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// Forces the read loop out, which drives the reconnect.
				c.logger.Warn().Err(err).Msg("Heartbeat failed, closing channel")
				ch.Close()
				return
			}
		}
	}
}

func (c *Conn) reconnectLoop() {
	for c.recon.shouldReconnect() {
		delay, attempt := c.recon.nextDelay()

		c.mu.Lock()
		if c.intentionalClose {
			c.mu.Unlock()
			return
		}
		c.state = StateReconnecting
		c.mu.Unlock()

		c.metrics.reconnect()
		c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting")
		c.hooks.emitReconnecting(attempt, delay)

		select {
		case <-time.After(delay):
		case <-c.done:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, errConnClosed) {
			return
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
	}

	c.logger.Error().Msg("Giving up reconnecting")
	c.setState(StateDisconnected)
}
