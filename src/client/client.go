// Package client is the reconnecting counterpart of the delivery server. It
// keeps one connection alive, backs off with jitter between attempts and
// gives up after a bounded number of consecutive failures.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// State is a position in the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Disconnect reasons reported to OnDisconnect.
const (
	ReasonConnectionLost  = "connection_lost"
	ReasonClientClosed    = "client_closed"
	ReasonReconnectFailed = "reconnect_failed"
)

// Config configures a Client.
type Config struct {
	UserID            string
	TabID             string
	HeartbeatInterval time.Duration
	ReconnectEnabled  bool
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	AuthTimeout       time.Duration
	WriteTimeout      time.Duration
	// AutoAck acknowledges notifications and chat messages on receipt.
	AutoAck bool
	Header  http.Header
}

// Client drives the state machine
//
//	connecting -> connected -> disconnected -> reconnecting -> connecting | connected
//
// Every connection attempt and every Disconnect bumps a generation; work
// started for an older generation is discarded.
type Client struct {
	cfg    Config
	dialer Dialer
	logger zerolog.Logger
	random func() float64

	mu        sync.Mutex
	state     State
	url       string
	token     string
	gen       uint64
	attempt   int
	conn      types.Conn
	timer     *time.Timer
	cancel    context.CancelFunc
	handlers  []func(types.Message)
	onConnect []func(types.AuthResponse)
	onDisconn []func(reason string)
	onState   []func(from, to State)

	writeMu sync.Mutex
}

// New creates a disconnected client. A nil dialer uses gorilla/websocket.
func New(cfg Config, dialer Dialer, logger zerolog.Logger) *Client {
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With().Str("component", "client").Logger(),
		random: rand.Float64,
	}
}

// OnMessage registers a handler for inbound messages.
func (c *Client) OnMessage(fn func(types.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// OnConnect registers a callback for every successful handshake.
func (c *Client) OnConnect(fn func(types.AuthResponse)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers a callback for lost connections and for giving up.
func (c *Client) OnDisconnect(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconn = append(c.onDisconn, fn)
}

// OnStateChange registers a callback for every transition.
func (c *Client) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the number of consecutive failed reconnect attempts.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Connect dials url, authenticates with token and starts reading. A failed
// initial connect leaves the client disconnected and is not retried.
func (c *Client) Connect(ctx context.Context, url, token string) error {
	var notify []func()
	c.mu.Lock()
	c.stopLocked()
	c.gen++
	gen := c.gen
	c.url, c.token = url, token
	c.attempt = 0
	notify = append(notify, c.setStateLocked(StateConnecting))
	c.mu.Unlock()
	run(notify)

	return c.establish(ctx, gen, false)
}

// Disconnect stops the client from any state and cancels a pending
// reconnect.
func (c *Client) Disconnect() {
	var notify []func()
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.gen++
	c.stopLocked()
	c.attempt = 0
	notify = append(notify, c.setStateLocked(StateDisconnected))
	if wasConnected {
		notify = append(notify, c.disconnectedLocked(ReasonClientClosed))
	}
	c.mu.Unlock()
	run(notify)
}

// Send writes msg on the live connection.
func (c *Client) Send(msg types.Message) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return types.ErrNotConnected
	}
	return c.write(conn, msg)
}

func (c *Client) write(conn types.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return nil
}

// establish dials and authenticates for generation gen. On failure a
// reconnecting client schedules the next attempt. ctx only bounds the dial.
func (c *Client) establish(ctx context.Context, gen uint64, reconnecting bool) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		cancel()
		return types.ErrClosed
	}
	c.cancel = cancel
	url, token := c.url, c.token
	c.mu.Unlock()

	conn, resp, err := c.dial(ctx, url, token)

	var notify []func()
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		cancel()
		if conn != nil {
			conn.Close()
		}
		return types.ErrClosed
	}
	if err != nil {
		cancel()
		c.cancel = nil
		if reconnecting {
			c.attempt++
			notify = c.scheduleLocked()
		} else {
			notify = append(notify, c.setStateLocked(StateDisconnected))
		}
		c.mu.Unlock()
		run(notify)
		c.logger.Warn().Err(err).Str("url", url).Bool("reconnect", reconnecting).Msg("connect failed")
		return err
	}

	cancel()
	loopCtx, loopCancel := context.WithCancel(context.Background())
	c.cancel = loopCancel
	c.conn = conn
	c.attempt = 0
	notify = append(notify, c.setStateLocked(StateConnected))
	for _, fn := range c.onConnect {
		notify = append(notify, func() { fn(resp) })
	}
	c.mu.Unlock()

	c.logger.Info().Str("url", url).Str("connection_id", resp.ConnectionID).Msg("connected")
	go c.readLoop(gen, conn)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(loopCtx, conn)
	}
	run(notify)
	return nil
}

// dial opens the transport and completes the auth handshake.
func (c *Client) dial(ctx context.Context, url, token string) (types.Conn, types.AuthResponse, error) {
	conn, err := c.dialer.Dial(ctx, url, c.cfg.Header)
	if err != nil {
		return nil, types.AuthResponse{}, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}

	req := types.AuthRequest{Token: token, UserID: c.cfg.UserID, TabID: c.cfg.TabID}
	if err := c.write(conn, req); err != nil {
		conn.Close()
		return nil, types.AuthResponse{}, err
	}

	var resp types.AuthResponse
	deadline := time.Now().Add(c.cfg.AuthTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		conn.Close()
		return nil, resp, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		if !time.Now().Before(deadline) {
			return nil, resp, fmt.Errorf("%w after %s", types.ErrAuthTimeout, c.cfg.AuthTimeout)
		}
		return nil, resp, fmt.Errorf("%w: read auth reply: %v", types.ErrTransport, err)
	}
	if !resp.OK {
		conn.Close()
		return nil, resp, fmt.Errorf("%w: %s", types.ErrAuthFailed, resp.Error)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, resp, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return conn, resp, nil
}

func (c *Client) readLoop(gen uint64, conn types.Conn) {
	for {
		var msg types.Message
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.Is(err, types.ErrInvalidPayload) || errors.As(err, &syntaxErr) {
				c.logger.Debug().Err(err).Msg("skipping malformed frame")
				continue
			}
			c.lost(gen, err)
			return
		}

		c.mu.Lock()
		live := gen == c.gen && c.state == StateConnected
		handlers := c.handlers
		c.mu.Unlock()
		if !live {
			return
		}

		for _, fn := range handlers {
			fn(msg)
		}
		if c.cfg.AutoAck && (msg.Type == types.TypeNotification || msg.Type == types.TypeMessage) {
			c.ack(conn, msg.ID)
		}
	}
}

func (c *Client) ack(conn types.Conn, messageID string) {
	ack, err := types.NewAck(messageID, types.AckReceived, "", types.WithSender(c.cfg.UserID))
	if err != nil {
		return
	}
	if err := c.write(conn, ack); err != nil {
		c.logger.Debug().Err(err).Str("message_id", messageID).Msg("ack not sent")
	}
}

// heartbeatLoop sends fire-and-forget heartbeats until ctx ends.
func (c *Client) heartbeatLoop(ctx context.Context, conn types.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb, err := types.NewHeartbeat(time.Now(), types.WithSender(c.cfg.UserID))
			if err != nil {
				continue
			}
			if err := c.write(conn, hb); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat not sent")
			}
		}
	}
}

// lost handles an unexpected close of generation gen's connection.
func (c *Client) lost(gen uint64, cause error) {
	var notify []func()
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	notify = append(notify, c.setStateLocked(StateDisconnected))
	notify = append(notify, c.disconnectedLocked(ReasonConnectionLost))
	if c.cfg.ReconnectEnabled {
		c.attempt = 0
		notify = append(notify, c.scheduleLocked()...)
	}
	c.mu.Unlock()

	c.logger.Warn().Err(cause).Msg("connection lost")
	run(notify)
}

// scheduleLocked arms the backoff timer for the next attempt, or gives up
// once MaxAttempts consecutive attempts failed.
func (c *Client) scheduleLocked() []func() {
	if c.attempt >= c.cfg.MaxAttempts {
		c.logger.Error().Int("attempts", c.attempt).Msg("giving up reconnecting")
		return []func(){
			c.setStateLocked(StateDisconnected),
			c.disconnectedLocked(ReasonReconnectFailed),
		}
	}

	c.gen++
	gen := c.gen
	delay := jitter(CalculateReconnectDelay(c.attempt, c.cfg.BaseDelay, c.cfg.MaxDelay), c.random())
	c.timer = time.AfterFunc(delay, func() { c.retry(gen) })
	c.logger.Info().Int("attempt", c.attempt+1).Dur("delay", delay).Msg("reconnect scheduled")
	return []func(){c.setStateLocked(StateReconnecting)}
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	run([]func(){notify})

	_ = c.establish(context.Background(), gen, true)
}

// stopLocked releases the live connection, its goroutines and the timer.
func (c *Client) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) setStateLocked(to State) func() {
	from := c.state
	c.state = to
	if from == to {
		return func() {}
	}
	observers := c.onState
	return func() {
		for _, fn := range observers {
			fn(from, to)
		}
	}
}

func (c *Client) disconnectedLocked(reason string) func() {
	observers := c.onDisconn
	return func() {
		for _, fn := range observers {
			fn(reason)
		}
	}
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
