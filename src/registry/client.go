package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orchestra-mcp/realtime/src/events"
	"github.com/orchestra-mcp/realtime/src/types"
	"golang.org/x/time/rate"
)

// ClientOptions tunes a single connection.
type ClientOptions struct {
	// WriteTimeout bounds every write; zero disables the deadline.
	WriteTimeout time.Duration
	// InboundRate is the sustained inbound frames per second; zero disables limiting.
	InboundRate float64
	// InboundBurst is the limiter bucket size.
	InboundBurst int
}

// Client wraps a WebSocket connection owned by the registry.
type Client struct {
	conn         types.Conn
	writeTimeout time.Duration
	limiter      *rate.Limiter

	mu     sync.RWMutex
	info   types.ConnectionInfo
	closed bool

	writeMu sync.Mutex

	holdMu  sync.Mutex
	holding bool
	held    []any
}

// holdLimit caps the live frames parked while the offline backlog replays.
const holdLimit = 1024

// NewClient creates a client for an authenticated connection.
func NewClient(info types.ConnectionInfo, conn types.Conn, opts ClientOptions) *Client {
	c := &Client{
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		info:         info,
	}
	if opts.InboundRate > 0 {
		burst := opts.InboundBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.InboundRate), burst)
	}
	return c
}

// ID returns the connection id.
func (c *Client) ID() string { return c.info.ConnectionID }

// UserID returns the owning user.
func (c *Client) UserID() string { return c.info.UserID }

// Info returns a snapshot of the connection metadata.
func (c *Client) Info() types.ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

func (c *Client) lastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.LastHeartbeat
}

func (c *Client) touch(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.After(c.info.LastHeartbeat) {
		c.info.LastHeartbeat = at
	}
}

// Write sends v to the peer under the write timeout. Any failure is
// reported as types.ErrTransport. While the connection is replaying its
// offline backlog, v is parked and written once the replay finishes.
func (c *Client) Write(v any) error {
	c.holdMu.Lock()
	if c.holding {
		defer c.holdMu.Unlock()
		if len(c.held) >= holdLimit {
			return fmt.Errorf("%w: %w", types.ErrTransport, types.ErrQueueOverflow)
		}
		c.held = append(c.held, v)
		return nil
	}
	c.holdMu.Unlock()
	return c.write(v)
}

// Replay writes v immediately, ahead of any parked live frames. It is the
// write path for offline backlog entries.
func (c *Client) Replay(v any) error {
	return c.write(v)
}

// Replaying reports whether live writes are currently parked.
func (c *Client) Replaying() bool {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	return c.holding
}

func (c *Client) hold() {
	c.holdMu.Lock()
	c.holding = true
	c.holdMu.Unlock()
}

// release flushes parked frames in arrival order and resumes direct writes.
// Frames parked during the flush are written before direct writes resume.
func (c *Client) release() error {
	for {
		c.holdMu.Lock()
		batch := c.held
		c.held = nil
		if len(batch) == 0 {
			c.holding = false
			c.holdMu.Unlock()
			return nil
		}
		c.holdMu.Unlock()

		for _, v := range batch {
			if err := c.write(v); err != nil {
				c.holdMu.Lock()
				c.holding = false
				c.held = nil
				c.holdMu.Unlock()
				return err
			}
		}
	}
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: %w", types.ErrTransport, types.ErrClosed)
	}

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("%w: set deadline: %v", types.ErrTransport, err)
		}
	}
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return nil
}

// ReadPump reads frames until the connection fails, refreshing liveness on
// every frame and handing valid messages to the registry's inbound handler.
// On exit the connection is removed from the registry.
func (c *Client) ReadPump(r *Registry) {
	defer func() {
		r.DisconnectConnection(c.ID(), events.ReasonConnectionClosed)
		c.Close()
	}()

	for {
		var msg types.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if isDecodeError(err) {
				r.Touch(c.ID())
				r.hooks.EmitError(c.ID(), fmt.Errorf("%w: %v", types.ErrInvalidPayload, err))
				continue
			}
			return
		}
		r.Touch(c.ID())

		if c.limiter != nil && !c.limiter.Allow() {
			r.hooks.EmitError(c.ID(), fmt.Errorf("%w: dropped %s %s", types.ErrRateLimited, msg.Type, msg.ID))
			continue
		}
		if err := msg.Validate(); err != nil {
			r.hooks.EmitError(c.ID(), err)
			continue
		}
		msg.UserID = c.UserID()
		r.dispatch(c, msg)
	}
}

// Close closes the transport once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.Is(err, types.ErrInvalidPayload) ||
		errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr)
}
