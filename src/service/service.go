// Package service is the delivery entry point producers call to reach users.
package service

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"time"

	"github.com/orchestra-mcp/realtime/src/events"
	"github.com/orchestra-mcp/realtime/src/offline"
	"github.com/orchestra-mcp/realtime/src/registry"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Recorder receives delivery counters. A nil recorder is allowed.
type Recorder interface {
	MessageDelivered(t types.MessageType)
	MessageQueued()
	TransportError()
}

// Options tunes the service.
type Options struct {
	// FanOut caps concurrent writes during one send or broadcast.
	FanOut int
	// DrainTimeout bounds the offline drain run for a new connection.
	DrainTimeout time.Duration
	Recorder     Recorder
}

// Stats is the observability snapshot returned by Stats.
type Stats struct {
	Connections int           `json:"connections"`
	Users       int           `json:"users"`
	Queue       offline.Stats `json:"queue"`
}

// Service sends, broadcasts and disconnects on top of the registry and the
// offline queue. It also consumes inbound frames and drains the offline
// queue into every newly registered connection.
type Service struct {
	registry *registry.Registry
	queue    *offline.Queue
	hooks    *events.Hooks
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates the service and attaches it to the registry's connect hook and
// inbound handler.
func New(reg *registry.Registry, queue *offline.Queue, opts Options, logger zerolog.Logger) *Service {
	if opts.FanOut <= 0 {
		opts.FanOut = 64
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	s := &Service{
		registry: reg,
		queue:    queue,
		hooks:    reg.Hooks(),
		opts:     opts,
		logger:   logger.With().Str("component", "delivery").Logger(),
		now:      time.Now,
	}
	reg.SetInboundHandler(s)
	s.hooks.OnConnect(s.onConnect)
	return s
}

// Registry returns the connection registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Queue returns the offline queue.
func (s *Service) Queue() *offline.Queue { return s.queue }

// SendToUser delivers msg to every live connection of userID. With no live
// connection the message is queued offline when its type allows it. The
// result reports whether at least one live delivery happened; the error is
// only set for a message that fails validation.
func (s *Service) SendToUser(ctx context.Context, userID string, msg types.Message) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, err
	}

	if s.fanOut(s.registry.ClientsByUser(userID), msg) > 0 {
		return true, nil
	}

	if !msg.Type.Queueable() || !s.queue.Enabled() {
		s.logger.Debug().
			Str("user_id", userID).
			Str("message_id", msg.ID).
			Str("type", string(msg.Type)).
			Msg("user offline, message dropped")
		return false, nil
	}

	if _, err := s.queue.QueueOfflineMessage(ctx, userID, msg); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("message_id", msg.ID).Msg("offline queue failed")
		return false, nil
	}
	if s.opts.Recorder != nil {
		s.opts.Recorder.MessageQueued()
	}

	// A connection registered between the lookup and the save has already
	// drained; hand it what was just queued.
	if clients := s.registry.ClientsByUser(userID); len(clients) > 0 {
		if n, _ := s.drainTo(ctx, clients[0]); n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// SendToConnection delivers msg to one connection. It returns false when the
// connection is unknown or the write fails.
func (s *Service) SendToConnection(connectionID string, msg types.Message) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, err
	}
	c, ok := s.registry.Client(connectionID)
	if !ok {
		s.logger.Debug().
			Err(types.ErrConnectionNotFound).
			Str("connection_id", connectionID).
			Str("message_id", msg.ID).
			Msg("send skipped")
		return false, nil
	}
	return s.deliver(c, msg), nil
}

// Broadcast delivers msg to every live connection whose user is not in
// excludeUserIDs and returns how many connections received it. Broadcasts
// are never queued offline.
func (s *Service) Broadcast(msg types.Message, excludeUserIDs ...string) (int, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	all := s.registry.AllClients()
	targets := all[:0]
	for _, c := range all {
		if !slices.Contains(excludeUserIDs, c.UserID()) {
			targets = append(targets, c)
		}
	}
	n := s.fanOut(targets, msg)
	s.logger.Debug().
		Str("message_id", msg.ID).
		Str("type", string(msg.Type)).
		Int("targets", len(targets)).
		Int("delivered", n).
		Msg("broadcast")
	return n, nil
}

// DisconnectUser closes every connection of userID.
func (s *Service) DisconnectUser(userID, reason string) int {
	return s.registry.DisconnectUser(userID, reason)
}

// DisconnectConnection closes one connection.
func (s *Service) DisconnectConnection(connectionID, reason string) bool {
	return s.registry.DisconnectConnection(connectionID, reason)
}

// Stats returns connection totals and queue depth.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	qs, err := s.queue.Stats(ctx)
	return Stats{
		Connections: s.registry.ConnectionCount(),
		Users:       s.registry.UserCount(),
		Queue:       qs,
	}, err
}

// HandleInbound consumes a validated frame read from c.
func (s *Service) HandleInbound(c *registry.Client, msg types.Message) {
	switch p := msg.Payload.(type) {
	case types.HeartbeatPayload:
		s.hooks.EmitHeartbeat(c.ID())
		serverTime := s.now().UTC()
		reply, err := types.NewMessage(types.TypeHeartbeat, types.HeartbeatPayload{
			ClientTime: p.ClientTime,
			ServerTime: &serverTime,
		})
		if err != nil {
			s.hooks.EmitError(c.ID(), err)
			return
		}
		s.deliver(c, reply)
	default:
		s.hooks.EmitMessage(c.ID(), msg)
	}
}

func (s *Service) onConnect(info types.ConnectionInfo) {
	c, ok := s.registry.Client(info.ConnectionID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DrainTimeout)
	defer cancel()
	if _, err := s.drainTo(ctx, c); err != nil && !errors.Is(err, types.ErrTransport) {
		s.logger.Error().Err(err).Str("connection_id", c.ID()).Str("user_id", c.UserID()).Msg("offline drain failed")
	}
}

// drainTo hands the user's pending offline messages to c only, leaving the
// user's other connections untouched.
func (s *Service) drainTo(ctx context.Context, c *registry.Client) (int, error) {
	if !s.queue.Enabled() {
		return 0, nil
	}
	var writeErr error
	n, err := s.queue.Drain(ctx, c.UserID(), func(e types.OfflineMessage) error {
		if werr := c.Replay(e.Message); werr != nil {
			writeErr = werr
			return werr
		}
		if s.opts.Recorder != nil {
			s.opts.Recorder.MessageDelivered(e.Message.Type)
		}
		return nil
	})
	if writeErr != nil {
		s.evict(c, writeErr)
	}
	return n, err
}

// fanOut writes msg to every client concurrently and returns the number of
// successful writes. A failing client is evicted and never stops the rest.
func (s *Service) fanOut(clients []*registry.Client, msg types.Message) int {
	switch len(clients) {
	case 0:
		return 0
	case 1:
		if s.deliver(clients[0], msg) {
			return 1
		}
		return 0
	}

	var delivered atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.opts.FanOut)
	for _, c := range clients {
		g.Go(func() error {
			if s.deliver(c, msg) {
				delivered.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}

func (s *Service) deliver(c *registry.Client, msg types.Message) bool {
	if err := c.Write(msg); err != nil {
		s.evict(c, err)
		return false
	}
	if s.opts.Recorder != nil {
		s.opts.Recorder.MessageDelivered(msg.Type)
	}
	s.logger.Debug().
		Str("connection_id", c.ID()).
		Str("message_id", msg.ID).
		Str("type", string(msg.Type)).
		Msg("delivered")
	return true
}

// evict treats a failed write as a dead connection. A write that lost the
// race with a deliberate close is not a transport failure.
func (s *Service) evict(c *registry.Client, err error) {
	if errors.Is(err, types.ErrClosed) {
		s.logger.Debug().Str("connection_id", c.ID()).Msg("write after close skipped")
		return
	}
	s.hooks.EmitError(c.ID(), err)
	if s.opts.Recorder != nil {
		s.opts.Recorder.TransportError()
	}
	s.registry.DisconnectConnection(c.ID(), events.ReasonTransportError)
}
