package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/orchestra-mcp/realtime/src/events"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

const shardCount = 32

// InboundHandler receives validated messages read from a connection.
type InboundHandler interface {
	HandleInbound(c *Client, msg types.Message)
}

type connShard struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{} // userID -> set of connectionIDs
}

// Registry is the authoritative map of live connections. Connections are
// partitioned by connection id and the user index by user id; a mutation
// locks its connection shard and then its user shard, never the reverse.
type Registry struct {
	conns [shardCount]connShard
	users [shardCount]userShard
	count atomic.Int64

	inbound atomic.Pointer[InboundHandler]
	hooks   *events.Hooks
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates an empty registry that reports lifecycle events through hooks.
func New(hooks *events.Hooks, logger zerolog.Logger) *Registry {
	r := &Registry{
		hooks:  hooks,
		logger: logger.With().Str("component", "registry").Logger(),
		now:    time.Now,
	}
	for i := range r.conns {
		r.conns[i].clients = make(map[string]*Client)
		r.users[i].users = make(map[string]map[string]struct{})
	}
	return r
}

// SetClock replaces the time source used for liveness stamps.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// SetInboundHandler attaches the consumer of inbound messages.
func (r *Registry) SetInboundHandler(h InboundHandler) {
	r.inbound.Store(&h)
}

// Hooks returns the event hooks the registry emits on.
func (r *Registry) Hooks() *events.Hooks { return r.hooks }

func shardFor(key string) uint64 {
	return xxhash.Sum64String(key) % shardCount
}

// Register adds a connection and fires onConnect. Live writes to the
// connection are parked until the onConnect observers return, so anything
// they replay reaches the peer first. Registering an id that is already live
// is rejected.
func (r *Registry) Register(c *Client) error {
	id, userID := c.ID(), c.UserID()
	if id == "" || userID == "" {
		return fmt.Errorf("register: connection id and user id are required")
	}
	c.touch(r.now())

	cs := &r.conns[shardFor(id)]
	us := &r.users[shardFor(userID)]

	cs.mu.Lock()
	if _, exists := cs.clients[id]; exists {
		cs.mu.Unlock()
		return fmt.Errorf("register: connection %s already registered", id)
	}
	c.hold()
	cs.clients[id] = c
	us.mu.Lock()
	set, ok := us.users[userID]
	if !ok {
		set = make(map[string]struct{})
		us.users[userID] = set
	}
	set[id] = struct{}{}
	us.mu.Unlock()
	cs.mu.Unlock()

	total := r.count.Add(1)
	info := c.Info()
	r.logger.Info().
		Str("connection_id", id).
		Str("user_id", userID).
		Str("tab_id", info.TabID).
		Int64("connections", total).
		Msg("connection registered")

	r.hooks.EmitConnect(info)
	if err := c.release(); err != nil {
		if !errors.Is(err, types.ErrClosed) {
			r.hooks.EmitError(id, err)
		}
		r.DisconnectConnection(id, events.ReasonTransportError)
	}
	return nil
}

// DisconnectConnection removes a connection, closes its transport and fires
// onDisconnect. Removing an absent id is a no-op that returns false.
func (r *Registry) DisconnectConnection(id, reason string) bool {
	cs := &r.conns[shardFor(id)]

	cs.mu.Lock()
	c, ok := cs.clients[id]
	if !ok {
		cs.mu.Unlock()
		return false
	}
	delete(cs.clients, id)
	userID := c.UserID()
	us := &r.users[shardFor(userID)]
	us.mu.Lock()
	if set, ok := us.users[userID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(us.users, userID)
		}
	}
	us.mu.Unlock()
	cs.mu.Unlock()

	c.Close()
	total := r.count.Add(-1)
	r.logger.Info().
		Str("connection_id", id).
		Str("user_id", userID).
		Str("reason", reason).
		Int64("connections", total).
		Msg("connection removed")

	r.hooks.EmitDisconnect(id, reason)
	return true
}

// DisconnectUser removes every connection of userID and returns how many
// were removed.
func (r *Registry) DisconnectUser(userID, reason string) int {
	removed := 0
	for _, id := range r.connectionIDs(userID) {
		if r.DisconnectConnection(id, reason) {
			removed++
		}
	}
	return removed
}

// Touch refreshes the liveness stamp of a connection.
func (r *Registry) Touch(id string) bool {
	c, ok := r.Client(id)
	if !ok {
		return false
	}
	c.touch(r.now())
	return true
}

// Close removes every connection.
func (r *Registry) Close(reason string) {
	for _, c := range r.AllClients() {
		r.DisconnectConnection(c.ID(), reason)
	}
}

func (r *Registry) dispatch(c *Client, msg types.Message) {
	h := r.inbound.Load()
	if h == nil {
		r.hooks.EmitMessage(c.ID(), msg)
		return
	}
	(*h).HandleInbound(c, msg)
}

func (r *Registry) connectionIDs(userID string) []string {
	us := &r.users[shardFor(userID)]
	us.mu.RLock()
	defer us.mu.RUnlock()
	set := us.users[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
