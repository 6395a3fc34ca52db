// Package events carries the outbound observer hooks of the delivery core.
// Observers run synchronously on the caller's goroutine; a panicking observer
// is logged and skipped so it cannot take the pipeline down with it.
package events

import (
	"fmt"
	"sync"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// Disconnect reasons reported through OnDisconnect.
const (
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonTransportError   = "transport_error"
	ReasonConnectionClosed = "connection_closed"
	ReasonServerShutdown   = "server_shutdown"
	ReasonKicked           = "kicked"
)

// Hooks holds the registered observers for every outbound event.
type Hooks struct {
	mu          sync.RWMutex
	onConnect   []func(types.ConnectionInfo)
	onDisconn   []func(connectionID, reason string)
	onMessage   []func(connectionID string, msg types.Message)
	onError     []func(connectionID string, err error)
	onHeartbeat []func(connectionID string)
	logger      zerolog.Logger
}

// New creates an empty hook set.
func New(logger zerolog.Logger) *Hooks {
	return &Hooks{logger: logger.With().Str("component", "events").Logger()}
}

// OnConnect registers a callback for new connections.
func (h *Hooks) OnConnect(cb func(types.ConnectionInfo)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, cb)
}

// OnDisconnect registers a callback for removed connections.
func (h *Hooks) OnDisconnect(cb func(connectionID, reason string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconn = append(h.onDisconn, cb)
}

// OnMessage registers a callback for inbound messages.
func (h *Hooks) OnMessage(cb func(connectionID string, msg types.Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = append(h.onMessage, cb)
}

// OnError registers a callback for per-connection failures.
func (h *Hooks) OnError(cb func(connectionID string, err error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onError = append(h.onError, cb)
}

// OnHeartbeat registers a callback for received heartbeats.
func (h *Hooks) OnHeartbeat(cb func(connectionID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onHeartbeat = append(h.onHeartbeat, cb)
}

// EmitConnect notifies connect observers.
func (h *Hooks) EmitConnect(info types.ConnectionInfo) {
	h.mu.RLock()
	cbs := h.onConnect
	h.mu.RUnlock()
	for _, cb := range cbs {
		h.safe("connect", info.ConnectionID, func() { cb(info) })
	}
}

// EmitDisconnect notifies disconnect observers.
func (h *Hooks) EmitDisconnect(connectionID, reason string) {
	h.mu.RLock()
	cbs := h.onDisconn
	h.mu.RUnlock()
	for _, cb := range cbs {
		h.safe("disconnect", connectionID, func() { cb(connectionID, reason) })
	}
}

// EmitMessage notifies message observers.
func (h *Hooks) EmitMessage(connectionID string, msg types.Message) {
	h.mu.RLock()
	cbs := h.onMessage
	h.mu.RUnlock()
	for _, cb := range cbs {
		h.safe("message", connectionID, func() { cb(connectionID, msg) })
	}
}

// EmitError logs err and notifies error observers.
func (h *Hooks) EmitError(connectionID string, err error) {
	h.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("connection error")

	h.mu.RLock()
	cbs := h.onError
	h.mu.RUnlock()
	for _, cb := range cbs {
		h.safe("error", connectionID, func() { cb(connectionID, err) })
	}
}

// EmitHeartbeat notifies heartbeat observers.
func (h *Hooks) EmitHeartbeat(connectionID string) {
	h.mu.RLock()
	cbs := h.onHeartbeat
	h.mu.RUnlock()
	for _, cb := range cbs {
		h.safe("heartbeat", connectionID, func() { cb(connectionID) })
	}
}

func (h *Hooks) safe(event, connectionID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().
				Str("event", event).
				Str("connection_id", connectionID).
				Err(fmt.Errorf("%v", r)).
				Msg("observer panicked")
		}
	}()
	fn()
}
