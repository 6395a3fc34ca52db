// Package conntest provides an in-memory types.Conn for tests.
package conntest

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/orchestra-mcp/realtime/src/types"
)

// ErrTimeout is returned by ReadJSON when the read deadline passes.
var ErrTimeout = errors.New("i/o timeout")

// MockConn implements types.Conn without a real WebSocket.
type MockConn struct {
	mu           sync.Mutex
	written      []any
	readCh       chan []byte
	closed       bool
	closedCh     chan struct{}
	writeErr     error
	readDeadline time.Time
	writeCount   int
}

// New creates an open MockConn.
func New() *MockConn {
	return &MockConn{
		readCh:   make(chan []byte, 64),
		closedCh: make(chan struct{}),
	}
}

// WriteJSON records v, or fails with the injected error.
func (m *MockConn) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCount++
	if m.closed {
		return errors.New("write on closed connection")
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	m.written = append(m.written, v)
	return nil
}

// ReadJSON decodes the next pushed frame into v.
func (m *MockConn) ReadJSON(v any) error {
	m.mu.Lock()
	deadline := m.readDeadline
	m.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case raw := <-m.readCh:
		return json.Unmarshal(raw, v)
	case <-m.closedCh:
		return errors.New("connection closed")
	case <-timeout:
		return ErrTimeout
	}
}

// SetWriteDeadline is a no-op; writes never block.
func (m *MockConn) SetWriteDeadline(time.Time) error { return nil }

// SetReadDeadline bounds the next ReadJSON calls.
func (m *MockConn) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readDeadline = t
	return nil
}

// Close unblocks readers; further writes fail.
func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

// Push queues v as the next inbound frame.
func (m *MockConn) Push(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	m.readCh <- raw
}

// PushRaw queues a raw inbound frame.
func (m *MockConn) PushRaw(raw string) {
	m.readCh <- []byte(raw)
}

// FailWrites makes every following write return err. Pass nil to recover.
func (m *MockConn) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Closed reports whether Close was called.
func (m *MockConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Written returns a copy of every successfully written value.
func (m *MockConn) Written() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]any, len(m.written))
	copy(cp, m.written)
	return cp
}

// Messages returns the written values that are messages, in write order.
func (m *MockConn) Messages() []types.Message {
	var out []types.Message
	for _, v := range m.Written() {
		if msg, ok := v.(types.Message); ok {
			out = append(out, msg)
		}
	}
	return out
}

// WriteAttempts counts every WriteJSON call, failed ones included.
func (m *MockConn) WriteAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCount
}
