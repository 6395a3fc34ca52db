package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/realtime/src/conntest"
	"github.com/orchestra-mcp/realtime/src/events"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(events.New(zerolog.Nop()), zerolog.Nop())
}

func newTestClient(id, userID string) (*Client, *conntest.MockConn) {
	conn := conntest.New()
	info := types.ConnectionInfo{ConnectionID: id, UserID: userID, ConnectedAt: time.Now()}
	return NewClient(info, conn, ClientOptions{WriteTimeout: time.Second}), conn
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (h *recordingHandler) HandleInbound(_ *Client, msg types.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *recordingHandler) received() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.Message(nil), h.msgs...)
}

func TestRegisterAndDisconnect(t *testing.T) {
	r := newTestRegistry(t)

	c1, _ := newTestClient("c1", "alice")
	c2, _ := newTestClient("c2", "alice")
	c3, _ := newTestClient("c3", "bob")
	for _, c := range []*Client{c1, c2, c3} {
		require.NoError(t, r.Register(c))
	}

	assert.Equal(t, 3, r.ConnectionCount())
	assert.Equal(t, 2, r.UserCount())
	assert.Len(t, r.GetConnectionsByUserID("alice"), 2)
	assert.Len(t, r.GetAllConnections(), 3)

	info, ok := r.GetConnection("c3")
	require.True(t, ok)
	assert.Equal(t, "bob", info.UserID)
	assert.False(t, info.LastHeartbeat.IsZero())

	assert.True(t, r.DisconnectConnection("c1", "test"))
	assert.Len(t, r.GetConnectionsByUserID("alice"), 1)
	assert.Equal(t, "c2", r.GetConnectionsByUserID("alice")[0].ConnectionID)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := newTestRegistry(t)

	c1, _ := newTestClient("dup", "alice")
	c2, _ := newTestClient("dup", "bob")
	require.NoError(t, r.Register(c1))
	assert.Error(t, r.Register(c2))

	assert.Equal(t, 1, r.ConnectionCount())
	assert.Empty(t, r.GetConnectionsByUserID("bob"))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)

	var reasons []string
	r.Hooks().OnDisconnect(func(_, reason string) { reasons = append(reasons, reason) })

	c, conn := newTestClient("c1", "alice")
	require.NoError(t, r.Register(c))

	assert.True(t, r.DisconnectConnection("c1", events.ReasonHeartbeatTimeout))
	assert.False(t, r.DisconnectConnection("c1", events.ReasonHeartbeatTimeout))
	assert.False(t, r.DisconnectConnection("never-existed", "x"))

	assert.Equal(t, []string{events.ReasonHeartbeatTimeout}, reasons)
	assert.True(t, conn.Closed())
	assert.Equal(t, 0, r.ConnectionCount())
	assert.Equal(t, 0, r.UserCount())
}

func TestDisconnectUserRemovesAllDevices(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < 3; i++ {
		c, _ := newTestClient(fmt.Sprintf("a%d", i), "alice")
		require.NoError(t, r.Register(c))
	}
	other, _ := newTestClient("b1", "bob")
	require.NoError(t, r.Register(other))

	assert.Equal(t, 3, r.DisconnectUser("alice", events.ReasonKicked))
	assert.Equal(t, 0, r.DisconnectUser("alice", events.ReasonKicked))
	assert.False(t, r.IsOnline("alice"))
	assert.True(t, r.IsOnline("bob"))
}

func TestConnectHookSeesRegisteredConnection(t *testing.T) {
	r := newTestRegistry(t)

	var seen []types.ConnectionInfo
	r.Hooks().OnConnect(func(info types.ConnectionInfo) {
		// The connection must already be resolvable when observers run.
		_, ok := r.GetConnection(info.ConnectionID)
		assert.True(t, ok)
		seen = append(seen, info)
	})

	c, _ := newTestClient("c1", "alice")
	require.NoError(t, r.Register(c))
	require.Len(t, seen, 1)
	assert.Equal(t, "c1", seen[0].ConnectionID)
}

func TestLiveWritesWaitForConnectReplay(t *testing.T) {
	r := newTestRegistry(t)
	c, conn := newTestClient("c1", "alice")

	r.Hooks().OnConnect(func(types.ConnectionInfo) {
		assert.True(t, c.Replaying())
		require.NoError(t, c.Write(types.Message{ID: "live"}))
		assert.Empty(t, conn.Written(), "live frames are parked during replay")
		require.NoError(t, c.Replay(types.Message{ID: "backlog-1"}))
		require.NoError(t, c.Replay(types.Message{ID: "backlog-2"}))
	})
	require.NoError(t, r.Register(c))
	assert.False(t, c.Replaying())

	var ids []string
	for _, m := range conn.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"backlog-1", "backlog-2", "live"}, ids)

	require.NoError(t, c.Write(types.Message{ID: "after"}))
	assert.Len(t, conn.Messages(), 4)
}

func TestFailedFlushAfterReplayEvicts(t *testing.T) {
	r := newTestRegistry(t)
	c, conn := newTestClient("c1", "alice")

	var reasons []string
	r.Hooks().OnDisconnect(func(_, reason string) { reasons = append(reasons, reason) })
	var errs []error
	r.Hooks().OnError(func(_ string, err error) { errs = append(errs, err) })
	r.Hooks().OnConnect(func(types.ConnectionInfo) {
		require.NoError(t, c.Write(types.Message{ID: "live"}))
		conn.FailWrites(errors.New("broken pipe"))
	})

	require.NoError(t, r.Register(c))
	assert.Zero(t, r.ConnectionCount())
	assert.Equal(t, []string{events.ReasonTransportError}, reasons)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], types.ErrTransport)
	assert.True(t, conn.Closed())
}

func TestConcurrentDevicesKeepUserSetConsistent(t *testing.T) {
	r := newTestRegistry(t)

	const devices = 50
	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _ := newTestClient(fmt.Sprintf("dev-%d", i), "alice")
			if err := r.Register(c); err != nil {
				t.Error(err)
				return
			}
			if i%2 == 0 {
				r.DisconnectConnection(c.ID(), "test")
			}
		}(i)
	}
	wg.Wait()

	conns := r.GetConnectionsByUserID("alice")
	assert.Len(t, conns, devices/2)
	for _, info := range conns {
		_, ok := r.GetConnection(info.ConnectionID)
		assert.True(t, ok, "stale id %s in user index", info.ConnectionID)
	}
	assert.Equal(t, devices/2, r.ConnectionCount())
}

func TestStaleSince(t *testing.T) {
	r := newTestRegistry(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	r.SetClock(func() time.Time { return current })

	old, _ := newTestClient("old", "alice")
	require.NoError(t, r.Register(old))

	current = base.Add(time.Minute)
	fresh, _ := newTestClient("fresh", "bob")
	require.NoError(t, r.Register(fresh))

	assert.Equal(t, []string{"old"}, r.StaleSince(base.Add(30*time.Second)))

	current = base.Add(2 * time.Minute)
	assert.True(t, r.Touch("old"))
	assert.Empty(t, r.StaleSince(base.Add(90*time.Second)))
	assert.False(t, r.Touch("missing"))
}

func TestClientWriteWrapsTransportError(t *testing.T) {
	c, conn := newTestClient("c1", "alice")
	conn.FailWrites(errors.New("broken pipe"))

	err := c.Write(types.Message{ID: "m"})
	assert.ErrorIs(t, err, types.ErrTransport)

	conn.FailWrites(nil)
	c.Close()
	err = c.Write(types.Message{ID: "m"})
	assert.ErrorIs(t, err, types.ErrTransport)
	assert.ErrorIs(t, err, types.ErrClosed)
}

func TestReadPumpDispatchesAndCleansUp(t *testing.T) {
	r := newTestRegistry(t)
	handler := &recordingHandler{}
	r.SetInboundHandler(handler)

	var errs []error
	var mu sync.Mutex
	r.Hooks().OnError(func(_ string, err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	})

	c, conn := newTestClient("c1", "alice")
	require.NoError(t, r.Register(c))
	done := make(chan struct{})
	go func() {
		c.ReadPump(r)
		close(done)
	}()

	ack, err := types.NewAck("m-1", types.AckRead, "", types.WithSender("spoofed"))
	require.NoError(t, err)
	conn.PushRaw(`{"id":"x","type":"bogus","payload":{}}`)
	conn.Push(ack)

	require.Eventually(t, func() bool { return len(handler.received()) == 1 }, time.Second, 5*time.Millisecond)
	got := handler.received()[0]
	assert.Equal(t, ack.ID, got.ID)
	assert.Equal(t, "alice", got.UserID)

	mu.Lock()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], types.ErrInvalidPayload)
	mu.Unlock()

	conn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read pump did not exit")
	}
	_, ok := r.GetConnection("c1")
	assert.False(t, ok)
}

func TestReadPumpRateLimitsInbound(t *testing.T) {
	r := newTestRegistry(t)
	handler := &recordingHandler{}
	r.SetInboundHandler(handler)

	limited := 0
	var mu sync.Mutex
	r.Hooks().OnError(func(_ string, err error) {
		if errors.Is(err, types.ErrRateLimited) {
			mu.Lock()
			limited++
			mu.Unlock()
		}
	})

	conn := conntest.New()
	c := NewClient(types.ConnectionInfo{ConnectionID: "c1", UserID: "alice"}, conn,
		ClientOptions{InboundRate: 0.001, InboundBurst: 2})
	require.NoError(t, r.Register(c))
	go c.ReadPump(r)
	t.Cleanup(func() { conn.Close() })

	for i := 0; i < 5; i++ {
		hb, err := types.NewHeartbeat(time.Now())
		require.NoError(t, err)
		conn.Push(hb)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return limited == 3
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, handler.received(), 2)
}
