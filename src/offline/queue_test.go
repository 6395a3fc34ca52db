package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func openMemPebble(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := OpenPebbleStore("offline", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachStore runs fn against every backend that needs no external server.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("pebble", func(t *testing.T) { fn(t, openMemPebble(t)) })
}

func newTestQueue(t *testing.T, store Store, cfg Config) (*Queue, *testClock) {
	t.Helper()
	q, err := NewQueue(cfg, store, zerolog.Nop())
	require.NoError(t, err)
	clock := newClock()
	q.SetClock(clock.Now)
	return q, clock
}

func note(t *testing.T, title string) types.Message {
	t.Helper()
	m, err := types.NewNotification(types.NotificationPayload{Title: title})
	require.NoError(t, err)
	return m
}

func titles(entries []types.OfflineMessage) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.Payload.(types.NotificationPayload).Title
	}
	return out
}

func TestQueueKeepsMostRecentWithinBound(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		q, _ := newTestQueue(t, store, Config{Enabled: true, MaxCount: 3, TTL: time.Hour})

		for i := 1; i <= 5; i++ {
			_, err := q.QueueOfflineMessage(ctx, "alice", note(t, fmt.Sprintf("m%d", i)))
			require.NoError(t, err)
		}

		got, err := q.GetOfflineMessages(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"m3", "m4", "m5"}, titles(got))
		assert.Equal(t, int64(2), q.Counters().Evicted)
		assert.Equal(t, int64(5), q.Counters().Queued)
	})
}

func TestQueueAssignsIncreasingSeq(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		q, _ := newTestQueue(t, store, Config{Enabled: true, MaxCount: 10, TTL: time.Hour})

		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := q.QueueOfflineMessage(ctx, "alice", note(t, fmt.Sprintf("m%d", i)))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := q.GetOfflineMessages(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, got, 10)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1].Seq, got[i].Seq)
		}
	})
}

func TestQueueExpiryIsLazy(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		q, clock := newTestQueue(t, store, Config{Enabled: true, MaxCount: 2, TTL: time.Hour})

		_, err := q.QueueOfflineMessage(ctx, "alice", note(t, "old-1"))
		require.NoError(t, err)
		_, err = q.QueueOfflineMessage(ctx, "alice", note(t, "old-2"))
		require.NoError(t, err)

		clock.Advance(time.Hour)
		got, err := q.GetOfflineMessages(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Equal(t, int64(2), q.Counters().Expired)

		// Expired entries do not count against the bound.
		_, err = q.QueueOfflineMessage(ctx, "alice", note(t, "new"))
		require.NoError(t, err)
		got, err = q.GetOfflineMessages(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"new"}, titles(got))
		assert.Equal(t, int64(0), q.Counters().Evicted)
	})
}

func TestDrainDeliversInOrderThenEmpties(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		q, clock := newTestQueue(t, store, Config{Enabled: true, MaxCount: 10, TTL: time.Hour})

		for _, title := range []string{"a", "b", "c"} {
			_, err := q.QueueOfflineMessage(ctx, "alice", note(t, title))
			require.NoError(t, err)
			clock.Advance(time.Second)
		}

		var delivered []types.OfflineMessage
		n, err := q.Drain(ctx, "alice", func(m types.OfflineMessage) error {
			delivered = append(delivered, m)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, []string{"a", "b", "c"}, titles(delivered))

		got, err := q.GetOfflineMessages(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Equal(t, int64(3), q.Counters().Delivered)

		n, err = q.Drain(ctx, "alice", func(types.OfflineMessage) error {
			t.Fatal("nothing should be left to drain")
			return nil
		})
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		q, _ := newTestQueue(t, store, Config{Enabled: true, MaxCount: 10, TTL: time.Hour})

		for _, title := range []string{"a", "b", "c"} {
			_, err := q.QueueOfflineMessage(ctx, "alice", note(t, title))
			require.NoError(t, err)
		}

		broken := errors.New("write failed")
		calls := 0
		n, err := q.Drain(ctx, "alice", func(types.OfflineMessage) error {
			calls++
			if calls == 2 {
				return broken
			}
			return nil
		})
		assert.ErrorIs(t, err, broken)
		assert.Equal(t, 1, n)

		got, err := q.GetOfflineMessages(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, titles(got))
	})
}

func TestDrainStopsWhenContextEnds(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		q, _ := newTestQueue(t, store, Config{Enabled: true, MaxCount: 10, TTL: time.Hour})
		for _, title := range []string{"a", "b", "c"} {
			_, err := q.QueueOfflineMessage(context.Background(), "alice", note(t, title))
			require.NoError(t, err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		n, err := q.Drain(ctx, "alice", func(types.OfflineMessage) error {
			cancel()
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, n)

		got, err := q.GetOfflineMessages(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, titles(got))
	})
}

func TestSlowDrainDoesNotBlockOtherUsers(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, NewMemoryStore(), Config{Enabled: true, MaxCount: 10, TTL: time.Hour})

	// Pick a neighbour that hashes to alice's store shard.
	neighbour := ""
	for i := 0; neighbour == ""; i++ {
		if id := fmt.Sprintf("user-%d", i); shardFor(id) == shardFor("alice") {
			neighbour = id
		}
	}

	_, err := q.QueueOfflineMessage(ctx, "alice", note(t, "a"))
	require.NoError(t, err)

	entered := make(chan struct{})
	gate := make(chan struct{})
	drained := make(chan error, 1)
	go func() {
		_, err := q.Drain(ctx, "alice", func(types.OfflineMessage) error {
			close(entered)
			<-gate
			return nil
		})
		drained <- err
	}()
	<-entered

	queued := make(chan error, 1)
	go func() {
		_, err := q.QueueOfflineMessage(ctx, neighbour, note(t, "b"))
		queued <- err
	}()
	select {
	case err := <-queued:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queueing for another user waited on alice's drain")
	}
	got, err := q.GetOfflineMessages(ctx, neighbour)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, titles(got))

	close(gate)
	require.NoError(t, <-drained)

	q.locks.mu.Lock()
	assert.Empty(t, q.locks.held, "idle user locks are released")
	q.locks.mu.Unlock()
}

func TestMarkDeliveredHidesEntries(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		q, _ := newTestQueue(t, store, Config{Enabled: true, MaxCount: 10, TTL: time.Hour})

		first, err := q.QueueOfflineMessage(ctx, "alice", note(t, "a"))
		require.NoError(t, err)
		_, err = q.QueueOfflineMessage(ctx, "alice", note(t, "b"))
		require.NoError(t, err)

		n, err := q.MarkDelivered(ctx, "alice", first.ID, "unknown")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := q.GetOfflineMessages(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, titles(got))
	})
}

func TestClearAndPurge(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		q, clock := newTestQueue(t, store, Config{Enabled: true, MaxCount: 10, TTL: time.Minute})

		for _, user := range []string{"alice", "bob", "carol"} {
			_, err := q.QueueOfflineMessage(ctx, user, note(t, user))
			require.NoError(t, err)
		}

		n, err := q.ClearOfflineMessages(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = q.ClearOfflineMessages(ctx, "alice")
		require.NoError(t, err)
		assert.Zero(t, n)

		clock.Advance(30 * time.Second)
		_, err = q.QueueOfflineMessage(ctx, "carol", note(t, "fresh"))
		require.NoError(t, err)

		clock.Advance(45 * time.Second)
		purged, err := q.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, purged)

		users, err := store.Users(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"carol"}, users)

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Pending)
		assert.Equal(t, 1, st.Users)
		assert.Equal(t, int64(2), st.Expired)
	})
}

func TestDisabledQueueRejects(t *testing.T) {
	q, err := NewQueue(Config{Enabled: false}, NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, q.Enabled())

	_, err = q.QueueOfflineMessage(context.Background(), "alice", note(t, "x"))
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestNewQueueValidatesBounds(t *testing.T) {
	_, err := NewQueue(Config{Enabled: true, MaxCount: 0, TTL: time.Hour}, NewMemoryStore(), zerolog.Nop())
	assert.Error(t, err)
	_, err = NewQueue(Config{Enabled: true, MaxCount: 5}, NewMemoryStore(), zerolog.Nop())
	assert.Error(t, err)
}

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()

	s, err := OpenPebbleStore("offline", &pebble.Options{FS: fs})
	require.NoError(t, err)
	q, _ := newTestQueue(t, s, Config{Enabled: true, MaxCount: 10, TTL: time.Hour})
	_, err = q.QueueOfflineMessage(ctx, "alice", note(t, "kept"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenPebbleStore("offline", &pebble.Options{FS: fs})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, titles(got))
}

func TestPebbleStoreIsolatesPrefixUsers(t *testing.T) {
	ctx := context.Background()
	s := openMemPebble(t)

	require.NoError(t, s.Save(ctx, types.OfflineMessage{ID: "1", Seq: 1, UserID: "a", Message: note(t, "for-a")}))
	require.NoError(t, s.Save(ctx, types.OfflineMessage{ID: "2", Seq: 2, UserID: "ab", Message: note(t, "for-ab")}))

	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "ab"}, users)

	n, err := s.DeleteAll(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Load(ctx, "ab")
	require.NoError(t, err)
	assert.Equal(t, []string{"for-ab"}, titles(got))
}

func TestSweeperSchedule(t *testing.T) {
	q, _ := newTestQueue(t, NewMemoryStore(), Config{Enabled: true, MaxCount: 1, TTL: time.Hour})

	_, err := NewSweeper(q, "not a cron", zerolog.Nop())
	assert.Error(t, err)

	s, err := NewSweeper(q, "", zerolog.Nop())
	require.NoError(t, err)
	next, err := s.Next(time.Date(2026, 3, 1, 10, 2, 30, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), next)
}
