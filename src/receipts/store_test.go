package receipts

import (
	"context"
	"testing"
	"time"

	"github.com/orchestra-mcp/realtime/src/events"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, Receipt{MessageID: "m1", ConnectionID: "c1", UserID: "alice", Status: types.AckReceived, AckedAt: base}))
	require.NoError(t, s.Record(ctx, Receipt{MessageID: "m1", ConnectionID: "c1", UserID: "alice", Status: types.AckRead, AckedAt: base.Add(time.Minute)}))
	require.NoError(t, s.Record(ctx, Receipt{MessageID: "m2", ConnectionID: "c1", UserID: "alice", Status: types.AckReceived, AckedAt: base}))
	// Same status again only moves the time.
	require.NoError(t, s.Record(ctx, Receipt{MessageID: "m1", ConnectionID: "c1", UserID: "alice", Status: types.AckReceived, AckedAt: base.Add(30 * time.Second)}))

	got, err := s.ForMessage(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.AckReceived, got[0].Status)
	assert.True(t, got[0].AckedAt.Equal(base.Add(30*time.Second)))
	assert.Equal(t, types.AckRead, got[1].Status)

	none, err := s.ForMessage(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestObserveRecordsAcks(t *testing.T) {
	s := openTestStore(t)
	hooks := events.New(zerolog.Nop())
	s.Observe(hooks)

	ack, err := types.NewAck("m-9", types.AckError, "render failed", types.WithSender("bob"))
	require.NoError(t, err)
	hooks.EmitMessage("conn-7", ack)

	chat, err := types.NewChatMessage(types.ChatPayload{Content: "hello"}, types.WithSender("bob"))
	require.NoError(t, err)
	hooks.EmitMessage("conn-7", chat)

	got, err := s.ForMessage(context.Background(), "m-9")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "conn-7", got[0].ConnectionID)
	assert.Equal(t, "bob", got[0].UserID)
	assert.Equal(t, types.AckError, got[0].Status)
	assert.Equal(t, "render failed", got[0].Error)

	other, err := s.ForMessage(context.Background(), chat.ID)
	require.NoError(t, err)
	assert.Empty(t, other)
}
