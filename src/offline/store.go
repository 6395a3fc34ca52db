// Package offline holds messages for users with no live connection until
// they reconnect or the retention window passes.
package offline

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/orchestra-mcp/realtime/src/types"
)

// Store persists offline messages. Implementations must return a user's
// entries in ascending Seq order. Save is an upsert keyed by (UserID, Seq).
// Callers serialize writes per user; stores only need to be safe across users.
type Store interface {
	Save(ctx context.Context, m types.OfflineMessage) error
	Load(ctx context.Context, userID string) ([]types.OfflineMessage, error)
	Delete(ctx context.Context, userID string, entries ...types.OfflineMessage) error
	DeleteAll(ctx context.Context, userID string) (int, error)
	Users(ctx context.Context) ([]string, error)
	Close() error
}

const shardCount = 32

func shardFor(userID string) uint64 {
	return xxhash.Sum64String(userID) % shardCount
}
