package offline

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/orchestra-mcp/realtime/src/types"
)

// Keys are "o/<hex userID>/<big-endian seq>" so a user's entries sort by
// creation and one user's prefix never covers another's.
var keyPrefix = []byte("o/")

// PebbleStore keeps offline messages in an on-disk pebble database, so
// pending messages survive a process restart.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) the database at path. opts may be nil.
func OpenPebbleStore(path string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open offline store %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func userPrefix(userID string) []byte {
	p := make([]byte, 0, len(keyPrefix)+hex.EncodedLen(len(userID))+1)
	p = append(p, keyPrefix...)
	p = hex.AppendEncode(p, []byte(userID))
	return append(p, '/')
}

func entryKey(userID string, seq uint64) []byte {
	k := userPrefix(userID)
	return binary.BigEndian.AppendUint64(k, seq)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) Save(_ context.Context, m types.OfflineMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode offline message %s: %w", m.ID, err)
	}
	if err := s.db.Set(entryKey(m.UserID, m.Seq), data, pebble.Sync); err != nil {
		return fmt.Errorf("save offline message %s: %w", m.ID, err)
	}
	return nil
}

func (s *PebbleStore) Load(_ context.Context, userID string) ([]types.OfflineMessage, error) {
	prefix := userPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, fmt.Errorf("load offline messages for %s: %w", userID, err)
	}
	defer iter.Close()

	var out []types.OfflineMessage
	for iter.First(); iter.Valid(); iter.Next() {
		var m types.OfflineMessage
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode offline message %x: %w", iter.Key(), err)
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

func (s *PebbleStore) Delete(_ context.Context, userID string, entries ...types.OfflineMessage) error {
	if len(entries) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, e := range entries {
		if err := b.Delete(entryKey(userID, e.Seq), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) DeleteAll(ctx context.Context, userID string) (int, error) {
	entries, err := s.Load(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	prefix := userPrefix(userID)
	if err := s.db.DeleteRange(prefix, prefixEnd(prefix), pebble.Sync); err != nil {
		return 0, fmt.Errorf("clear offline messages for %s: %w", userID, err)
	}
	return len(entries), nil
}

func (s *PebbleStore) Users(_ context.Context) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: keyPrefix, UpperBound: prefixEnd(keyPrefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	seen := make(map[string]struct{})
	for iter.First(); iter.Valid(); iter.Next() {
		rest := iter.Key()[len(keyPrefix):]
		slash := bytes.IndexByte(rest, '/')
		if slash < 0 {
			continue
		}
		raw, err := hex.DecodeString(string(rest[:slash]))
		if err != nil {
			continue
		}
		seen[string(raw)] = struct{}{}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
