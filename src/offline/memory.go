package offline

import (
	"context"
	"sort"
	"sync"

	"github.com/orchestra-mcp/realtime/src/types"
)

type memoryShard struct {
	mu    sync.RWMutex
	users map[string][]types.OfflineMessage
}

// MemoryStore keeps offline messages in process memory.
type MemoryStore struct {
	shards [shardCount]memoryShard
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].users = make(map[string][]types.OfflineMessage)
	}
	return s
}

func (s *MemoryStore) shard(userID string) *memoryShard {
	return &s.shards[shardFor(userID)]
}

func (s *MemoryStore) Save(_ context.Context, m types.OfflineMessage) error {
	sh := s.shard(m.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	list := sh.users[m.UserID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq >= m.Seq })
	if i < len(list) && list[i].Seq == m.Seq {
		list[i] = m
		return nil
	}
	list = append(list, types.OfflineMessage{})
	copy(list[i+1:], list[i:])
	list[i] = m
	sh.users[m.UserID] = list
	return nil
}

func (s *MemoryStore) Load(_ context.Context, userID string) ([]types.OfflineMessage, error) {
	sh := s.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return append([]types.OfflineMessage(nil), sh.users[userID]...), nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string, entries ...types.OfflineMessage) error {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	drop := make(map[uint64]struct{}, len(entries))
	for _, e := range entries {
		drop[e.Seq] = struct{}{}
	}
	list := sh.users[userID]
	kept := list[:0]
	for _, m := range list {
		if _, ok := drop[m.Seq]; !ok {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(sh.users, userID)
		return nil
	}
	sh.users[userID] = kept
	return nil
}

func (s *MemoryStore) DeleteAll(_ context.Context, userID string) (int, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n := len(sh.users[userID])
	delete(sh.users, userID)
	return n, nil
}

func (s *MemoryStore) Users(_ context.Context) ([]string, error) {
	var users []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for u := range sh.users {
			users = append(users, u)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryStore) Close() error { return nil }
