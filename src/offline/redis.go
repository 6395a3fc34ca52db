package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps offline messages in Redis so several processes can share
// one retention window. Per user it keeps a sorted set of entry ids scored by
// Seq and a hash of id -> JSON; a set tracks users with pending entries.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. Keys are namespaced by prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Ping checks that the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) orderKey(userID string) string { return s.prefix + "offline:" + userID + ":order" }
func (s *RedisStore) dataKey(userID string) string  { return s.prefix + "offline:" + userID + ":data" }
func (s *RedisStore) usersKey() string              { return s.prefix + "offline:users" }

func (s *RedisStore) Save(ctx context.Context, m types.OfflineMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode offline message %s: %w", m.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.orderKey(m.UserID), redis.Z{Score: float64(m.Seq), Member: m.ID})
		pipe.HSet(ctx, s.dataKey(m.UserID), m.ID, data)
		pipe.SAdd(ctx, s.usersKey(), m.UserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save offline message %s: %w", m.ID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, userID string) ([]types.OfflineMessage, error) {
	ids, err := s.client.ZRange(ctx, s.orderKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load offline order for %s: %w", userID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.dataKey(userID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load offline messages for %s: %w", userID, err)
	}

	out := make([]types.OfflineMessage, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Order entry without data: a concurrent delete won the race.
			continue
		}
		var m types.OfflineMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode offline message %s: %w", ids[i], err)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, userID string, entries ...types.OfflineMessage) error {
	if len(entries) == 0 {
		return nil
	}
	members := make([]any, len(entries))
	fields := make([]string, len(entries))
	for i, e := range entries {
		members[i] = e.ID
		fields[i] = e.ID
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.orderKey(userID), members...)
		pipe.HDel(ctx, s.dataKey(userID), fields...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete offline messages for %s: %w", userID, err)
	}
	return s.forgetIfEmpty(ctx, userID)
}

func (s *RedisStore) DeleteAll(ctx context.Context, userID string) (int, error) {
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		card = pipe.ZCard(ctx, s.orderKey(userID))
		pipe.Del(ctx, s.orderKey(userID), s.dataKey(userID))
		pipe.SRem(ctx, s.usersKey(), userID)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clear offline messages for %s: %w", userID, err)
	}
	return int(card.Val()), nil
}

func (s *RedisStore) Users(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) forgetIfEmpty(ctx context.Context, userID string) error {
	n, err := s.client.ZCard(ctx, s.orderKey(userID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.client.SRem(ctx, s.usersKey(), userID).Err()
	}
	return nil
}
