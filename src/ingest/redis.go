package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisIngest consumes producer publications from Redis pub/sub channels
// named like the MQTT topics, with "*" as the user wildcard.
type RedisIngest struct {
	*router
	client *redis.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisIngest creates an ingest on client. Stop closes the client.
func NewRedisIngest(client *redis.Client, prefix string, sender Sender, logger zerolog.Logger) *RedisIngest {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisIngest{
		router: newRouter(sender, prefix, logger.With().Str("component", "redis-ingest").Logger()),
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Patterns returns the channel patterns subscribed to.
func (in *RedisIngest) Patterns() []string {
	return in.filters("*")
}

// Start subscribes to the producer channels and begins dispatching.
func (in *RedisIngest) Start() error {
	if err := in.client.Ping(in.ctx).Err(); err != nil {
		return fmt.Errorf("redis ingest ping: %w", err)
	}

	sub := in.client.PSubscribe(in.ctx, in.Patterns()...)
	// Wait for subscription confirmation.
	if _, err := sub.Receive(in.ctx); err != nil {
		sub.Close()
		return fmt.Errorf("redis ingest subscribe: %w", err)
	}

	in.mu.Lock()
	in.active = true
	in.mu.Unlock()

	in.wg.Add(1)
	go in.listen(sub)

	in.logger.Info().Strs("patterns", in.Patterns()).Msg("redis ingest subscribed")
	return nil
}

// Available reports whether the subscription is running.
func (in *RedisIngest) Available() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.active
}

// Stop unsubscribes and closes the Redis connection.
func (in *RedisIngest) Stop() error {
	in.mu.Lock()
	in.active = false
	in.mu.Unlock()

	in.cancel()
	in.wg.Wait()
	return in.client.Close()
}

func (in *RedisIngest) listen(sub *redis.PubSub) {
	defer in.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			in.handle(msg)
		case <-in.ctx.Done():
			return
		}
	}
}

func (in *RedisIngest) handle(msg *redis.Message) {
	if err := in.Dispatch(in.ctx, msg.Channel, []byte(msg.Payload)); err != nil {
		in.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("redis message rejected")
	}
}
