package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// ErrDisabled is returned by QueueOfflineMessage when offline retention is off.
var ErrDisabled = errors.New("offline queue disabled")

// Config bounds the retention window.
type Config struct {
	Enabled  bool
	MaxCount int
	TTL      time.Duration
}

// Stats is a snapshot of queue depth and lifetime counters.
type Stats struct {
	Pending   int   `json:"pending"`
	Users     int   `json:"users"`
	Queued    int64 `json:"queued"`
	Delivered int64 `json:"delivered"`
	Expired   int64 `json:"expired"`
	Evicted   int64 `json:"evicted"`
}

// Queue is the per-user offline holding area. Operations on one user are
// serialized by that user's lock; different users never share a lock.
type Queue struct {
	cfg    Config
	store  Store
	locks  userLocks
	seq    atomic.Uint64
	logger zerolog.Logger
	now    func() time.Time

	queued    atomic.Int64
	delivered atomic.Int64
	expired   atomic.Int64
	evicted   atomic.Int64
}

// NewQueue creates a queue over store.
func NewQueue(cfg Config, store Store, logger zerolog.Logger) (*Queue, error) {
	if cfg.Enabled {
		if cfg.MaxCount <= 0 {
			return nil, fmt.Errorf("offline max count must be positive, got %d", cfg.MaxCount)
		}
		if cfg.TTL <= 0 {
			return nil, fmt.Errorf("offline ttl must be positive, got %s", cfg.TTL)
		}
	}
	return &Queue{
		cfg:    cfg,
		store:  store,
		locks:  userLocks{held: make(map[string]*userLock)},
		logger: logger.With().Str("component", "offline").Logger(),
		now:    time.Now,
	}, nil
}

// SetClock replaces the time source.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Enabled reports whether messages are retained for offline users.
func (q *Queue) Enabled() bool { return q.cfg.Enabled }

// Close closes the underlying store.
func (q *Queue) Close() error { return q.store.Close() }

type userLock struct {
	sync.Mutex
	refs int
}

// userLocks hands out one mutex per user, dropped once nobody holds or waits
// on it.
type userLocks struct {
	mu   sync.Mutex
	held map[string]*userLock
}

func (q *Queue) lock(userID string) func() {
	l := &q.locks
	l.mu.Lock()
	ul, ok := l.held[userID]
	if !ok {
		ul = &userLock{}
		l.held[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		if ul.refs--; ul.refs == 0 {
			delete(l.held, userID)
		}
		l.mu.Unlock()
	}
}

// nextSeq returns a strictly increasing sequence seeded from the wall clock so
// entries persisted by a previous process still sort before new ones.
func (q *Queue) nextSeq(at time.Time) uint64 {
	floor := uint64(at.UnixMicro())
	for {
		last := q.seq.Load()
		next := max(last+1, floor)
		if q.seq.CompareAndSwap(last, next) {
			return next
		}
	}
}

// QueueOfflineMessage retains msg for userID. When the user's queue is full
// the oldest entries are dropped first.
func (q *Queue) QueueOfflineMessage(ctx context.Context, userID string, msg types.Message) (types.OfflineMessage, error) {
	if !q.cfg.Enabled {
		return types.OfflineMessage{}, ErrDisabled
	}
	unlock := q.lock(userID)
	defer unlock()

	now := q.now()
	live, err := q.liveEntries(ctx, userID, now)
	if err != nil {
		return types.OfflineMessage{}, err
	}

	if over := len(live) - q.cfg.MaxCount + 1; over > 0 {
		dropped := live[:over]
		if err := q.store.Delete(ctx, userID, dropped...); err != nil {
			return types.OfflineMessage{}, fmt.Errorf("evict offline messages for %s: %w", userID, err)
		}
		q.evicted.Add(int64(len(dropped)))
		for _, d := range dropped {
			q.logger.Warn().
				Err(types.ErrQueueOverflow).
				Str("user_id", userID).
				Str("message_id", d.Message.ID).
				Msg("dropped oldest offline message")
		}
	}

	entry := types.OfflineMessage{
		ID:        uuid.NewString(),
		Seq:       q.nextSeq(now),
		UserID:    userID,
		Message:   msg,
		CreatedAt: now,
		ExpiresAt: now.Add(q.cfg.TTL),
	}
	if err := q.store.Save(ctx, entry); err != nil {
		return types.OfflineMessage{}, err
	}
	q.queued.Add(1)
	q.logger.Debug().
		Str("user_id", userID).
		Str("message_id", msg.ID).
		Str("type", string(msg.Type)).
		Msg("message queued offline")
	return entry, nil
}

// GetOfflineMessages returns the user's pending entries, oldest first.
// Expired entries are removed on the way.
func (q *Queue) GetOfflineMessages(ctx context.Context, userID string) ([]types.OfflineMessage, error) {
	unlock := q.lock(userID)
	defer unlock()
	return q.liveEntries(ctx, userID, q.now())
}

// MarkDelivered flags the entries with the given ids as delivered; they are
// no longer returned as pending.
func (q *Queue) MarkDelivered(ctx context.Context, userID string, ids ...string) (int, error) {
	unlock := q.lock(userID)
	defer unlock()

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	entries, err := q.store.Load(ctx, userID)
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, e := range entries {
		if _, ok := want[e.ID]; !ok || e.Delivered {
			continue
		}
		e.Delivered = true
		if err := q.store.Save(ctx, e); err != nil {
			return marked, err
		}
		marked++
	}
	q.delivered.Add(int64(marked))
	return marked, nil
}

// ClearOfflineMessages removes every entry of userID and returns how many
// were removed.
func (q *Queue) ClearOfflineMessages(ctx context.Context, userID string) (int, error) {
	unlock := q.lock(userID)
	defer unlock()
	n, err := q.store.DeleteAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info().Str("user_id", userID).Int("removed", n).Msg("offline queue cleared")
	}
	return n, nil
}

// Drain hands every pending entry of userID to deliver in creation order.
// Delivery stops at the first error or when ctx ends; entries delivered so
// far are removed and the rest stay queued. It returns the number delivered.
func (q *Queue) Drain(ctx context.Context, userID string, deliver func(types.OfflineMessage) error) (int, error) {
	unlock := q.lock(userID)
	defer unlock()

	pending, err := q.liveEntries(ctx, userID, q.now())
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var (
		done       []types.OfflineMessage
		deliverErr error
	)
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			deliverErr = err
			break
		}
		if err := deliver(e); err != nil {
			deliverErr = err
			break
		}
		e.Delivered = true
		done = append(done, e)
	}

	if len(done) > 0 {
		q.delivered.Add(int64(len(done)))
		// The drain context may be spent by now; removal must still happen.
		cleanup := context.WithoutCancel(ctx)
		if err := q.store.Delete(cleanup, userID, done...); err != nil {
			// Keep the delivered flag so the entries are never handed out twice.
			for _, e := range done {
				if serr := q.store.Save(cleanup, e); serr != nil {
					return len(done), fmt.Errorf("mark drained messages for %s: %w", userID, errors.Join(err, serr))
				}
			}
		}
		q.logger.Info().Str("user_id", userID).Int("delivered", len(done)).Int("pending", len(pending)-len(done)).Msg("offline queue drained")
	}
	return len(done), deliverErr
}

// PurgeExpired removes expired and already delivered entries for every user.
func (q *Queue) PurgeExpired(ctx context.Context) (int, error) {
	users, err := q.store.Users(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		unlock := q.lock(userID)
		before, err := q.store.Load(ctx, userID)
		if err == nil {
			var live []types.OfflineMessage
			if live, err = q.sweep(ctx, userID, before, q.now()); err == nil {
				purged += len(before) - len(live)
			}
		}
		unlock()
		if err != nil {
			return purged, err
		}
	}
	if purged > 0 {
		q.logger.Info().Int("purged", purged).Msg("offline entries purged")
	}
	return purged, nil
}

// Stats walks the store for the current depth.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Queued:    q.queued.Load(),
		Delivered: q.delivered.Load(),
		Expired:   q.expired.Load(),
		Evicted:   q.evicted.Load(),
	}
	users, err := q.store.Users(ctx)
	if err != nil {
		return st, err
	}
	now := q.now()
	for _, userID := range users {
		entries, err := q.store.Load(ctx, userID)
		if err != nil {
			return st, err
		}
		n := 0
		for _, e := range entries {
			if !e.Delivered && !e.Expired(now) {
				n++
			}
		}
		if n > 0 {
			st.Pending += n
			st.Users++
		}
	}
	return st, nil
}

// Counters returns the lifetime counters without touching the store.
func (q *Queue) Counters() Stats {
	return Stats{
		Queued:    q.queued.Load(),
		Delivered: q.delivered.Load(),
		Expired:   q.expired.Load(),
		Evicted:   q.evicted.Load(),
	}
}

// liveEntries loads the user's entries and removes expired and delivered
// ones. Callers hold the user lock.
func (q *Queue) liveEntries(ctx context.Context, userID string, now time.Time) ([]types.OfflineMessage, error) {
	entries, err := q.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return q.sweep(ctx, userID, entries, now)
}

func (q *Queue) sweep(ctx context.Context, userID string, entries []types.OfflineMessage, now time.Time) ([]types.OfflineMessage, error) {
	var live, stale []types.OfflineMessage
	expired := 0
	for _, e := range entries {
		switch {
		case e.Delivered:
			stale = append(stale, e)
		case e.Expired(now):
			stale = append(stale, e)
			expired++
		default:
			live = append(live, e)
		}
	}
	if len(stale) > 0 {
		if err := q.store.Delete(ctx, userID, stale...); err != nil {
			return nil, fmt.Errorf("remove stale offline messages for %s: %w", userID, err)
		}
		q.expired.Add(int64(expired))
	}
	return live, nil
}
