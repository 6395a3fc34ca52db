// Package receipts records client acknowledgements so producers can tell
// which deliveries were received or read.
package receipts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/orchestra-mcp/realtime/src/events"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Receipt is one acknowledgement of one message on one connection.
type Receipt struct {
	MessageID    string          `json:"messageId"`
	ConnectionID string          `json:"connectionId"`
	UserID       string          `json:"userId"`
	Status       types.AckStatus `json:"status"`
	Error        string          `json:"error,omitempty"`
	AckedAt      time.Time       `json:"ackedAt"`
}

// Store persists receipts in SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens the database at dsn and applies the schema. Use ":memory:" for
// a throwaway store.
func Open(dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open receipts db: %w", err)
	}
	// One writer; an in-memory database also lives only as long as its
	// single connection.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "receipts").Logger(),
		now:    time.Now,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Record upserts r. Repeating the same status on the same connection only
// refreshes its time and error text.
func (s *Store) Record(ctx context.Context, r Receipt) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO receipts (message_id, connection_id, user_id, status, error, acked_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (message_id, connection_id, status)
DO UPDATE SET error = excluded.error, acked_at = excluded.acked_at`,
		r.MessageID, r.ConnectionID, r.UserID, string(r.Status), r.Error, r.AckedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("record receipt for %s: %w", r.MessageID, err)
	}
	return nil
}

// ForMessage returns every receipt of messageID, oldest first.
func (s *Store) ForMessage(ctx context.Context, messageID string) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT message_id, connection_id, user_id, status, error, acked_at
FROM receipts WHERE message_id = ?
ORDER BY acked_at, connection_id, status`, messageID)
	if err != nil {
		return nil, fmt.Errorf("query receipts for %s: %w", messageID, err)
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var (
			r      Receipt
			status string
			acked  int64
		)
		if err := rows.Scan(&r.MessageID, &r.ConnectionID, &r.UserID, &status, &r.Error, &acked); err != nil {
			return nil, err
		}
		r.Status = types.AckStatus(status)
		r.AckedAt = time.UnixMicro(acked).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Observe records every inbound ack reported through hooks.
func (s *Store) Observe(hooks *events.Hooks) {
	hooks.OnMessage(func(connectionID string, msg types.Message) {
		ack, ok := msg.Payload.(types.AckPayload)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.Record(ctx, Receipt{
			MessageID:    ack.MessageID,
			ConnectionID: connectionID,
			UserID:       msg.UserID,
			Status:       ack.Status,
			Error:        ack.Error,
			AckedAt:      s.now(),
		})
		if err != nil {
			s.logger.Error().Err(err).Str("connection_id", connectionID).Str("message_id", ack.MessageID).Msg("receipt not stored")
		}
	})
}
