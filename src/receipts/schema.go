package receipts

import (
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS receipts (
    message_id    TEXT    NOT NULL,
    connection_id TEXT    NOT NULL,
    user_id       TEXT    NOT NULL,
    status        TEXT    NOT NULL,
    error         TEXT    NOT NULL DEFAULT '',
    acked_at      INTEGER NOT NULL,
    PRIMARY KEY (message_id, connection_id, status)
);

CREATE INDEX IF NOT EXISTS idx_receipts_user ON receipts(user_id, acked_at);
`

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply receipts schema: %w", err)
	}
	return nil
}
