package store

import (
	"database/sql"
	"time"
)

// SyncHistory records one replication session lifecycle. A row is created
// when the session starts and completed when it stops or errors.
type SyncHistory struct {
	ID           string         `db:"id"`
	Collection   string         `db:"collection"`
	RemoteURL    string         `db:"remote_url"`
	StartedAt    time.Time      `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
	DocsPushed   int64          `db:"docs_pushed"`
	DocsPulled   int64          `db:"docs_pulled"`
	Status       string         `db:"status"`
	ErrorMessage sql.NullString `db:"error_message"`
}
