package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDedupDSN opens a process-private in-memory SQLite database.
const DefaultDedupDSN = "file:promptrelay-dedup?mode=memory&cache=shared"

const dedupSchema = `
CREATE TABLE IF NOT EXISTS inbound_dedup (
	message_id   TEXT PRIMARY KEY,
	sender_key   TEXT NOT NULL,
	received_at  INTEGER NOT NULL,
	processed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_inbound_dedup_received_at ON inbound_dedup (received_at);
`

// Compile-time check that SQLiteDedup implements DedupRepo.
var _ DedupRepo = (*SQLiteDedup)(nil)

// SQLiteDedup records inbound message IDs in an in-memory SQLite database.
type SQLiteDedup struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteDedup opens the dedup database and applies its schema.
// An empty dsn selects DefaultDedupDSN.
func NewSQLiteDedup(dsn string) (*SQLiteDedup, error) {
	if dsn == "" {
		dsn = DefaultDedupDSN
	}
	slog.Debug("NewSQLiteDedup invoked", "dsn", dsn)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite dedup connection", "error", err)
		return nil, fmt.Errorf("failed to open dedup database: %w", err)
	}
	// A single connection keeps the in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error("SQLite dedup ping failed", "error", err)
		return nil, fmt.Errorf("failed to ping dedup database: %w", err)
	}
	if _, err := db.Exec(dedupSchema); err != nil {
		db.Close()
		slog.Error("Failed to apply dedup schema", "error", err)
		return nil, fmt.Errorf("failed to apply dedup schema: %w", err)
	}
	slog.Debug("SQLite dedup schema applied successfully")

	return &SQLiteDedup{db: db, now: time.Now}, nil
}

// Close releases the database; the in-memory data is discarded.
func (s *SQLiteDedup) Close() error {
	return s.db.Close()
}

func (s *SQLiteDedup) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteDedup) RecordInbound(messageID, senderKey string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, sender_key, received_at) VALUES (?, ?, ?)`,
		messageID, senderKey, s.now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteDedup) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		s.now().UnixNano(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteDedup) Prune(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune dedup records failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune dedup records failed: %w", err)
	}
	return n, nil
}

// RunPruner periodically deletes records older than maxAge. It blocks until the
// context is cancelled.
func (s *SQLiteDedup) RunPruner(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	slog.Info("SQLiteDedup.RunPruner: starting dedup pruner", "interval", interval, "maxAge", maxAge)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("SQLiteDedup.RunPruner: stopping dedup pruner")
			return
		case <-ticker.C:
			n, err := s.Prune(s.now().Add(-maxAge))
			if err != nil {
				slog.Error("SQLiteDedup.RunPruner: prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("SQLiteDedup.RunPruner: pruned records", "count", n)
			}
		}
	}
}
