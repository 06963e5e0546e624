// Package checkpoint persists opaque per-metric state blobs in a local
// SQLite database; the daemon saves them on its checkpoint interval.
// Checkpoints are best-effort:
// they are written outside the engine lock and their absence only costs
// the open bucket after a crash.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/keiryo/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id          TEXT PRIMARY KEY,
	config_uid  INTEGER NOT NULL,
	config_id   INTEGER NOT NULL,
	metric_id   INTEGER NOT NULL,
	written_ns  INTEGER NOT NULL,
	blob        BLOB NOT NULL,
	UNIQUE(config_uid, config_id, metric_id)
);
`

// Store is a SQLite-backed checkpoint store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the store at path (":memory:" works for tests).
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	// A single writer keeps SQLite happy and checkpoints are tiny.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Save upserts one metric's blob.
func (s *Store) Save(ctx context.Context, key model.ConfigKey, metricID int64, writtenNs int64, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, config_uid, config_id, metric_id, written_ns, blob)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(config_uid, config_id, metric_id)
		DO UPDATE SET written_ns = excluded.written_ns, blob = excluded.blob`,
		uuid.NewString(), key.UID, key.ID, metricID, writtenNs, blob)
	if err != nil {
		return fmt.Errorf("checkpoint: save metric %d: %w", metricID, err)
	}
	return nil
}

// Load returns every blob saved for the config, keyed by metric id.
func (s *Store) Load(ctx context.Context, key model.ConfigKey) (map[int64][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric_id, blob FROM checkpoints
		WHERE config_uid = ? AND config_id = ?`, key.UID, key.ID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", key.String(), err)
	}
	defer rows.Close()

	out := make(map[int64][]byte)
	for rows.Next() {
		var metricID int64
		var blob []byte
		if err := rows.Scan(&metricID, &blob); err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		out[metricID] = blob
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: iterate: %w", err)
	}
	return out, nil
}

// Prune drops every checkpoint for the config; called after a report
// emission makes them stale.
func (s *Store) Prune(ctx context.Context, key model.ConfigKey) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE config_uid = ? AND config_id = ?`,
		key.UID, key.ID); err != nil {
		return fmt.Errorf("checkpoint: prune %s: %w", key.String(), err)
	}
	return nil
}

// Close closes the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}
