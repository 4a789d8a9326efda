package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Change log operations.
const (
	opInsert  = "insert"
	opMerge   = "merge"
	opReplace = "replace"
)

// Change log table names.
const (
	tableBooks    = "books"
	tableChapters = "chapters"
)

// Change is one row of a shard's change log.
type Change struct {
	Sequence  int64     `json:"sequence"`
	TableName string    `json:"table_name"`
	EntityID  string    `json:"entity_id"`
	Operation string    `json:"operation"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type changeRow struct {
	Sequence  int64  `db:"sequence"`
	TableName string `db:"table_name"`
	EntityID  string `db:"entity_id"`
	Operation string `db:"operation"`
	RunID     string `db:"run_id"`
	CreatedAt string `db:"created_at"`
}

type runIDContextKey struct{}

// WithRunID returns a context whose writes are attributed to the given
// ingest run in the change log.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDContextKey{}, runID)
}

// RunIDFromContext returns the run ID attached by WithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDContextKey{}).(string)
	return id
}

func appendChange(ctx context.Context, tx *sqlx.Tx, table, entityID, op string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (table_name, entity_id, operation, run_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, table, entityID, op, RunIDFromContext(ctx), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}

// ChangesSince returns entries with sequence > afterSeq, up to limit.
func (s *SQLiteStore) ChangesSince(ctx context.Context, afterSeq int64, limit int) ([]Change, error) {
	var rows []changeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT sequence, table_name, entity_id, operation, run_id, created_at
		FROM change_log
		WHERE sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}

	changes := make([]Change, 0, len(rows))
	for _, r := range rows {
		created, _ := parseTime(r.CreatedAt)
		changes = append(changes, Change{
			Sequence:  r.Sequence,
			TableName: r.TableName,
			EntityID:  r.EntityID,
			Operation: r.Operation,
			RunID:     r.RunID,
			CreatedAt: created,
		})
	}
	return changes, nil
}

// LastSequence returns the highest change log sequence, or 0 when empty.
func (s *SQLiteStore) LastSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.GetContext(ctx, &seq, "SELECT COALESCE(MAX(sequence), 0) FROM change_log"); err != nil {
		return 0, fmt.Errorf("get last sequence: %w", err)
	}
	return seq, nil
}
