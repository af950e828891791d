// Package purge implements bulk-delete against a memori database as a
// (preview, commit) pair sharing one predicate builder, so a host can show
// "this would delete N memories" before actually deleting them.
package purge

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Predicate selects memories to purge. Before and Type are ANDed together
// when both are set; a zero Predicate matches nothing, never everything,
// so a caller can't accidentally wipe a database by forgetting to set a
// field.
type Predicate struct {
	Before *time.Time
	Type   string
}

func (p Predicate) empty() bool {
	return p.Before == nil && p.Type == ""
}

func (p Predicate) build() (string, []any) {
	where := "WHERE 1=1"
	var args []any
	if p.Before != nil {
		where += " AND created_at < ?"
		args = append(args, float64(p.Before.UnixNano())/1e9)
	}
	if p.Type != "" {
		where += " AND json_extract(metadata, '$.type') = ?"
		args = append(args, p.Type)
	}
	return where, args
}

// Preview returns the ids that Commit would delete, without deleting them.
func Preview(ctx context.Context, db *sql.DB, pred Predicate) ([]string, error) {
	if pred.empty() {
		return nil, nil
	}

	where, args := pred.build()
	rows, err := db.QueryContext(ctx, `SELECT id FROM memories `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("purge preview: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("purge preview: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Commit deletes every memory matching pred and returns the number removed.
// Callers that want a dry run should call Preview first and confirm with
// the user before calling Commit with the same Predicate.
func Commit(ctx context.Context, db *sql.DB, pred Predicate) (int64, error) {
	if pred.empty() {
		return 0, nil
	}

	where, args := pred.build()
	res, err := db.ExecContext(ctx, `DELETE FROM memories `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("purge commit: %w", err)
	}
	return res.RowsAffected()
}
