package memori

import (
	"context"
	"database/sql"
	"time"
)

// touchAccess bumps last_accessed to now and increments access_count for id,
// returning the pre-increment snapshot so Get can report what the caller
// would have seen had it called GetReadonly instead. id must already be
// resolved to a full id.
func touchAccess(ctx context.Context, tx *sql.Tx, id string, now time.Time) (lastAccessed *time.Time, accessCount int64, err error) {
	row := tx.QueryRowContext(ctx, `SELECT last_accessed, access_count FROM memories WHERE id = ?`, id)
	var prevAccessed sql.NullFloat64
	var prevCount int64
	if err := row.Scan(&prevAccessed, &prevCount); err != nil {
		return nil, 0, newErr("memori: touch access", KindStorage, id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE memories SET last_accessed = ?, access_count = access_count + 1 WHERE id = ?`,
		toEpochSeconds(now), id,
	); err != nil {
		return nil, 0, newErr("memori: touch access", KindStorage, id, err)
	}

	if prevAccessed.Valid {
		t := fromEpochSeconds(prevAccessed.Float64)
		lastAccessed = &t
	}
	return lastAccessed, prevCount, nil
}
