package memori

import (
	"context"
	"database/sql"
)

// resolveID expands an id or id prefix to a single full id by querying the
// memories table. Any prefix of at least one character is accepted; an exact
// full-length id match still goes through the same LIKE query so a caller
// that already has a full id pays one extra index lookup rather than a
// special case.
func resolveID(ctx context.Context, q querier, idOrPrefix string) (string, error) {
	if idOrPrefix == "" {
		return "", newErr("memori: resolve", KindInvalidInput, idOrPrefix, nil)
	}

	rows, err := q.QueryContext(ctx, `SELECT id FROM memories WHERE id LIKE ? || '%' LIMIT 2`, idOrPrefix)
	if err != nil {
		return "", newErr("memori: resolve", KindStorage, idOrPrefix, err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", newErr("memori: resolve", KindStorage, idOrPrefix, err)
		}
		matches = append(matches, id)
	}
	if err := rows.Err(); err != nil {
		return "", newErr("memori: resolve", KindStorage, idOrPrefix, err)
	}

	switch len(matches) {
	case 0:
		return "", newErr("memori: resolve", KindNotFound, idOrPrefix, nil)
	case 1:
		return matches[0], nil
	default:
		return "", newErr("memori: resolve", KindAmbiguous, idOrPrefix, nil)
	}
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting resolveID run
// inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}
