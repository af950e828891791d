package memori

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// exportRecord is a single NDJSON line in an export stream.
type exportRecord struct {
	ID           string          `json:"id"`
	Content      string          `json:"content"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Vector       []float32       `json:"vector,omitempty"`
	CreatedAt    float64         `json:"created_at"`
	UpdatedAt    float64         `json:"updated_at"`
	LastAccessed *float64        `json:"last_accessed,omitempty"`
	AccessCount  int64           `json:"access_count,omitempty"`
}

// Export writes every memory in db to w as newline-delimited JSON, ordered
// by id for a stable diff-friendly output.
func Export(ctx context.Context, db *sql.DB, w io.Writer) error {
	rows, err := db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories ORDER BY id`)
	if err != nil {
		return newErr("memori: export", KindStorage, "", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return newErr("memori: export", KindStorage, "", err)
		}
		rec := exportRecord{
			ID:          m.ID,
			Content:     m.Content,
			Metadata:    m.Metadata,
			Vector:      m.Vector,
			CreatedAt:   toEpochSeconds(m.CreatedAt),
			UpdatedAt:   toEpochSeconds(m.UpdatedAt),
			AccessCount: m.AccessCount,
		}
		rec.LastAccessed = epochPtr(m.LastAccessed)
		if err := enc.Encode(rec); err != nil {
			return newErr("memori: export", KindStorage, m.ID, err)
		}
	}
	return rows.Err()
}

// ImportOpts controls import behavior.
type ImportOpts struct {
	// NewIDs generates a fresh UUID for every imported record instead of
	// preserving the id from the export stream. Use this when importing
	// into a database that might already contain the same ids.
	NewIDs bool
}

// ImportError records a single failed record during Import; importing
// continues past it rather than aborting the whole stream.
type ImportError struct {
	Line int
	ID   string
	Err  error
}

func (e ImportError) Error() string {
	return fmt.Sprintf("line %d (id=%s): %v", e.Line, e.ID, e.Err)
}

// ImportResult summarizes an import operation.
type ImportResult struct {
	Imported int
	Errors   []ImportError
}

// Import reads newline-delimited export records from r and inserts them
// into db. A record that fails to parse or insert is recorded in
// Errors and does not stop the remaining records from being tried.
func Import(ctx context.Context, db *sql.DB, r io.Reader, opts ImportOpts) (*ImportResult, error) {
	store, err := NewSQLiteStore(db, nil)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var rec exportRecord
		if err := json.Unmarshal(text, &rec); err != nil {
			result.Errors = append(result.Errors, ImportError{Line: line, Err: err})
			continue
		}

		id := rec.ID
		if opts.NewIDs || id == "" {
			id = uuid.NewString()
		}

		createdAt := fromEpochSeconds(rec.CreatedAt)
		updatedAt := fromEpochSeconds(rec.UpdatedAt)
		insertedID, err := store.InsertWithID(ctx, id, rec.Content, InsertOpts{
			Metadata: rec.Metadata,
			Vector:   rec.Vector,
			NoEmbed:  true,
		}, &createdAt, &updatedAt)
		if err != nil {
			result.Errors = append(result.Errors, ImportError{Line: line, ID: rec.ID, Err: err})
			continue
		}

		if rec.LastAccessed != nil || rec.AccessCount != 0 {
			lastAccessed := timePtr(rec.LastAccessed)
			accessCount := rec.AccessCount
			if err := store.SetAccessStats(ctx, insertedID, lastAccessed, &accessCount); err != nil {
				result.Errors = append(result.Errors, ImportError{Line: line, ID: insertedID, Err: err})
				continue
			}
		}

		result.Imported++
	}
	if err := scanner.Err(); err != nil {
		return result, newErr("memori: import", KindStorage, "", err)
	}
	return result, nil
}
