package memori

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const schemaVersion = 1

// memoryColumns is the canonical SELECT list for memory row scans.
const memoryColumns = `id, content, metadata, vector, created_at, updated_at, last_accessed, access_count`

// SQLiteStore implements Store backed by a caller-provided SQLite database.
// It creates memori_* tables and its own version-tracking table so it can
// share a database file with unrelated schemas.
type SQLiteStore struct {
	mu       sync.RWMutex
	db       *sql.DB
	embedder Embedder // nil means auto-embedding and text-derived search are unavailable
}

// NewSQLiteStore opens a memory store on db, creating memori_* tables and
// running any pending migrations. The caller owns db (WAL mode, busy
// timeout, connection limits, etc. are the caller's responsibility).
//
// embedder may be nil; Insert and Search then require an explicit vector or
// fall back to text-only behavior.
func NewSQLiteStore(db *sql.DB, embedder Embedder) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, embedder: embedder}
	if err := s.migrate(); err != nil {
		return nil, newErr("memori: open", KindStorage, "", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS memori_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating version table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM memori_version`).Scan(&version)
	if err == sql.ErrNoRows {
		version = 0
	} else if err != nil {
		return fmt.Errorf("reading version: %w", err)
	}

	if version >= schemaVersion {
		return nil
	}

	if version < 1 {
		if err := s.migrateV1(); err != nil {
			return err
		}
	}

	if version == 0 {
		_, err = s.db.Exec(`INSERT INTO memori_version (version) VALUES (?)`, schemaVersion)
	} else {
		_, err = s.db.Exec(`UPDATE memori_version SET version = ?`, schemaVersion)
	}
	return err
}

func (s *SQLiteStore) migrateV1() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id            TEXT PRIMARY KEY,
			content       TEXT NOT NULL,
			metadata      TEXT,
			vector        BLOB,
			created_at    REAL NOT NULL,
			updated_at    REAL NOT NULL,
			last_accessed REAL,
			access_count  INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS memori_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content,
			content='memories', content_rowid='rowid'
		)`,

		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content)
			VALUES (new.rowid, new.content);
		END`,

		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content)
			VALUES ('delete', old.rowid, old.content);
		END`,

		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content)
			VALUES ('delete', old.rowid, old.content);
			INSERT INTO memories_fts(rowid, content)
			VALUES (new.rowid, new.content);
		END`,

		`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_accessed ON memories(last_accessed)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(json_extract(metadata, '$.type'))`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("memori schema: %w", err)
		}
	}
	return nil
}

// canonicalizeMetadata re-serializes metadata to a stable key order and
// formatting (Go's encoding/json sorts object keys alphabetically), making
// json_extract filters and byte-for-byte metadata comparisons in tests
// predictable.
func canonicalizeMetadata(metadata []byte) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(metadata, &v); err != nil {
		return nil, newErr("memori: metadata", KindInvalidInput, "", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, newErr("memori: metadata", KindInvalidInput, "", err)
	}
	return out, nil
}

// checkAndRecordDimension enforces that every stored vector has the same
// length. The length of the first vector ever inserted into a database fixes
// its dimension, recorded in memori_meta; later inserts with a mismatched
// length fail with KindInvalidInput.
func checkAndRecordDimension(ctx context.Context, tx *sql.Tx, n int) error {
	if n == 0 {
		return nil
	}

	var stored string
	err := tx.QueryRowContext(ctx, `SELECT value FROM memori_meta WHERE key = 'vector_dim'`).Scan(&stored)
	if err == sql.ErrNoRows {
		_, err := tx.ExecContext(ctx, `INSERT INTO memori_meta (key, value) VALUES ('vector_dim', ?)`, fmt.Sprintf("%d", n))
		if err != nil {
			return newErr("memori: insert", KindStorage, "", err)
		}
		return nil
	}
	if err != nil {
		return newErr("memori: insert", KindStorage, "", err)
	}
	if stored != fmt.Sprintf("%d", n) {
		return newErr("memori: insert", KindInvalidInput, "", fmt.Errorf("vector dimension %d does not match database dimension %s", n, stored))
	}
	return nil
}

// Insert adds a new memory, or merges into an existing one of the same
// metadata.type when a dedup threshold is configured and a close-enough
// neighbor is found.
func (s *SQLiteStore) Insert(ctx context.Context, content string, opts InsertOpts) (InsertResult, error) {
	if content == "" {
		return InsertResult{}, newErr("memori: insert", KindInvalidInput, "", fmt.Errorf("content must not be empty"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vec := opts.Vector
	if vec == nil && !opts.NoEmbed && s.embedder != nil {
		v, err := embedWithRetry(ctx, s.embedder, content)
		if err != nil {
			return InsertResult{}, err
		}
		vec = v
	}

	metadata, err := canonicalizeMetadata(opts.Metadata)
	if err != nil {
		return InsertResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, newErr("memori: insert", KindStorage, "", err)
	}
	defer tx.Rollback()

	if err := checkAndRecordDimension(ctx, tx, len(vec)); err != nil {
		return InsertResult{}, err
	}

	if opts.DedupThreshold != nil {
		threshold := *opts.DedupThreshold
		if threshold == 0 {
			threshold = DefaultDedupThreshold
		}
		typ := metadataType(metadata)
		if targetID, ok, err := findDedupTarget(ctx, tx, typ, vec, threshold); err != nil {
			return InsertResult{}, err
		} else if ok {
			now := time.Now().UTC()
			if _, err := tx.ExecContext(ctx,
				`UPDATE memories SET content = ?, metadata = ?, vector = ?, updated_at = ? WHERE id = ?`,
				content, nullableString(metadata), nullableBlob(vec), toEpochSeconds(now), targetID,
			); err != nil {
				return InsertResult{}, newErr("memori: insert", KindStorage, targetID, err)
			}
			if err := tx.Commit(); err != nil {
				return InsertResult{}, newErr("memori: insert", KindStorage, targetID, err)
			}
			return InsertResult{ID: targetID, Action: ActionDeduplicated}, nil
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	if err := insertRow(ctx, tx, id, content, metadata, vec, now, now); err != nil {
		return InsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return InsertResult{}, newErr("memori: insert", KindStorage, id, err)
	}
	return InsertResult{ID: id, Action: ActionCreated}, nil
}

// InsertWithID inserts a memory under a caller-supplied id, used by import.
// createdAt/updatedAt default to now when nil.
func (s *SQLiteStore) InsertWithID(ctx context.Context, id, content string, opts InsertOpts, createdAt, updatedAt *time.Time) (string, error) {
	if content == "" {
		return "", newErr("memori: insert", KindInvalidInput, id, fmt.Errorf("content must not be empty"))
	}
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	metadata, err := canonicalizeMetadata(opts.Metadata)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	created, updated := now, now
	if createdAt != nil {
		created = *createdAt
	}
	if updatedAt != nil {
		updated = *updatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", newErr("memori: insert", KindStorage, id, err)
	}
	defer tx.Rollback()

	if err := checkAndRecordDimension(ctx, tx, len(opts.Vector)); err != nil {
		return "", err
	}

	if err := insertRow(ctx, tx, id, content, metadata, opts.Vector, created, updated); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", newErr("memori: insert", KindStorage, id, err)
	}
	return id, nil
}

func insertRow(ctx context.Context, tx *sql.Tx, id, content string, metadata []byte, vec []float32, createdAt, updatedAt time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO memories (id, content, metadata, vector, created_at, updated_at, last_accessed, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, 0)`,
		id, content, nullableString(metadata), nullableBlob(vec), toEpochSeconds(createdAt), toEpochSeconds(updatedAt),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return newErr("memori: insert", KindConflict, id, err)
		}
		return newErr("memori: insert", KindStorage, id, err)
	}
	return nil
}

// isUniqueConstraintErr reports whether err is SQLite's UNIQUE/PRIMARY KEY
// constraint violation. SQLite itself (not the driver) produces the
// "UNIQUE constraint failed" text, so this holds across driver versions.
func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Get retrieves a memory by id or unambiguous id prefix, recording an access
// (bumping last_accessed and access_count). The returned snapshot reflects
// state as of just before this access.
func (s *SQLiteStore) Get(ctx context.Context, idOrPrefix string) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, newErr("memori: get", KindStorage, idOrPrefix, err)
	}
	defer tx.Rollback()

	id, err := resolveID(ctx, tx, idOrPrefix)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err != nil {
		return nil, newErr("memori: get", KindStorage, id, err)
	}

	lastAccessed, accessCount, err := touchAccess(ctx, tx, id, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, newErr("memori: get", KindStorage, id, err)
	}

	// Report the pre-increment snapshot, not the post-touch state.
	m.LastAccessed = lastAccessed
	m.AccessCount = accessCount
	return m, nil
}

// GetReadonly retrieves a memory by id or unambiguous id prefix without
// touching its access statistics.
func (s *SQLiteStore) GetReadonly(ctx context.Context, idOrPrefix string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, err := resolveID(ctx, s.db, idOrPrefix)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err != nil {
		return nil, newErr("memori: get", KindStorage, id, err)
	}
	return m, nil
}

// Update applies a partial update. Metadata merging (the default) is a
// shallow top-level JSON merge via sjson; pass MergeMetadata=false to
// replace metadata wholesale.
func (s *SQLiteStore) Update(ctx context.Context, idOrPrefix string, patch UpdatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr("memori: update", KindStorage, idOrPrefix, err)
	}
	defer tx.Rollback()

	id, err := resolveID(ctx, tx, idOrPrefix)
	if err != nil {
		return err
	}

	sets := []string{"updated_at = ?"}
	args := []any{toEpochSeconds(time.Now().UTC())}

	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}

	if patch.Metadata != nil {
		newMeta := patch.Metadata
		if patch.MergeMetadata {
			var existing sql.NullString
			if err := tx.QueryRowContext(ctx, `SELECT metadata FROM memories WHERE id = ?`, id).Scan(&existing); err != nil {
				return newErr("memori: update", KindStorage, id, err)
			}
			base := []byte("{}")
			if existing.Valid && existing.String != "" {
				base = []byte(existing.String)
			}
			merged, err := mergeJSONObjects(base, newMeta)
			if err != nil {
				return newErr("memori: update", KindInvalidInput, id, err)
			}
			newMeta = merged
		}
		canon, err := canonicalizeMetadata(newMeta)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, nullableString(canon))
	}

	if patch.VectorSet {
		if err := checkAndRecordDimension(ctx, tx, len(patch.Vector)); err != nil {
			return err
		}
		sets = append(sets, "vector = ?")
		args = append(args, nullableBlob(patch.Vector))
	}

	args = append(args, id)
	query := "UPDATE memories SET " + strings.Join(sets, ", ") + " WHERE id = ?"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return newErr("memori: update", KindStorage, id, err)
	}
	if err := tx.Commit(); err != nil {
		return newErr("memori: update", KindStorage, id, err)
	}
	return nil
}

// Supersede marks oldID as superseded by newID, recording the supersession
// as metadata.superseded_by/metadata.superseded_at rather than a dedicated
// column. It is a thin wrapper over Update with merge semantics; list and
// search ignore superseded memories only when a caller opts in via
// ExcludeSuperseded.
func (s *SQLiteStore) Supersede(ctx context.Context, oldID, newID string) error {
	resolvedNew, err := resolveID(ctx, s.db, newID)
	if err != nil {
		return err
	}

	meta, err := json.Marshal(map[string]any{
		"superseded_by": resolvedNew,
		"superseded_at": toEpochSeconds(time.Now().UTC()),
	})
	if err != nil {
		return newErr("memori: supersede", KindInvalidInput, oldID, err)
	}

	return s.Update(ctx, oldID, UpdatePatch{
		Metadata:      meta,
		MergeMetadata: true,
	})
}

// Delete removes a memory by id or unambiguous id prefix.
func (s *SQLiteStore) Delete(ctx context.Context, idOrPrefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr("memori: delete", KindStorage, idOrPrefix, err)
	}
	defer tx.Rollback()

	id, err := resolveID(ctx, tx, idOrPrefix)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return newErr("memori: delete", KindStorage, id, err)
	}
	return newErrOrCommit(tx, "memori: delete", id)
}

// SetAccessStats directly overwrites access tracking fields, used by import
// to preserve access history across an export/import round trip.
func (s *SQLiteStore) SetAccessStats(ctx context.Context, idOrPrefix string, lastAccessed *time.Time, accessCount *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr("memori: set access stats", KindStorage, idOrPrefix, err)
	}
	defer tx.Rollback()

	id, err := resolveID(ctx, tx, idOrPrefix)
	if err != nil {
		return err
	}

	if lastAccessed != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE memories SET last_accessed = ? WHERE id = ?`, toEpochSeconds(*lastAccessed), id); err != nil {
			return newErr("memori: set access stats", KindStorage, id, err)
		}
	}
	if accessCount != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE memories SET access_count = ? WHERE id = ?`, *accessCount, id); err != nil {
			return newErr("memori: set access stats", KindStorage, id, err)
		}
	}
	return newErrOrCommit(tx, "memori: set access stats", id)
}

func newErrOrCommit(tx *sql.Tx, op, id string) error {
	if err := tx.Commit(); err != nil {
		return newErr(op, KindStorage, id, err)
	}
	return nil
}

// Count returns the total number of memories.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, newErr("memori: count", KindStorage, "", err)
	}
	return n, nil
}

// TypeDistribution returns a count of memories per distinct metadata.type
// value. Memories without a type key are counted under the empty string key.
func (s *SQLiteStore) TypeDistribution(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(json_extract(metadata, '$.type'), ''), COUNT(*) FROM memories GROUP BY 1`,
	)
	if err != nil {
		return nil, newErr("memori: type distribution", KindStorage, "", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, newErr("memori: type distribution", KindStorage, "", err)
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// EmbeddingStats reports how many memories have a stored vector out of the total.
func (s *SQLiteStore) EmbeddingStats(ctx context.Context) (embedded, total int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&total); err != nil {
		return 0, 0, newErr("memori: embedding stats", KindStorage, "", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE vector IS NOT NULL`).Scan(&embedded); err != nil {
		return 0, 0, newErr("memori: embedding stats", KindStorage, "", err)
	}
	return embedded, total, nil
}

// Vacuum reclaims space by running SQLite's VACUUM.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return newErr("memori: vacuum", KindStorage, "", err)
	}
	return nil
}

// DeleteBefore removes every memory created strictly before ts, returning
// the number of rows removed.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, ts time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE created_at < ?`, toEpochSeconds(ts))
	if err != nil {
		return 0, newErr("memori: delete before", KindStorage, "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newErr("memori: delete before", KindStorage, "", err)
	}
	return n, nil
}

// DeleteByType removes every memory whose metadata.type equals typ, returning
// the number of rows removed.
func (s *SQLiteStore) DeleteByType(ctx context.Context, typ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE json_extract(metadata, '$.type') = ?`, typ,
	)
	if err != nil {
		return 0, newErr("memori: delete by type", KindStorage, typ, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newErr("memori: delete by type", KindStorage, typ, err)
	}
	return n, nil
}

// Close is a no-op; the caller owns the database connection.
func (s *SQLiteStore) Close() error {
	return nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableBlob(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return EncodeFloat32s(v)
}

// scanner abstracts *sql.Row and *sql.Rows for scanMemory.
type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*Memory, error) {
	var m Memory
	var metadata sql.NullString
	var vecBlob []byte
	var createdAt, updatedAt float64
	var lastAccessed sql.NullFloat64

	err := row.Scan(
		&m.ID, &m.Content, &metadata, &vecBlob,
		&createdAt, &updatedAt, &lastAccessed, &m.AccessCount,
	)
	if err != nil {
		return nil, err
	}

	if metadata.Valid && metadata.String != "" {
		m.Metadata = []byte(metadata.String)
	}
	if len(vecBlob) > 0 {
		m.Vector = DecodeFloat32s(vecBlob)
	}
	m.CreatedAt = fromEpochSeconds(createdAt)
	m.UpdatedAt = fromEpochSeconds(updatedAt)
	if lastAccessed.Valid {
		t := fromEpochSeconds(lastAccessed.Float64)
		m.LastAccessed = &t
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("memori: scanning memory: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memori: iterating memories: %w", err)
	}
	return out, nil
}
