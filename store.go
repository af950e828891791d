// Package memori is an embedded memory store for AI agents: a single SQLite
// file holding short natural-language memories with structured JSON
// metadata and optional dense vector embeddings, queried through hybrid
// full-text + vector search with reciprocal-rank fusion.
//
// # Conventions
//
// Metadata is an arbitrary JSON object. One key, "type", is a recognized
// convention used by filters and deduplication scoping, but is never
// enforced against a fixed set of values — any type is stored as-is, and
// Insert does not warn about values it does not recognize.
//
// Callers that want deduplication should always set metadata.type: the
// Deduper is a no-op by construction whenever type or the effective vector
// is absent, never an error.
package memori

import (
	"context"
	"encoding/json"
	"time"
)

// Memory is a single stored record: content plus structured metadata, an
// optional embedding, and access-tracking timestamps.
type Memory struct {
	ID           string          // 36-char UUID; generated on Insert unless caller provides one
	Content      string          // the memory text; non-empty
	Metadata     json.RawMessage // arbitrary JSON object, canonicalized on write; nil means no metadata
	Vector       []float32       // nil until computed; fixed dimension per database
	CreatedAt    time.Time       // set on create; never changes
	UpdatedAt    time.Time       // set on create; refreshed on content/metadata/vector mutation
	LastAccessed *time.Time      // refreshed only by Get
	AccessCount  int64           // incremented only by Get
}

// InsertAction reports whether Insert created a new row or merged into an
// existing one via the Deduper.
type InsertAction string

const (
	ActionCreated      InsertAction = "created"
	ActionDeduplicated InsertAction = "deduplicated"
)

// InsertResult is returned by Insert.
type InsertResult struct {
	ID     string
	Action InsertAction
}

// MetadataFilter applies a condition on a top-level JSON metadata field.
// Supported operators: "=", "!=", "<", "<=", ">", ">=". Value is compared
// via SQLite's json_extract(); rows with NULL metadata or a missing key
// are excluded unless IncludeNull is set.
type MetadataFilter struct {
	Key         string
	Op          string
	Value       any
	IncludeNull bool
}

// SortKey is a List ordering key. All sort keys are descending with NULLs
// sorted last; ties are broken by id ascending for stability.
type SortKey string

const (
	SortCreated  SortKey = "created"
	SortUpdated  SortKey = "updated"
	SortAccessed SortKey = "accessed"
	SortCount    SortKey = "count"
)

// QueryOpts controls List.
type QueryOpts struct {
	TypeFilter      string // metadata.type equality filter; empty = all
	MetadataFilters []MetadataFilter
	CreatedAfter    *time.Time
	CreatedBefore   *time.Time
	Sort            SortKey
	Limit           int
	Offset          int
	// ExcludeSuperseded drops memories carrying a metadata.superseded_by
	// marker set by Supersede. Default false, so existing callers see no
	// behavior change unless they opt in.
	ExcludeSuperseded bool
}

// SearchOpts controls Search.
type SearchOpts struct {
	Vector            []float32 // caller-supplied query vector; derived from Text via the Embedder if absent
	Text              string
	Filter            []MetadataFilter
	TypeFilter        string
	Limit             int  // default 20
	TextOnly          bool // force text-only mode even when a vector is available
	Before            *time.Time
	After             *time.Time
	IncludeVectors    bool // if false (default), Vector is omitted from results
	ExcludeSuperseded bool // drop memories with a metadata.superseded_by marker
}

// SearchResult pairs a Memory with its fused, higher-is-better score.
// Score is nil for empty-query recency listings.
type SearchResult struct {
	Memory Memory
	Score  *float64
}

// InsertOpts controls Insert.
type InsertOpts struct {
	Vector         []float32 // supplied vector; if absent and NoEmbed is false, derived via the Embedder
	Metadata       json.RawMessage
	DedupThreshold *float64 // if set, route through the Deduper; 0 uses DefaultDedupThreshold
	NoEmbed        bool     // skip auto-embedding even without a supplied vector
}

// Embedder produces a vector embedding for a single piece of text.
// Implementations must be safe for concurrent use if the host calls the
// store from multiple goroutines.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the embedder's fixed output length. The store does
	// not call it: it records the length of the first vector stored and
	// rejects later vectors of a different length.
	Dimension() int
}

// BatchEmbedder is optionally implemented by Embedders that can embed many
// texts in a single round trip more efficiently than N calls to Embed.
// BackfillEmbeddings prefers this when available.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Store is the host-facing contract for the memory engine. SQLiteStore is
// the sole implementation.
type Store interface {
	Insert(ctx context.Context, content string, opts InsertOpts) (InsertResult, error)
	InsertWithID(ctx context.Context, id, content string, opts InsertOpts, createdAt, updatedAt *time.Time) (string, error)
	Get(ctx context.Context, idOrPrefix string) (*Memory, error)
	GetReadonly(ctx context.Context, idOrPrefix string) (*Memory, error)
	Update(ctx context.Context, idOrPrefix string, patch UpdatePatch) error
	Delete(ctx context.Context, idOrPrefix string) error

	// Supersede marks oldID as superseded by newID by merging
	// metadata.superseded_by and metadata.superseded_at into oldID. Both ids
	// must already exist; it does not touch newID.
	Supersede(ctx context.Context, oldID, newID string) error

	Search(ctx context.Context, opts SearchOpts) ([]SearchResult, error)
	List(ctx context.Context, opts QueryOpts) ([]Memory, error)
	Related(ctx context.Context, idOrPrefix string, limit int) ([]SearchResult, error)

	Count(ctx context.Context) (int64, error)
	TypeDistribution(ctx context.Context) (map[string]int64, error)
	EmbeddingStats(ctx context.Context) (embedded, total int64, err error)
	BackfillEmbeddings(ctx context.Context, batchSize int) (int, error)

	DeleteBefore(ctx context.Context, ts time.Time) (int64, error)
	DeleteByType(ctx context.Context, typ string) (int64, error)
	Vacuum(ctx context.Context) error

	SetAccessStats(ctx context.Context, idOrPrefix string, lastAccessed *time.Time, accessCount *int64) error

	Close() error
}

// UpdatePatch describes a partial update to a Memory. Nil fields are left
// unchanged. MergeMetadata controls whether Metadata (when non-nil) is
// shallow-merged into the existing metadata (true, the default callers
// should pass) or replaces it wholesale (false).
type UpdatePatch struct {
	Content       *string
	Vector        []float32 // explicit nil vs not-present is indistinguishable for slices; use VectorSet
	VectorSet     bool
	Metadata      json.RawMessage
	MergeMetadata bool
}
