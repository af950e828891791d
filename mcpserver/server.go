// Package mcpserver exposes a memori-backed memory store as MCP (Model
// Context Protocol) tools, so an agent can store, search, and manage
// memories across sessions over a stdio JSON-RPC transport.
package mcpserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memori-dev/memori"
	"github.com/memori-dev/memori/internal/purge"
)

// MemoryServer bridges MCP tool calls to a memori.Store. db is held
// separately from store for the purge tool, which operates directly
// against the database via the internal/purge preview/commit pair.
type MemoryServer struct {
	store memori.Store
	db    *sql.DB
}

// NewMemoryServer creates a server backed by the given store and its
// underlying database handle.
func NewMemoryServer(store memori.Store, db *sql.DB) *MemoryServer {
	return &MemoryServer{store: store, db: db}
}

// --- Input types (MCP SDK infers JSON schemas from struct tags) ---

// InsertInput is the input schema for the memory_insert tool.
type InsertInput struct {
	Content        string         `json:"content" jsonschema:"the memory text to store"`
	Metadata       map[string]any `json:"metadata,omitempty" jsonschema:"arbitrary structured metadata; the key \"type\" is used by filters and deduplication scoping"`
	DedupThreshold *float64       `json:"dedup_threshold,omitempty" jsonschema:"if set, update an existing memory of the same metadata.type when cosine similarity meets this threshold instead of inserting a new one (0 uses the default threshold)"`
	NoEmbed        bool           `json:"no_embed,omitempty" jsonschema:"skip automatic embedding at insert time"`
}

// GetInput is the input schema for the memory_get tool.
type GetInput struct {
	ID string `json:"id" jsonschema:"full id or unambiguous id prefix"`
}

// UpdateInput is the input schema for the memory_update tool.
type UpdateInput struct {
	ID       string         `json:"id" jsonschema:"full id or unambiguous id prefix"`
	Content  *string        `json:"content,omitempty" jsonschema:"replacement content; omit to leave unchanged"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"metadata fields to apply; a null value deletes that key"`
	Replace  bool           `json:"replace,omitempty" jsonschema:"replace metadata wholesale instead of shallow-merging it (default: merge)"`
}

// DeleteInput is the input schema for the memory_delete tool.
type DeleteInput struct {
	ID string `json:"id" jsonschema:"full id or unambiguous id prefix"`
}

// SearchInput is the input schema for the memory_search tool.
type SearchInput struct {
	Query             string         `json:"query" jsonschema:"natural language search query; embedded and matched against full text"`
	TypeFilter        string         `json:"type,omitempty" jsonschema:"filter results to a specific metadata.type"`
	Metadata          map[string]any `json:"metadata,omitempty" jsonschema:"filter by metadata fields (equality match)"`
	Limit             int            `json:"limit,omitempty" jsonschema:"maximum number of results (default 20)"`
	TextOnly          bool           `json:"text_only,omitempty" jsonschema:"force full-text search only, skipping vector similarity even when available"`
	IncludeVectors    bool           `json:"include_vectors,omitempty" jsonschema:"include the raw embedding vector in each result"`
	ExcludeSuperseded bool           `json:"exclude_superseded,omitempty" jsonschema:"omit memories marked superseded via memory_supersede"`
}

// ListInput is the input schema for the memory_list tool.
type ListInput struct {
	TypeFilter        string         `json:"type,omitempty" jsonschema:"filter by metadata.type"`
	Metadata          map[string]any `json:"metadata,omitempty" jsonschema:"filter by metadata fields (equality match)"`
	Sort              string         `json:"sort,omitempty" jsonschema:"one of created, updated, accessed, count (default: created)"`
	Limit             int            `json:"limit,omitempty" jsonschema:"maximum number of results (default 20)"`
	Offset            int            `json:"offset,omitempty" jsonschema:"number of results to skip"`
	ExcludeSuperseded bool           `json:"exclude_superseded,omitempty" jsonschema:"omit memories marked superseded via memory_supersede"`
}

// SupersedeInput is the input schema for the memory_supersede tool.
type SupersedeInput struct {
	OldID string `json:"old_id" jsonschema:"id or unambiguous id prefix of the memory being replaced"`
	NewID string `json:"new_id" jsonschema:"id or unambiguous id prefix of the replacement memory"`
}

// RelatedInput is the input schema for the memory_related tool.
type RelatedInput struct {
	ID    string `json:"id" jsonschema:"full id or unambiguous id prefix of the memory to find neighbors for"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results (default 10)"`
}

// BackfillInput is the input schema for the memory_backfill tool.
type BackfillInput struct {
	BatchSize int `json:"batch_size,omitempty" jsonschema:"number of memories to embed per batch (default 50)"`
}

// PurgeInput is the input schema for the memory_purge tool.
type PurgeInput struct {
	Before string `json:"before,omitempty" jsonschema:"RFC3339 timestamp; matches memories created before this time"`
	Type   string `json:"type,omitempty" jsonschema:"matches memories with this metadata.type"`
	Commit bool   `json:"commit,omitempty" jsonschema:"if false (default), only preview the ids that would be deleted"`
}

// VacuumInput is the input schema for the memory_vacuum tool.
type VacuumInput struct{}

// StatusInput is the input schema for the memory_status tool.
type StatusInput struct{}

// --- Tool registration ---

// Register adds all memory tools to the given MCP server.
func (ms *MemoryServer) Register(s *mcp.Server) {
	mcp.AddTool(s, &mcp.Tool{
		Name: "memory_insert",
		Description: `Store a new memory. Persists across sessions with automatic embedding for semantic search. Use this whenever you learn something worth remembering: user preferences, project decisions, technical choices, or any durable fact.

Conventions:
- metadata.type: a short lowercase tag (e.g. "preference", "project", "note"). Used by filters and by deduplication scoping — set it consistently.
- dedup_threshold: pass 0 (or any threshold) to fold near-duplicate memories of the same type into an update instead of a new row.`,
	}, ms.HandleInsert)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_get",
		Description: "Fetch a single memory by id or unambiguous id prefix. Bumps its access count and last-accessed time.",
	}, ms.HandleGet)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_update",
		Description: "Update a memory's content or metadata in place. Metadata merges with the existing object by default; pass replace=true to overwrite it wholesale. A null metadata value deletes that key.",
	}, ms.HandleUpdate)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_delete",
		Description: "Permanently delete a single memory by id or unambiguous id prefix.",
	}, ms.HandleDelete)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_supersede",
		Description: "Mark an existing memory as superseded by a newer one, preserving history instead of deleting it outright. Search and list exclude superseded memories only when exclude_superseded is set.",
	}, ms.HandleSupersede)

	mcp.AddTool(s, &mcp.Tool{
		Name: "memory_search",
		Description: `Search stored memories using hybrid full-text and semantic search, fused by reciprocal-rank fusion. Returns ranked results with relevance scores. Use this to recall information from previous sessions.

Search early and often — check what you already know before asking the user to repeat themselves.`,
	}, ms.HandleSearch)

	mcp.AddTool(s, &mcp.Tool{
		Name: "memory_list",
		Description: `Browse stored memories with optional type and metadata filters, no query required. Use this to see what's known about a topic rather than matching a specific query.`,
	}, ms.HandleList)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_related",
		Description: "Find memories most similar to a given memory's embedding. Requires the source memory to already have a vector.",
	}, ms.HandleRelated)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_backfill",
		Description: "Compute and store embeddings for memories that don't have one yet (e.g. ones inserted with no_embed). Returns the number embedded.",
	}, ms.HandleBackfill)

	mcp.AddTool(s, &mcp.Tool{
		Name: "memory_purge",
		Description: `Bulk-delete memories matching a created-before time and/or metadata.type. Defaults to a preview (returns the ids that would be deleted, deletes nothing) — pass commit=true to actually delete. Neither field set matches nothing, never everything.`,
	}, ms.HandlePurge)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_vacuum",
		Description: "Reclaim disk space after deletes by running SQLite VACUUM. Can be slow on a large database.",
	}, ms.HandleVacuum)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_status",
		Description: "Show memory store statistics: total count, type breakdown, and embedding coverage.",
	}, ms.HandleStatus)
}

// --- Handlers ---

func (ms *MemoryServer) HandleInsert(ctx context.Context, _ *mcp.CallToolRequest, input InsertInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Content) == "" {
		return textResult("Error: content is required", true), nil, nil
	}

	opts := memori.InsertOpts{
		NoEmbed:        input.NoEmbed,
		DedupThreshold: input.DedupThreshold,
	}
	if len(input.Metadata) > 0 {
		metaJSON, err := json.Marshal(input.Metadata)
		if err != nil {
			return textResult(fmt.Sprintf("Error encoding metadata: %v", err), true), nil, nil
		}
		opts.Metadata = metaJSON
	}

	result, err := ms.store.Insert(ctx, input.Content, opts)
	if err != nil {
		return textResult(fmt.Sprintf("Error storing memory: %v", err), true), nil, nil
	}

	return textResult(fmt.Sprintf("%s (id=%s)", result.Action, result.ID), false), nil, nil
}

func (ms *MemoryServer) HandleGet(ctx context.Context, _ *mcp.CallToolRequest, input GetInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.ID) == "" {
		return textResult("Error: id is required", true), nil, nil
	}

	m, err := ms.store.Get(ctx, input.ID)
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}

	return textResult(formatMemory(m), false), nil, nil
}

func (ms *MemoryServer) HandleUpdate(ctx context.Context, _ *mcp.CallToolRequest, input UpdateInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.ID) == "" {
		return textResult("Error: id is required", true), nil, nil
	}

	patch := memori.UpdatePatch{
		Content:       input.Content,
		MergeMetadata: !input.Replace,
	}
	if input.Metadata != nil {
		metaJSON, err := json.Marshal(input.Metadata)
		if err != nil {
			return textResult(fmt.Sprintf("Error encoding metadata: %v", err), true), nil, nil
		}
		patch.Metadata = metaJSON
	}

	if err := ms.store.Update(ctx, input.ID, patch); err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}

	return textResult(fmt.Sprintf("Updated %s.", input.ID), false), nil, nil
}

func (ms *MemoryServer) HandleSupersede(ctx context.Context, _ *mcp.CallToolRequest, input SupersedeInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.OldID) == "" || strings.TrimSpace(input.NewID) == "" {
		return textResult("Error: old_id and new_id are required", true), nil, nil
	}

	if err := ms.store.Supersede(ctx, input.OldID, input.NewID); err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}

	return textResult(fmt.Sprintf("Marked %s superseded by %s.", input.OldID, input.NewID), false), nil, nil
}

func (ms *MemoryServer) HandleDelete(ctx context.Context, _ *mcp.CallToolRequest, input DeleteInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.ID) == "" {
		return textResult("Error: id is required", true), nil, nil
	}

	if err := ms.store.Delete(ctx, input.ID); err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}

	return textResult(fmt.Sprintf("Deleted %s.", input.ID), false), nil, nil
}

func (ms *MemoryServer) HandleSearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Query) == "" {
		return textResult("Error: query is required", true), nil, nil
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	results, err := ms.store.Search(ctx, memori.SearchOpts{
		Text:              input.Query,
		TypeFilter:        input.TypeFilter,
		Filter:            metadataFilters(input.Metadata),
		Limit:             limit,
		TextOnly:          input.TextOnly,
		IncludeVectors:    input.IncludeVectors,
		ExcludeSuperseded: input.ExcludeSuperseded,
	})
	if err != nil {
		return textResult(fmt.Sprintf("Error searching: %v", err), true), nil, nil
	}

	if len(results) == 0 {
		return textResult("No matching memories found.", false), nil, nil
	}

	var b strings.Builder
	for i, r := range results {
		score := "n/a"
		if r.Score != nil {
			score = fmt.Sprintf("%.4f", *r.Score)
		}
		fmt.Fprintf(&b, "[%d] (id=%s, score=%s)\n", i+1, r.Memory.ID, score)
		fmt.Fprintf(&b, "    %s\n", r.Memory.Content)
		if len(r.Memory.Metadata) > 0 && string(r.Memory.Metadata) != "null" {
			fmt.Fprintf(&b, "    metadata: %s\n", string(r.Memory.Metadata))
		}
		fmt.Fprintln(&b)
	}

	return textResult(b.String(), false), nil, nil
}

func (ms *MemoryServer) HandleList(ctx context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, any, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}

	memories, err := ms.store.List(ctx, memori.QueryOpts{
		TypeFilter:        input.TypeFilter,
		MetadataFilters:   metadataFilters(input.Metadata),
		Sort:              memori.SortKey(input.Sort),
		Limit:             limit,
		Offset:            input.Offset,
		ExcludeSuperseded: input.ExcludeSuperseded,
	})
	if err != nil {
		return textResult(fmt.Sprintf("Error listing: %v", err), true), nil, nil
	}

	if len(memories) == 0 {
		return textResult("No memories found.", false), nil, nil
	}

	var b strings.Builder
	for _, m := range memories {
		fmt.Fprintf(&b, "[id=%s] %s\n", m.ID, m.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(&b, "  %s\n", m.Content)
		if len(m.Metadata) > 0 && string(m.Metadata) != "null" {
			fmt.Fprintf(&b, "  metadata: %s\n", string(m.Metadata))
		}
		fmt.Fprintln(&b)
	}
	fmt.Fprintf(&b, "%d memories listed.", len(memories))

	return textResult(b.String(), false), nil, nil
}

func (ms *MemoryServer) HandleRelated(ctx context.Context, _ *mcp.CallToolRequest, input RelatedInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.ID) == "" {
		return textResult("Error: id is required", true), nil, nil
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}

	results, err := ms.store.Related(ctx, input.ID, limit)
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}
	if len(results) == 0 {
		return textResult("No related memories found.", false), nil, nil
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] (id=%s, similarity=%.4f) %s\n", i+1, r.Memory.ID, *r.Score, r.Memory.Content)
	}

	return textResult(b.String(), false), nil, nil
}

func (ms *MemoryServer) HandleBackfill(ctx context.Context, _ *mcp.CallToolRequest, input BackfillInput) (*mcp.CallToolResult, any, error) {
	n, err := ms.store.BackfillEmbeddings(ctx, input.BatchSize)
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}
	return textResult(fmt.Sprintf("Embedded %d memories.", n), false), nil, nil
}

func (ms *MemoryServer) HandlePurge(ctx context.Context, _ *mcp.CallToolRequest, input PurgeInput) (*mcp.CallToolResult, any, error) {
	pred := purge.Predicate{Type: input.Type}
	if input.Before != "" {
		ts, err := time.Parse(time.RFC3339, input.Before)
		if err != nil {
			return textResult(fmt.Sprintf("Error: before must be RFC3339: %v", err), true), nil, nil
		}
		pred.Before = &ts
	}

	if !input.Commit {
		ids, err := purge.Preview(ctx, ms.db, pred)
		if err != nil {
			return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
		}
		if len(ids) == 0 {
			return textResult("No memories match.", false), nil, nil
		}
		return textResult(fmt.Sprintf("Would delete %d memories: %s", len(ids), strings.Join(ids, ", ")), false), nil, nil
	}

	n, err := purge.Commit(ctx, ms.db, pred)
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}
	return textResult(fmt.Sprintf("Deleted %d memories.", n), false), nil, nil
}

func (ms *MemoryServer) HandleVacuum(ctx context.Context, _ *mcp.CallToolRequest, _ VacuumInput) (*mcp.CallToolResult, any, error) {
	if err := ms.store.Vacuum(ctx); err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}
	return textResult("Vacuum complete.", false), nil, nil
}

func (ms *MemoryServer) HandleStatus(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, any, error) {
	count, err := ms.store.Count(ctx)
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}

	dist, err := ms.store.TypeDistribution(ctx)
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}

	embedded, total, err := ms.store.EmbeddingStats(ctx)
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Memories: %s\n", humanize.Comma(count))
	fmt.Fprintf(&b, "Embedded: %s / %s\n\n", humanize.Comma(embedded), humanize.Comma(total))

	if len(dist) > 0 {
		fmt.Fprintln(&b, "By type:")
		for typ, n := range dist {
			label := typ
			if label == "" {
				label = "(untyped)"
			}
			fmt.Fprintf(&b, "  %s: %s\n", label, humanize.Comma(n))
		}
	}

	return textResult(b.String(), false), nil, nil
}

// metadataFilters converts a map[string]any (from MCP input) to
// memori.MetadataFilter equality conditions.
func metadataFilters(m map[string]any) []memori.MetadataFilter {
	if len(m) == 0 {
		return nil
	}
	filters := make([]memori.MetadataFilter, 0, len(m))
	for k, v := range m {
		filters = append(filters, memori.MetadataFilter{Key: k, Op: "=", Value: v})
	}
	return filters
}

func formatMemory(m *memori.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", m.ID)
	fmt.Fprintf(&b, "content: %s\n", m.Content)
	if len(m.Metadata) > 0 && string(m.Metadata) != "null" {
		fmt.Fprintf(&b, "metadata: %s\n", string(m.Metadata))
	}
	fmt.Fprintf(&b, "created: %s\n", m.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "updated: %s\n", m.UpdatedAt.Format(time.RFC3339))
	if m.LastAccessed != nil {
		fmt.Fprintf(&b, "last_accessed: %s\n", m.LastAccessed.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "access_count: %d\n", m.AccessCount)
	return b.String()
}

// textResult builds a CallToolResult with a single text content block.
func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
		IsError: isError,
	}
}
