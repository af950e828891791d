package mcpserver_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/memori-dev/memori"
	"github.com/memori-dev/memori/mcpserver"
)

func newTestServer(t *testing.T) (*mcpserver.MemoryServer, *memori.SQLiteStore, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := memori.NewSQLiteStore(db, memori.NewStaticEmbedder(8))
	if err != nil {
		t.Fatal(err)
	}

	return mcpserver.NewMemoryServer(store, db), store, db
}

func resultText(t *testing.T, r *mcp.CallToolResult) string {
	t.Helper()
	if r == nil {
		t.Fatal("nil result")
	}
	if len(r.Content) == 0 {
		t.Fatal("empty content")
	}
	tc, ok := r.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", r.Content[0])
	}
	return tc.Text
}

func onlyID(t *testing.T, ctx context.Context, store *memori.SQLiteStore) string {
	t.Helper()
	memories, err := store.List(ctx, memori.QueryOpts{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(memories) == 0 {
		t.Fatal("expected at least one memory")
	}
	return memories[0].ID
}

// --- memory_insert ---

func TestHandleInsert_Basic(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "Matthew prefers dark mode"})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	text := resultText(t, result)
	if !strings.Contains(text, "created") {
		t.Errorf("expected 'created' action, got: %s", text)
	}
}

func TestHandleInsert_EmptyContent(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "   "})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for blank content")
	}
}

func TestHandleInsert_WithMetadata(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandleInsert(ctx, nil, mcpserver.InsertInput{
		Content:  "Matthew works at Acme",
		Metadata: map[string]any{"type": "identity", "source": "conversation"},
		NoEmbed:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}

	memories, err := store.List(ctx, memori.QueryOpts{TypeFilter: "identity"})
	if err != nil {
		t.Fatal(err)
	}
	if len(memories) != 1 {
		t.Fatalf("got %d memories, want 1", len(memories))
	}
}

func TestHandleInsert_DedupUpdatesInPlace(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	// Dedup needs a vector, so both inserts are embedded. The two contents
	// hold the same words, which gives the static embedder the same vector.
	threshold := 0.0
	first, _, err := srv.HandleInsert(ctx, nil, mcpserver.InsertInput{
		Content:        "dark mode preferred",
		Metadata:       map[string]any{"type": "scratch"},
		DedupThreshold: &threshold,
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, first))
	}

	second, _, err := srv.HandleInsert(ctx, nil, mcpserver.InsertInput{
		Content:        "preferred dark mode",
		Metadata:       map[string]any{"type": "scratch"},
		DedupThreshold: &threshold,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, second), "deduplicated") {
		t.Errorf("expected 'deduplicated' action, got: %s", resultText(t, second))
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 after dedup", count)
	}
}

// --- memory_get ---

func TestHandleGet_Basic(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	insertResult, _, err := srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "remember this", NoEmbed: true})
	if err != nil {
		t.Fatal(err)
	}
	if insertResult.IsError {
		t.Fatal(resultText(t, insertResult))
	}

	id := onlyID(t, ctx, store)

	result, _, err := srv.HandleGet(ctx, nil, mcpserver.GetInput{ID: id})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	if !strings.Contains(resultText(t, result), "remember this") {
		t.Errorf("expected content in result, got: %s", resultText(t, result))
	}
}

func TestHandleGet_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandleGet(ctx, nil, mcpserver.GetInput{ID: "00000000-0000-0000-0000-000000000000"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for nonexistent id")
	}
}

func TestHandleGet_EmptyID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandleGet(ctx, nil, mcpserver.GetInput{ID: ""})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for empty id")
	}
}

// --- memory_delete ---

func TestHandleDelete_Basic(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "to delete", NoEmbed: true})
	id := onlyID(t, ctx, store)

	result, _, err := srv.HandleDelete(ctx, nil, mcpserver.DeleteInput{ID: id})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0 after delete", count)
	}
}

func TestHandleDelete_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandleDelete(ctx, nil, mcpserver.DeleteInput{ID: "00000000-0000-0000-0000-000000000000"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for nonexistent id")
	}
}

// --- memory_search ---

func TestHandleSearch_Basic(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "Matthew prefers dark mode", NoEmbed: true})
	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "The server runs on port 8080", NoEmbed: true})

	result, _, err := srv.HandleSearch(ctx, nil, mcpserver.SearchInput{Query: "dark mode"})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	if !strings.Contains(resultText(t, result), "dark mode") {
		t.Errorf("expected match, got: %s", resultText(t, result))
	}
}

func TestHandleSearch_NoResults(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandleSearch(ctx, nil, mcpserver.SearchInput{Query: "nonexistent topic"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, result), "No matching") {
		t.Errorf("expected 'No matching', got: %s", resultText(t, result))
	}
}

func TestHandleSearch_EmptyQuery(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandleSearch(ctx, nil, mcpserver.SearchInput{Query: ""})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for empty query")
	}
}

// --- memory_list ---

func TestHandleList_Basic(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "one", NoEmbed: true})
	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "two", NoEmbed: true})

	result, _, err := srv.HandleList(ctx, nil, mcpserver.ListInput{})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "2 memories listed") {
		t.Errorf("expected '2 memories listed', got: %s", text)
	}
}

func TestHandleList_Empty(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandleList(ctx, nil, mcpserver.ListInput{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, result), "No memories") {
		t.Errorf("expected 'No memories', got: %s", resultText(t, result))
	}
}

// --- memory_purge ---

func TestHandlePurge_PreviewDoesNotDelete(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{
		Content: "old scratch", Metadata: map[string]any{"type": "scratch"}, NoEmbed: true,
	})

	result, _, err := srv.HandlePurge(ctx, nil, mcpserver.PurgeInput{Type: "scratch"})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	if !strings.Contains(resultText(t, result), "Would delete") {
		t.Errorf("expected preview message, got: %s", resultText(t, result))
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (preview must not delete)", count)
	}
}

func TestHandlePurge_CommitDeletes(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{
		Content: "old scratch", Metadata: map[string]any{"type": "scratch"}, NoEmbed: true,
	})

	result, _, err := srv.HandlePurge(ctx, nil, mcpserver.PurgeInput{Type: "scratch", Commit: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	if !strings.Contains(resultText(t, result), "Deleted") {
		t.Errorf("expected delete message, got: %s", resultText(t, result))
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0 after committed purge", count)
	}
}

func TestHandlePurge_NoFieldsMatchesNothing(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "keep me", NoEmbed: true})

	result, _, err := srv.HandlePurge(ctx, nil, mcpserver.PurgeInput{Commit: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, result), "No memories match") {
		t.Errorf("expected no-match message for empty predicate, got: %s", resultText(t, result))
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (empty predicate must be a safety no-op)", count)
	}
}

func TestHandlePurge_InvalidBeforeIsError(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandlePurge(ctx, nil, mcpserver.PurgeInput{Before: "not-a-timestamp"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for malformed before timestamp")
	}
}

// --- memory_status ---

func TestHandleStatus_Empty(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandleStatus(ctx, nil, mcpserver.StatusInput{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, result), "Memories: 0") {
		t.Errorf("expected 'Memories: 0', got: %s", resultText(t, result))
	}
}

func TestHandleStatus_WithMemories(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{
		Content: "a", Metadata: map[string]any{"type": "note"}, NoEmbed: true,
	})
	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{
		Content: "b", Metadata: map[string]any{"type": "note"}, NoEmbed: true,
	})

	result, _, err := srv.HandleStatus(ctx, nil, mcpserver.StatusInput{})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "Memories: 2") {
		t.Errorf("expected 'Memories: 2', got: %s", text)
	}
	if !strings.Contains(text, "note:") {
		t.Errorf("expected type breakdown, got: %s", text)
	}
}

// --- memory_vacuum ---

func TestHandleVacuum_Basic(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandleVacuum(ctx, nil, mcpserver.VacuumInput{})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
}

// --- memory_related ---

func TestHandleRelated_RequiresVector(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "no vector", NoEmbed: true})
	id := onlyID(t, ctx, store)

	result, _, err := srv.HandleRelated(ctx, nil, mcpserver.RelatedInput{ID: id})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for memory without a vector")
	}
}

// --- memory_backfill ---

func TestHandleBackfill_EmbedsMissing(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "no vector yet", NoEmbed: true})

	result, _, err := srv.HandleBackfill(ctx, nil, mcpserver.BackfillInput{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, result), "Embedded 1") {
		t.Errorf("expected 'Embedded 1', got: %s", resultText(t, result))
	}

	embedded, total, err := store.EmbeddingStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if embedded != 1 || total != 1 {
		t.Errorf("embedded=%d total=%d, want 1/1", embedded, total)
	}
}

// --- memory_update ---

func TestHandleUpdate_ContentAndMetadata(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{
		Content: "original", Metadata: map[string]any{"type": "note", "tag": "keep"}, NoEmbed: true,
	})
	id := onlyID(t, ctx, store)

	newContent := "revised"
	result, _, err := srv.HandleUpdate(ctx, nil, mcpserver.UpdateInput{
		ID:       id,
		Content:  &newContent,
		Metadata: map[string]any{"tag": "updated"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}

	getResult, _, err := srv.HandleGet(ctx, nil, mcpserver.GetInput{ID: id})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, getResult)
	if !strings.Contains(text, "revised") {
		t.Errorf("expected updated content, got: %s", text)
	}
	if !strings.Contains(text, `"type":"note"`) {
		t.Errorf("expected merged metadata to keep type=note, got: %s", text)
	}
}

func TestHandleUpdate_EmptyID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandleUpdate(ctx, nil, mcpserver.UpdateInput{ID: ""})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for empty id")
	}
}

// --- memory_supersede ---

func TestHandleSupersede_Basic(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "old fact", NoEmbed: true})
	oldID := onlyID(t, ctx, store)

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "new fact", NoEmbed: true})

	memories, err := store.List(ctx, memori.QueryOpts{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	var newID string
	for _, m := range memories {
		if m.ID != oldID {
			newID = m.ID
		}
	}
	if newID == "" {
		t.Fatal("expected a second memory")
	}

	result, _, err := srv.HandleSupersede(ctx, nil, mcpserver.SupersedeInput{OldID: oldID, NewID: newID})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}

	old, err := store.GetReadonly(ctx, oldID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(old.Metadata), newID) {
		t.Errorf("expected metadata to reference superseding id, got: %s", old.Metadata)
	}
}

func TestHandleSupersede_EmptyIDs(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandleSupersede(ctx, nil, mcpserver.SupersedeInput{OldID: "", NewID: ""})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for empty ids")
	}
}

func TestHandleSupersede_NotFound(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "old fact", NoEmbed: true})
	oldID := onlyID(t, ctx, store)

	result, _, err := srv.HandleSupersede(ctx, nil, mcpserver.SupersedeInput{
		OldID: oldID, NewID: "00000000-0000-0000-0000-000000000000",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for nonexistent new_id")
	}
}

func TestHandleSearch_ExcludeSuperseded(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "shared topic old", NoEmbed: true})
	oldID := onlyID(t, ctx, store)
	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "shared topic new", NoEmbed: true})

	memories, err := store.List(ctx, memori.QueryOpts{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	var newID string
	for _, m := range memories {
		if m.ID != oldID {
			newID = m.ID
		}
	}

	if err := store.Supersede(ctx, oldID, newID); err != nil {
		t.Fatal(err)
	}

	result, _, err := srv.HandleSearch(ctx, nil, mcpserver.SearchInput{
		Query: "shared topic", ExcludeSuperseded: true, TextOnly: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(resultText(t, result), oldID) {
		t.Errorf("expected superseded memory excluded from results, got: %s", resultText(t, result))
	}
}

func TestHandleList_ExcludeSuperseded(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "old", NoEmbed: true})
	oldID := onlyID(t, ctx, store)
	srv.HandleInsert(ctx, nil, mcpserver.InsertInput{Content: "new", NoEmbed: true})

	memories, err := store.List(ctx, memori.QueryOpts{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	var newID string
	for _, m := range memories {
		if m.ID != oldID {
			newID = m.ID
		}
	}
	if err := store.Supersede(ctx, oldID, newID); err != nil {
		t.Fatal(err)
	}

	result, _, err := srv.HandleList(ctx, nil, mcpserver.ListInput{ExcludeSuperseded: true})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "1 memories listed") {
		t.Errorf("expected '1 memories listed', got: %s", text)
	}
}
