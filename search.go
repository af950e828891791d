package memori

import (
	"context"
	"math"
	"sort"
	"strings"
)

// kRRF is the reciprocal-rank-fusion smoothing constant: each source
// contributes 1/(kRRF + rank) to a candidate's fused score.
const kRRF = 60

// candidateMultiplier controls how many candidates each sub-search fetches
// relative to the requested limit, so RRF has enough of the tail to fuse
// before truncating to Limit.
const candidateMultiplier = 4

// minCandidates is the floor on sub-search candidate count regardless of how
// small Limit is, so small-limit queries still get a representative fusion.
const minCandidates = 50

func candidateCount(limit int) int {
	k := limit * candidateMultiplier
	if k < minCandidates {
		k = minCandidates
	}
	return k
}

// Search performs vector, text, or fused hybrid search depending on what
// SearchOpts supplies. An empty query (no vector, no text, and no embedder
// able to derive one) falls back to a recency listing with a nil Score.
func (s *SQLiteStore) Search(ctx context.Context, opts SearchOpts) ([]SearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	vec := opts.Vector
	if vec == nil && opts.Text != "" && !opts.TextOnly && s.embedder != nil {
		v, err := embedWithRetry(ctx, s.embedder, opts.Text)
		if err != nil {
			return nil, err
		}
		vec = v
	}
	if opts.TextOnly {
		vec = nil
	}

	k := candidateCount(opts.Limit)

	var textRanked []rankedMemory
	var err error
	if opts.Text != "" {
		textRanked, err = s.searchText(ctx, opts.Text, k, opts)
		if err != nil {
			return nil, err
		}
	}

	var vecRanked []rankedMemory
	if len(vec) > 0 {
		vecRanked, err = s.searchVector(ctx, vec, k, opts)
		if err != nil {
			return nil, err
		}
	}

	var results []SearchResult
	switch {
	case len(vecRanked) > 0 && len(textRanked) > 0:
		results = fuseResults(vecRanked, textRanked, opts.Limit)
	case len(vecRanked) > 0:
		results = make([]SearchResult, 0, len(vecRanked))
		for _, r := range vecRanked {
			score := r.score
			results = append(results, SearchResult{Memory: r.memory, Score: &score})
		}
		results = truncate(results, opts.Limit)
	case len(textRanked) > 0:
		results = make([]SearchResult, 0, len(textRanked))
		for _, r := range textRanked {
			score := r.score
			results = append(results, SearchResult{Memory: r.memory, Score: &score})
		}
		results = truncate(results, opts.Limit)
	case opts.Text != "" || len(vec) > 0:
		// A query was given but neither sub-search matched anything.
	default:
		recent, err := s.List(ctx, QueryOpts{
			TypeFilter:        opts.TypeFilter,
			MetadataFilters:   opts.Filter,
			CreatedAfter:      opts.After,
			CreatedBefore:     opts.Before,
			Sort:              SortCreated,
			Limit:             opts.Limit,
			ExcludeSuperseded: opts.ExcludeSuperseded,
		})
		if err != nil {
			return nil, err
		}
		results = make([]SearchResult, len(recent))
		for i, m := range recent {
			results[i] = SearchResult{Memory: m}
		}
	}

	if !opts.IncludeVectors {
		for i := range results {
			results[i].Memory.Vector = nil
		}
	}
	return results, nil
}

func truncate(results []SearchResult, limit int) []SearchResult {
	if limit > 0 && len(results) > limit {
		return results[:limit]
	}
	return results
}

// rankedMemory is a single sub-search hit: its 1-based rank within that
// sub-search (best = 1) and a source-native score (cosine similarity or a
// BM25-derived value).
type rankedMemory struct {
	memory Memory
	rank   int
	score  float64
}

// quoteFTSQuery makes a raw string safe for use in an FTS5 MATCH expression.
// Each word is individually double-quoted (internal quotes escaped) so FTS5
// treats them as literal terms joined by implicit AND, without interpreting
// column prefixes or boolean operators.
func quoteFTSQuery(raw string) string {
	words := strings.Fields(raw)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		escaped := strings.ReplaceAll(w, `"`, `""`)
		quoted = append(quoted, `"`+escaped+`"`)
	}
	return strings.Join(quoted, " ")
}

// searchText performs a BM25-ranked FTS5 search over content, returning up
// to k hits ordered best-first. The reported score is 1/(1+rank) so higher
// is always better, matching vector search's convention.
func (s *SQLiteStore) searchText(ctx context.Context, text string, k int, opts SearchOpts) ([]rankedMemory, error) {
	query := quoteFTSQuery(text)
	if query == "" {
		return nil, nil
	}

	q := `SELECT m.` + strings.ReplaceAll(memoryColumns, ", ", ", m.") + `
	      FROM memories_fts fts
	      JOIN memories m ON m.rowid = fts.rowid
	      WHERE memories_fts MATCH ?`
	args := []any{query}

	appendTypeFilter(&q, &args, "m.", opts.TypeFilter)
	if err := appendMetadataFilters(&q, &args, "m.", opts.Filter); err != nil {
		return nil, err
	}
	appendTemporalFilters(&q, &args, "m.", opts.After, opts.Before)
	appendExcludeSuperseded(&q, "m.", opts.ExcludeSuperseded)

	q += ` ORDER BY fts.rank LIMIT ?`
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, newErr("memori: text search", KindStorage, "", err)
	}
	defer rows.Close()

	var out []rankedMemory
	rank := 0
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, newErr("memori: text search", KindStorage, "", err)
		}
		rank++
		out = append(out, rankedMemory{memory: *m, rank: rank, score: 1 / float64(1+rank)})
	}
	return out, rows.Err()
}

// searchVector performs an exact linear-scan cosine similarity search,
// returning up to k hits ordered best-first. Exact (not approximate) search
// keeps ranking deterministic and reproducible for RRF fusion.
func (s *SQLiteStore) searchVector(ctx context.Context, queryVec []float32, k int, opts SearchOpts) ([]rankedMemory, error) {
	q := `SELECT ` + memoryColumns + ` FROM memories WHERE vector IS NOT NULL`
	var args []any

	appendTypeFilter(&q, &args, "", opts.TypeFilter)
	if err := appendMetadataFilters(&q, &args, "", opts.Filter); err != nil {
		return nil, err
	}
	appendTemporalFilters(&q, &args, "", opts.After, opts.Before)
	appendExcludeSuperseded(&q, "", opts.ExcludeSuperseded)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, newErr("memori: vector search", KindStorage, "", err)
	}
	defer rows.Close()

	var candidates []rankedMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, newErr("memori: vector search", KindStorage, "", err)
		}
		if len(m.Vector) == 0 {
			continue
		}
		sim := CosineSimilarity(queryVec, m.Vector)
		candidates = append(candidates, rankedMemory{memory: *m, score: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, newErr("memori: vector search", KindStorage, "", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].memory.ID < candidates[j].memory.ID
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	for i := range candidates {
		candidates[i].rank = i + 1
	}
	return candidates, nil
}

// fuseResults combines a vector ranking and a text ranking via reciprocal
// rank fusion: score = sum of 1/(kRRF + rank) over every source a candidate
// appears in. Ties are broken deterministically: fused score descending,
// then vector rank ascending (absent = last), then text rank ascending
// (absent = last), then id ascending.
func fuseResults(vecRanked, textRanked []rankedMemory, limit int) []SearchResult {
	type fused struct {
		memory   Memory
		sum      float64
		vecRank  int // 0 means absent from the vector ranking
		textRank int // 0 means absent from the text ranking
	}

	byID := make(map[string]*fused)
	order := make([]string, 0, len(vecRanked)+len(textRanked))

	for _, r := range vecRanked {
		f := &fused{memory: r.memory, vecRank: r.rank}
		f.sum += 1 / float64(kRRF+r.rank)
		byID[r.memory.ID] = f
		order = append(order, r.memory.ID)
	}
	for _, r := range textRanked {
		if f, ok := byID[r.memory.ID]; ok {
			f.textRank = r.rank
			f.sum += 1 / float64(kRRF+r.rank)
		} else {
			f := &fused{memory: r.memory, textRank: r.rank}
			f.sum += 1 / float64(kRRF+r.rank)
			byID[r.memory.ID] = f
			order = append(order, r.memory.ID)
		}
	}

	merged := make([]*fused, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.sum != b.sum {
			return a.sum > b.sum
		}
		av, bv := rankOrLast(a.vecRank), rankOrLast(b.vecRank)
		if av != bv {
			return av < bv
		}
		at, bt := rankOrLast(a.textRank), rankOrLast(b.textRank)
		if at != bt {
			return at < bt
		}
		return a.memory.ID < b.memory.ID
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}

	results := make([]SearchResult, len(merged))
	for i, f := range merged {
		score := f.sum
		results[i] = SearchResult{Memory: f.memory, Score: &score}
	}
	return results
}

// rankOrLast maps an absent rank (0) to a sentinel larger than any real rank
// so absent-from-this-source always sorts after present-in-this-source.
func rankOrLast(rank int) int {
	if rank == 0 {
		return math.MaxInt
	}
	return rank
}

// List returns memories matching the given filters, ordered by Sort
// descending (NULLs last) with id ascending as the tie-break.
func (s *SQLiteStore) List(ctx context.Context, opts QueryOpts) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col := sortColumn(opts.Sort)

	q := `SELECT ` + memoryColumns + ` FROM memories WHERE 1=1`
	var args []any

	appendTypeFilter(&q, &args, "", opts.TypeFilter)
	if err := appendMetadataFilters(&q, &args, "", opts.MetadataFilters); err != nil {
		return nil, err
	}
	appendTemporalFilters(&q, &args, "", opts.CreatedAfter, opts.CreatedBefore)
	appendExcludeSuperseded(&q, "", opts.ExcludeSuperseded)

	q += ` ORDER BY ` + col + ` IS NULL, ` + col + ` DESC, id ASC`

	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			q += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, newErr("memori: list", KindStorage, "", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

func sortColumn(key SortKey) string {
	switch key {
	case SortUpdated:
		return "updated_at"
	case SortAccessed:
		return "last_accessed"
	case SortCount:
		return "access_count"
	default:
		return "created_at"
	}
}

// Related returns memories most similar to idOrPrefix's stored vector, via
// exact cosine similarity, excluding the memory itself. Returns
// ErrNoEmbedding if idOrPrefix has no stored vector.
func (s *SQLiteStore) Related(ctx context.Context, idOrPrefix string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}

	m, err := s.GetReadonly(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	if len(m.Vector) == 0 {
		return nil, newErr("memori: related", KindNoEmbedding, m.ID, nil)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE vector IS NOT NULL AND id != ?`, m.ID)
	if err != nil {
		return nil, newErr("memori: related", KindStorage, m.ID, err)
	}
	defer rows.Close()

	type scored struct {
		memory Memory
		sim    float64
	}
	var candidates []scored
	for rows.Next() {
		cand, err := scanMemory(rows)
		if err != nil {
			return nil, newErr("memori: related", KindStorage, m.ID, err)
		}
		candidates = append(candidates, scored{memory: *cand, sim: CosineSimilarity(m.Vector, cand.Vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, newErr("memori: related", KindStorage, m.ID, err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		return candidates[i].memory.ID < candidates[j].memory.ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]SearchResult, len(candidates))
	for i, c := range candidates {
		sim := c.sim
		results[i] = SearchResult{Memory: c.memory, Score: &sim}
	}
	return results, nil
}
