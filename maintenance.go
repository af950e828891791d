package memori

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// backfillConcurrency bounds how many Embed calls run concurrently within a
// single batch when the configured Embedder has no native batch call.
const backfillConcurrency = 4

// BackfillEmbeddings computes and stores vectors for memories that don't yet
// have one, batchSize rows at a time, until every row is embedded or an
// embedding call fails. It returns the number of memories embedded.
// Requires an Embedder; returns ErrEmbedderUnavailable otherwise.
func (s *SQLiteStore) BackfillEmbeddings(ctx context.Context, batchSize int) (int, error) {
	if s.embedder == nil {
		return 0, newErr("memori: backfill", KindEmbedderUnavailable, "", nil)
	}
	if batchSize <= 0 {
		batchSize = 50
	}

	total := 0
	for {
		ids, texts, err := s.nextUnembeddedBatch(ctx, batchSize)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}

		vectors, err := s.embedBatch(ctx, texts)
		if err != nil {
			return total, err
		}

		if err := s.storeVectors(ctx, ids, vectors); err != nil {
			return total, err
		}
		total += len(ids)
	}
}

func (s *SQLiteStore) nextUnembeddedBatch(ctx context.Context, batchSize int) (ids, texts []string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content FROM memories WHERE vector IS NULL ORDER BY created_at LIMIT ?`, batchSize,
	)
	if err != nil {
		return nil, nil, newErr("memori: backfill", KindStorage, "", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, nil, newErr("memori: backfill", KindStorage, "", err)
		}
		ids = append(ids, id)
		texts = append(texts, content)
	}
	return ids, texts, rows.Err()
}

// embedBatch prefers the Embedder's native batch call; otherwise it fans out
// bounded-concurrency individual Embed calls via errgroup.
func (s *SQLiteStore) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if be, ok := s.embedder.(BatchEmbedder); ok {
		return embedBatchWithRetry(ctx, be, texts)
	}

	vectors := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backfillConcurrency)
	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			v, err := embedWithRetry(gctx, s.embedder, text)
			if err != nil {
				return err
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (s *SQLiteStore) storeVectors(ctx context.Context, ids []string, vectors [][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr("memori: backfill", KindStorage, "", err)
	}
	defer tx.Rollback()

	if len(vectors) > 0 {
		if err := checkAndRecordDimension(ctx, tx, len(vectors[0])); err != nil {
			return err
		}
	}

	stmt, err := tx.PrepareContext(ctx, `UPDATE memories SET vector = ? WHERE id = ?`)
	if err != nil {
		return newErr("memori: backfill", KindStorage, "", err)
	}
	defer stmt.Close()

	for i, id := range ids {
		if _, err := stmt.ExecContext(ctx, EncodeFloat32s(vectors[i]), id); err != nil {
			return newErr("memori: backfill", KindStorage, id, err)
		}
	}
	return newErrOrCommit(tx, "memori: backfill", "")
}
