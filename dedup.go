package memori

import (
	"context"
	"database/sql"
	"encoding/json"
)

// DefaultDedupThreshold is the cosine similarity at or above which Insert merges
// into an existing memory of the same metadata.type instead of creating a
// new row.
const DefaultDedupThreshold = 0.92

// dedupCandidate is an existing row considered for merge.
type dedupCandidate struct {
	id     string
	vector []float32
}

// findDedupTarget scans memories sharing typ for the nearest neighbor to vec
// by cosine similarity. It returns ok=false, not an error, whenever typ is
// empty or vec is nil, per the no-op-by-construction contract: deduplication
// only ever applies when both a type and a vector are available.
func findDedupTarget(ctx context.Context, tx *sql.Tx, typ string, vec []float32, threshold float64) (id string, ok bool, err error) {
	if typ == "" || len(vec) == 0 {
		return "", false, nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, vector FROM memories WHERE json_extract(metadata, '$.type') = ? AND vector IS NOT NULL`,
		typ,
	)
	if err != nil {
		return "", false, newErr("memori: dedup scan", KindStorage, "", err)
	}
	defer rows.Close()

	var best dedupCandidate
	bestSim := -1.0
	for rows.Next() {
		var candID string
		var blob []byte
		if err := rows.Scan(&candID, &blob); err != nil {
			return "", false, newErr("memori: dedup scan", KindStorage, "", err)
		}
		candVec := DecodeFloat32s(blob)
		sim := CosineSimilarity(vec, candVec)
		if sim > bestSim {
			bestSim = sim
			best = dedupCandidate{id: candID, vector: candVec}
		}
	}
	if err := rows.Err(); err != nil {
		return "", false, newErr("memori: dedup scan", KindStorage, "", err)
	}

	if bestSim >= threshold {
		return best.id, true, nil
	}
	return "", false, nil
}

// metadataType extracts the "type" key from a raw metadata JSON object.
// Returns "" if metadata is nil, not an object, or has no type key.
func metadataType(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var m struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(metadata, &m); err != nil {
		return ""
	}
	return m.Type
}
