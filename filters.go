package memori

import (
	"fmt"
	"time"
)

// validMetadataOps is the set of allowed comparison operators for metadata filters.
var validMetadataOps = map[string]bool{
	"=": true, "!=": true,
	"<": true, "<=": true,
	">": true, ">=": true,
}

// validMetadataKey checks that a metadata key contains only safe characters
// (alphanumeric and underscores) to prevent SQL injection via json path.
func validMetadataKey(key string) bool {
	if key == "" {
		return false
	}
	for _, c := range key {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// appendMetadataFilters adds json_extract-based WHERE clauses and args for
// each MetadataFilter. alias is the table alias (e.g. "m." or "") prepended
// to the column reference.
func appendMetadataFilters(q *string, args *[]any, alias string, filters []MetadataFilter) error {
	for _, mf := range filters {
		if !validMetadataKey(mf.Key) {
			return newErr("memori: filter", KindInvalidInput, "", fmt.Errorf("invalid metadata filter key: %q", mf.Key))
		}
		if !validMetadataOps[mf.Op] {
			return newErr("memori: filter", KindInvalidInput, "", fmt.Errorf("invalid metadata filter operator: %q", mf.Op))
		}
		extract := fmt.Sprintf("json_extract(%smetadata, '$.%s')", alias, mf.Key)
		if mf.IncludeNull {
			*q += fmt.Sprintf(` AND (%s IS NULL OR %s %s ?)`, extract, extract, mf.Op)
		} else {
			*q += fmt.Sprintf(` AND %s %s ?`, extract, mf.Op)
		}
		*args = append(*args, mf.Value)
	}
	return nil
}

// appendTypeFilter adds an equality filter on metadata.type when typ is non-empty.
func appendTypeFilter(q *string, args *[]any, alias, typ string) {
	if typ == "" {
		return
	}
	*q += fmt.Sprintf(` AND json_extract(%smetadata, '$.type') = ?`, alias)
	*args = append(*args, typ)
}

// appendExcludeSuperseded adds a condition excluding memories that carry a
// metadata.superseded_by marker, when exclude is true.
func appendExcludeSuperseded(q *string, alias string, exclude bool) {
	if !exclude {
		return
	}
	*q += fmt.Sprintf(` AND json_extract(%smetadata, '$.superseded_by') IS NULL`, alias)
}

// appendTemporalFilters adds created_at range conditions, in epoch seconds.
func appendTemporalFilters(q *string, args *[]any, alias string, after, before *time.Time) {
	if after != nil {
		*q += fmt.Sprintf(` AND %screated_at >= ?`, alias)
		*args = append(*args, toEpochSeconds(*after))
	}
	if before != nil {
		*q += fmt.Sprintf(` AND %screated_at <= ?`, alias)
		*args = append(*args, toEpochSeconds(*before))
	}
}
