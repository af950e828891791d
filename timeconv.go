package memori

import "time"

// toEpochSeconds converts a time.Time to Unix epoch seconds with fractional
// precision, the wire/storage representation spec'd for created_at,
// updated_at, and last_accessed.
func toEpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// fromEpochSeconds is the inverse of toEpochSeconds.
func fromEpochSeconds(secs float64) time.Time {
	return time.Unix(0, int64(secs*1e9)).UTC()
}

func epochPtr(t *time.Time) *float64 {
	if t == nil {
		return nil
	}
	v := toEpochSeconds(*t)
	return &v
}

func timePtr(secs *float64) *time.Time {
	if secs == nil {
		return nil
	}
	t := fromEpochSeconds(*secs)
	return &t
}
