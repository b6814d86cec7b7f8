package server

import (
	"strings"
	"time"
)

// parseTimeRange reads start_at/end_at filters. Either bound may be RFC3339 or a
// bare date; a bare end date covers the whole day. Every bad bound is reported.
func parseTimeRange(startRaw, endRaw string) (*time.Time, *time.Time, error) {
	var verr ValidationErrors

	start, ok := parseBound(startRaw, false)
	if !ok {
		verr.Errors = append(verr.Errors, ValidationError{Field: "start_at", Code: "invalid_start_at", Message: "start_at must be RFC3339 or YYYY-MM-DD"})
	}
	end, ok := parseBound(endRaw, true)
	if !ok {
		verr.Errors = append(verr.Errors, ValidationError{Field: "end_at", Code: "invalid_end_at", Message: "end_at must be RFC3339 or YYYY-MM-DD"})
	}

	if len(verr.Errors) > 0 {
		return nil, nil, &verr
	}
	return start, end, nil
}

func parseBound(raw string, endOfDay bool) (*time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, true
	}
	day, err := time.ParseInLocation(time.DateOnly, raw, time.UTC)
	if err != nil {
		return nil, false
	}
	if endOfDay {
		day = day.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &day, true
}
