package ingest

import (
	"strings"
	"time"
)

// timestampLayouts are tried in order. Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an upstream date string. Unparsable, empty or
// out-of-range input yields nil; it never fails. Results are in UTC.
func ParseTimestamp(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		t = t.UTC()
		if y := t.Year(); y < 1 || y > 9999 {
			return nil
		}
		return &t
	}
	return nil
}

func parseFlexTimestamp(f FlexString) *time.Time {
	if !f.Valid {
		return nil
	}
	return ParseTimestamp(f.Value)
}
