package ingest

import (
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want *time.Time
	}{
		{"2024-01-01T00:00:00Z", ptrTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))},
		{"2024-01-01T00:00:00.123Z", ptrTime(time.Date(2024, 1, 1, 0, 0, 0, 123000000, time.UTC))},
		{"2024-01-01T02:00:00+02:00", ptrTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))},
		{"2024-06-30T08:15:00", ptrTime(time.Date(2024, 6, 30, 8, 15, 0, 0, time.UTC))},
		{"2024-06-30", ptrTime(time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC))},
		{"  2024-06-30  ", ptrTime(time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC))},
		{"", nil},
		{"not a date", nil},
		{"2024-13-45", nil},
		{"0000-01-01T00:00:00Z", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseTimestamp(tt.in)
			switch {
			case tt.want == nil && got != nil:
				t.Fatalf("expected nil, got %s", got)
			case tt.want != nil && got == nil:
				t.Fatalf("expected %s, got nil", tt.want)
			case tt.want != nil && (!got.Equal(*tt.want) || got.Location() != time.UTC):
				t.Fatalf("expected %s in UTC, got %s", tt.want, got)
			}
		})
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
