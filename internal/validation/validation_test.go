package validation

import (
	"errors"
	"testing"
	"time"
)

func TestParseDateTime_Valid(t *testing.T) {
	local := time.FixedZone("CET", 3600)
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"date only", "2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, local)},
		{"minutes T", "2024-03-01T08:30", time.Date(2024, 3, 1, 8, 30, 0, 0, local)},
		{"seconds T", "2024-03-01T08:30:15", time.Date(2024, 3, 1, 8, 30, 15, 0, local)},
		{"fraction", "2024-03-01T08:30:15.250", time.Date(2024, 3, 1, 8, 30, 15, 250000000, local)},
		{"space separator", "2024-03-01 08:30:15", time.Date(2024, 3, 1, 8, 30, 15, 0, local)},
		{"hour only", "2024-03-01T08", time.Date(2024, 3, 1, 8, 0, 0, 0, local)},
		{"utc Z", "2024-03-01T08:30:00Z", time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)},
		{"offset", "2024-03-01T08:30:00+02:00", time.Date(2024, 3, 1, 6, 30, 0, 0, time.UTC)},
		{"offset space", "2024-03-01 08:30:00-05:00", time.Date(2024, 3, 1, 13, 30, 0, 0, time.UTC)},
		{"offset no seconds", "2024-03-01T08:30+01:00", time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)},
		{"surrounding space", "  2024-03-01  ", time.Date(2024, 3, 1, 0, 0, 0, 0, local)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDateTime(tt.input, local)
			if err != nil {
				t.Fatalf("ParseDateTime(%q) error = %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseDateTime(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseDateTime_Invalid(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"yesterday",
		"2024-13-01",
		"2024-02-30",
		"01/03/2024",
		"2024-03-01T25:00",
		"1709280000",
	}
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			_, err := ParseDateTime(input, time.UTC)
			if !errors.Is(err, ErrInvalidDateTime) {
				t.Errorf("ParseDateTime(%q) error = %v, want ErrInvalidDateTime", input, err)
			}
		})
	}
}

func TestParseDateTime_NilLocationUsesLocal(t *testing.T) {
	got, err := ParseDateTime("2024-03-01T08:00", nil)
	if err != nil {
		t.Fatalf("ParseDateTime() error = %v", err)
	}
	if got.Location() != time.Local {
		t.Errorf("location = %v, want Local", got.Location())
	}
}

func TestParseHours(t *testing.T) {
	tests := []struct {
		input string
		max   int
		want  int
	}{
		{"", 168, 24},
		{"6", 168, 6},
		{" 12 ", 168, 12},
		{"abc", 168, 24},
		{"1.5", 168, 24},
		{"0", 168, 24},
		{"-3", 168, 24},
		{"500", 168, 168},
		{"500", 0, 500},
	}
	for _, tt := range tests {
		if got := ParseHours(tt.input, 24, tt.max); got != tt.want {
			t.Errorf("ParseHours(%q, 24, %d) = %d, want %d", tt.input, tt.max, got, tt.want)
		}
	}
}
