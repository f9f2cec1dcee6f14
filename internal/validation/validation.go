package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDateTime is returned when a range bound is not an ISO 8601 date-time.
var ErrInvalidDateTime = errors.New("invalid date format")

// offsetLayouts carry their own zone; naiveLayouts are interpreted in the caller's location.
var (
	offsetLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04Z07:00",
	}
	naiveLayouts = []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04",
		"2006-01-02T15",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04",
		"2006-01-02 15",
		"2006-01-02",
	}
)

// ParseDateTime parses an ISO 8601 date-time: a date, optionally followed by 'T'
// or a space and a time of hours, minutes, seconds and fraction, optionally with a
// zone offset or 'Z'. Values without an offset are interpreted in loc.
func ParseDateTime(input string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty value", ErrInvalidDateTime)
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, input)
}

// ParseHours returns the history window in hours. Missing, unparsable or
// non-positive input yields def; values above max are clamped (max <= 0 disables the clamp).
func ParseHours(input string, def, max int) int {
	h, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil || h <= 0 {
		h = def
	}
	if max > 0 && h > max {
		h = max
	}
	return h
}
