// Package protocol parses the text lines written by the sensor board, e.g.
//
//	Time: 12s | CO2: 512 ppm | Temp: 23.4C | Humidity: 41.2%
//
// Parsing is pure: no I/O, no clock. The receipt timestamp is attached by the caller.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/co2-monitor/internal/models"
)

const (
	delimiter = "|"
	co2Label  = "CO2:"

	minSegments = 4
)

// Segment names used in rejection diagnostics.
const (
	SegmentLine        = "line"
	SegmentCO2         = "co2"
	SegmentTemperature = "temperature"
	SegmentHumidity    = "humidity"
)

var (
	// ErrNoise is returned for lines without the delimiter or the CO2 label (banners, partial writes).
	ErrNoise = errors.New("not a measurement line")
	// ErrTooFewSegments is returned when the line splits into fewer than four segments.
	ErrTooFewSegments = errors.New("too few segments")
	// ErrBadSegment is returned when a value segment cannot be parsed.
	ErrBadSegment = errors.New("malformed segment")
)

// RejectionError describes why a line was rejected and which segment failed.
type RejectionError struct {
	Segment string
	Reason  string
	Err     error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Segment, e.Err, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// Reading is a parsed line that has not yet been stamped with a receipt time.
type Reading struct {
	CO2         int
	Temperature float64
	Humidity    float64
}

// At stamps the reading with its receipt time.
func (r Reading) At(t time.Time) models.Measurement {
	return models.Measurement{
		CO2:         r.CO2,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Timestamp:   t,
	}
}

// Parse turns one raw line into a Reading. On failure the error is a *RejectionError
// and the Reading is zero; partial results are never returned.
// Segments past the fourth are ignored.
func Parse(line string) (Reading, error) {
	if !strings.Contains(line, delimiter) || !strings.Contains(line, co2Label) {
		return Reading{}, reject(SegmentLine, ErrNoise, "missing delimiter or CO2 label")
	}
	parts := strings.Split(line, delimiter)
	if len(parts) < minSegments {
		return Reading{}, reject(SegmentLine, ErrTooFewSegments, fmt.Sprintf("got %d, want at least %d", len(parts), minSegments))
	}

	co2Token, err := valueToken(SegmentCO2, parts[1])
	if err != nil {
		return Reading{}, err
	}
	co2, err := strconv.Atoi(co2Token)
	if err != nil {
		return Reading{}, reject(SegmentCO2, ErrBadSegment, fmt.Sprintf("not an integer: %q", co2Token))
	}
	if co2 < 0 {
		return Reading{}, reject(SegmentCO2, ErrBadSegment, fmt.Sprintf("negative concentration: %d", co2))
	}

	temp, err := floatSegment(SegmentTemperature, parts[2], "C")
	if err != nil {
		return Reading{}, err
	}
	humidity, err := floatSegment(SegmentHumidity, parts[3], "%")
	if err != nil {
		return Reading{}, err
	}

	return Reading{CO2: co2, Temperature: temp, Humidity: humidity}, nil
}

// valueToken isolates the first whitespace-delimited token after the segment's label.
func valueToken(segment, part string) (string, error) {
	fields := strings.Split(strings.TrimSpace(part), ":")
	if len(fields) < 2 {
		return "", reject(segment, ErrBadSegment, "missing label separator")
	}
	tokens := strings.Fields(fields[1])
	if len(tokens) == 0 {
		return "", reject(segment, ErrBadSegment, "missing value")
	}
	return tokens[0], nil
}

func floatSegment(segment, part, unit string) (float64, error) {
	token, err := valueToken(segment, part)
	if err != nil {
		return 0, err
	}
	token = strings.ReplaceAll(token, unit, "")
	v, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, reject(segment, ErrBadSegment, fmt.Sprintf("not a number: %q", token))
	}
	// NaN and Inf parse but cannot be stored or encoded as JSON.
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, reject(segment, ErrBadSegment, fmt.Sprintf("not finite: %q", token))
	}
	return v, nil
}

func reject(segment string, err error, reason string) *RejectionError {
	return &RejectionError{Segment: segment, Reason: reason, Err: err}
}
