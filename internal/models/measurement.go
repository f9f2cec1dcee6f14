package models

import "time"

// Measurement is one validated reading. Timestamp is the moment of local receipt.
type Measurement struct {
	CO2         int       `json:"co2"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Timestamp   time.Time `json:"timestamp"`
}

// LatestReading is the wire shape of the latest-reading endpoint. Timestamp is nil
// before the first accepted reading.
type LatestReading struct {
	CO2         int        `json:"co2"`
	Temperature float64    `json:"temperature"`
	Humidity    float64    `json:"humidity"`
	Timestamp   *time.Time `json:"timestamp"`
}

// NewLatestReading converts an optional measurement to its wire shape.
func NewLatestReading(m Measurement, ok bool) LatestReading {
	if !ok {
		return LatestReading{}
	}
	ts := m.Timestamp
	return LatestReading{
		CO2:         m.CO2,
		Temperature: m.Temperature,
		Humidity:    m.Humidity,
		Timestamp:   &ts,
	}
}
