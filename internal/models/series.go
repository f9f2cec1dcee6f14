package models

import "time"

// Series holds measurements as parallel arrays in ascending time order.
type Series struct {
	Timestamps  []time.Time `json:"timestamps"`
	CO2         []int       `json:"co2"`
	Temperature []float64   `json:"temperature"`
	Humidity    []float64   `json:"humidity"`
}

// NewSeries builds a Series from measurements already sorted by timestamp.
// The arrays are never nil so an empty range encodes as [] rather than null.
func NewSeries(ms []Measurement) Series {
	s := Series{
		Timestamps:  make([]time.Time, 0, len(ms)),
		CO2:         make([]int, 0, len(ms)),
		Temperature: make([]float64, 0, len(ms)),
		Humidity:    make([]float64, 0, len(ms)),
	}
	for _, m := range ms {
		s.Timestamps = append(s.Timestamps, m.Timestamp)
		s.CO2 = append(s.CO2, m.CO2)
		s.Temperature = append(s.Temperature, m.Temperature)
		s.Humidity = append(s.Humidity, m.Humidity)
	}
	return s
}

// Len returns the number of points in the series.
func (s Series) Len() int {
	return len(s.Timestamps)
}
