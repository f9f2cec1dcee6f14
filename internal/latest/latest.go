// Package latest holds the most recently accepted measurement.
package latest

import (
	"sync/atomic"

	"github.com/kjstillabower/co2-monitor/internal/models"
)

// Cache is a single-slot holder of the most recent measurement. Set swaps in a
// fresh copy atomically, so readers never observe a mix of old and new fields.
// Safe for one writer and any number of concurrent readers.
type Cache struct {
	current atomic.Pointer[models.Measurement]
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{}
}

// Set replaces the held measurement.
func (c *Cache) Set(m models.Measurement) {
	c.current.Store(&m)
}

// Get returns the held measurement, or ok=false before the first Set.
func (c *Cache) Get() (m models.Measurement, ok bool) {
	p := c.current.Load()
	if p == nil {
		return models.Measurement{}, false
	}
	return *p, true
}
