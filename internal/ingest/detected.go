package ingest

import (
	"sync"
	"time"
)

// DetectedSet remembers symbol@venue keys already reported. The whole set is
// cleared once resetEvery has elapsed since the last clear.
type DetectedSet struct {
	mu         sync.Mutex
	keys       map[string]time.Time
	resetEvery time.Duration
	lastReset  time.Time
	now        func() time.Time
}

// NewDetectedSet builds an empty set. resetEvery <= 0 defaults to 24h.
func NewDetectedSet(resetEvery time.Duration) *DetectedSet {
	if resetEvery <= 0 {
		resetEvery = 24 * time.Hour
	}
	return &DetectedSet{
		keys:       make(map[string]time.Time),
		resetEvery: resetEvery,
		lastReset:  time.Now(),
		now:        time.Now,
	}
}

// Mark records key and reports whether it was new.
func (d *DetectedSet) Mark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	if _, ok := d.keys[key]; ok {
		return false
	}
	d.keys[key] = d.now()
	return true
}

// Seen reports whether key is in the current window.
func (d *DetectedSet) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	_, ok := d.keys[key]
	return ok
}

// Len returns the number of remembered keys.
func (d *DetectedSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return len(d.keys)
}

func (d *DetectedSet) maybeReset() {
	now := d.now()
	if now.Sub(d.lastReset) < d.resetEvery {
		return
	}
	d.keys = make(map[string]time.Time)
	d.lastReset = now
}
