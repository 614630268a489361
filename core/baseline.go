package core

import (
	"sync"
	"time"
)

// BehavioralBaseline is the rolling expected-value estimate for one
// category. Baselines are replaced wholesale by periodic re-estimation;
// readers always see a complete, consistent value.
type BehavioralBaseline struct {
	Category        Category  `json:"category"`
	AvgFailures     float64   `json:"avg_failures"`
	AvgFailureRatio float64   `json:"avg_failure_ratio"`
	AvgUnauthorized float64   `json:"avg_unauthorized"`
	AvgVolume       float64   `json:"avg_volume"`
	SampleCount     int       `json:"sample_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BaselineSet holds the current baseline per category behind a lock so
// re-estimation never mutates a baseline mid-comparison. Get returns a
// copy; Replace swaps a category's baseline atomically.
type BaselineSet struct {
	mu        sync.RWMutex
	baselines map[Category]BehavioralBaseline
}

// NewBaselineSet creates a BaselineSet seeded with initial values.
func NewBaselineSet(initial []BehavioralBaseline) *BaselineSet {
	bs := &BaselineSet{baselines: make(map[Category]BehavioralBaseline, len(initial))}
	for _, b := range initial {
		bs.baselines[b.Category] = b
	}
	return bs
}

// Get returns a copy of the baseline for the category and whether one
// exists.
func (bs *BaselineSet) Get(category Category) (BehavioralBaseline, bool) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	b, ok := bs.baselines[category]
	return b, ok
}

// Replace installs a new baseline for its category.
func (bs *BaselineSet) Replace(b BehavioralBaseline) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.baselines[b.Category] = b
}

// Snapshot returns a copy of all current baselines.
func (bs *BaselineSet) Snapshot() []BehavioralBaseline {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	out := make([]BehavioralBaseline, 0, len(bs.baselines))
	for _, b := range bs.baselines {
		out = append(out, b)
	}
	return out
}

// Categories returns the categories that currently have a baseline.
func (bs *BaselineSet) Categories() []Category {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	out := make([]Category, 0, len(bs.baselines))
	for c := range bs.baselines {
		out = append(out, c)
	}
	return out
}
