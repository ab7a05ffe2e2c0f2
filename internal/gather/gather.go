// Package gather defines the long-running data gathering jobs that fill the
// local bar cache.
package gather

import (
	"context"
	"time"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one gathering pass and returns when it is done or ctx is
	// cancelled.
	Run(ctx context.Context) error
}

// DateRange represents an inclusive range of trade dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the range contains no days.
func (r DateRange) Empty() bool {
	return r.End.Before(r.Start)
}

// After returns the part of r strictly after t.
func (r DateRange) After(t time.Time) DateRange {
	next := t.AddDate(0, 0, 1)
	if next.After(r.Start) {
		r.Start = next
	}
	return r
}
