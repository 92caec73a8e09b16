// Package availability computes free appointment slots from a working window
// and a set of busy periods. Every function is pure and never fails: invalid
// input degrades to an empty result.
package availability

import (
	"sort"
	"time"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewInterval returns the interval and true when end is after start.
func NewInterval(start, end time.Time) (Interval, bool) {
	if !end.After(start) {
		return Interval{}, false
	}
	return Interval{Start: start, End: end}, true
}

func (iv Interval) Valid() bool { return iv.End.After(iv.Start) }

func (iv Interval) Duration() time.Duration { return iv.End.Sub(iv.Start) }

// ClampInterval restricts iv to bounds. The second result is false when the
// intersection is empty.
func ClampInterval(iv, bounds Interval) (Interval, bool) {
	start := iv.Start
	if bounds.Start.After(start) {
		start = bounds.Start
	}
	end := iv.End
	if bounds.End.Before(end) {
		end = bounds.End
	}
	return NewInterval(start, end)
}

// MergeIntervals sorts by start and folds overlapping or touching intervals.
// The input slice is not modified.
func MergeIntervals(intervals []Interval) []Interval {
	sorted := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.Valid() {
			sorted = append(sorted, iv)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// SubtractBusyFromWorking returns the parts of working not covered by busy,
// in ascending order.
func SubtractBusyFromWorking(working Interval, busy []Interval) []Interval {
	if !working.Valid() {
		return nil
	}

	clamped := make([]Interval, 0, len(busy))
	for _, b := range busy {
		if c, ok := ClampInterval(b, working); ok {
			clamped = append(clamped, c)
		}
	}

	var free []Interval
	cursor := working.Start
	for _, b := range MergeIntervals(clamped) {
		if gap, ok := NewInterval(cursor, b.Start); ok {
			free = append(free, gap)
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if tail, ok := NewInterval(cursor, working.End); ok {
		free = append(free, tail)
	}
	return free
}

// GenerateSlots keeps the free windows that can hold durationMinutes. A
// window is offered whole; callers that need fixed start times subdivide it.
func GenerateSlots(free []Interval, durationMinutes int) []Interval {
	if durationMinutes <= 0 {
		return nil
	}
	need := time.Duration(durationMinutes) * time.Minute

	var slots []Interval
	for _, window := range free {
		if window.Valid() && window.Duration() >= need {
			slots = append(slots, window)
		}
	}
	return slots
}

// FindAvailability is SubtractBusyFromWorking followed by GenerateSlots.
func FindAvailability(working Interval, busy []Interval, durationMinutes int) []Interval {
	return GenerateSlots(SubtractBusyFromWorking(working, busy), durationMinutes)
}
