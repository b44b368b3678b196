package prefetch

import (
	"sync"
	"time"
)

// Direction indicates which way the user is navigating through a series.
type Direction int

const (
	// DirectionForward means increasing slice indices.
	DirectionForward Direction = 1

	// DirectionBackward means decreasing slice indices.
	DirectionBackward Direction = -1
)

// navEvent is one observed navigation step.
type navEvent struct {
	index int
	at    time.Time
}

// velocityTracker observes recent navigation events and estimates how
// fast and in which direction the user is moving. It is informational
// only: its output adjusts the prefetch window but never gates a load.
type velocityTracker struct {
	mu       sync.Mutex
	events   []navEvent
	lookback time.Duration
}

func newVelocityTracker(lookback time.Duration) *velocityTracker {
	if lookback <= 0 {
		lookback = 2 * time.Second
	}
	return &velocityTracker{lookback: lookback}
}

// record notes a navigation to the given slice index.
func (v *velocityTracker) record(index int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	v.events = append(v.events, navEvent{index: index, at: now})
	v.trim(now)
}

// trim drops events older than the lookback window. Caller holds v.mu.
func (v *velocityTracker) trim(now time.Time) {
	cutoff := now.Add(-v.lookback)
	keep := 0
	for keep < len(v.events) && v.events[keep].at.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		v.events = append(v.events[:0], v.events[keep:]...)
	}
}

// velocity returns the recent navigation rate in slices per second.
func (v *velocityTracker) velocity() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.trim(time.Now())
	if len(v.events) < 2 {
		return 0
	}

	first := v.events[0]
	last := v.events[len(v.events)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}

	distance := last.index - first.index
	if distance < 0 {
		distance = -distance
	}
	return float64(distance) / elapsed
}

// direction returns the dominant recent navigation direction, defaulting
// to forward when there is no signal.
func (v *velocityTracker) direction() Direction {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.events) < 2 {
		return DirectionForward
	}
	if v.events[len(v.events)-1].index < v.events[0].index {
		return DirectionBackward
	}
	return DirectionForward
}
