// Package profiler measures frame rate and per-operation timings for the frame loop.
package profiler

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

// DefaultWindow is the number of frames after which the FPS meter restarts.
const DefaultWindow = 100

// FPSMeter computes frames per second over a window of frames that restarts
// every Window frames, so the figure follows recent throughput.
type FPSMeter struct {
	clock  ratelimit.Clock
	window int
	start  time.Time
	last   time.Time
	frames int
	fps    float64
}

// NewFPSMeter creates a meter. A window of 0 selects DefaultWindow.
//
// Arguments:
// - clock: Time source, usually util.RealClock
// - window: Number of frames per measurement window
//
// Returns:
// - A started FPSMeter
func NewFPSMeter(clock ratelimit.Clock, window int) *FPSMeter {
	if window <= 0 {
		window = DefaultWindow
	}
	now := clock.Now()
	return &FPSMeter{clock: clock, window: window, start: now, last: now}
}

// Tick records one frame and returns the current rate.
func (m *FPSMeter) Tick() float64 {
	m.frames++
	m.last = m.clock.Now()

	if elapsed := m.last.Sub(m.start).Seconds(); elapsed > 0 {
		m.fps = float64(m.frames) / elapsed
	}

	if m.frames%m.window == 0 {
		m.start = m.last
		m.frames = 0
	}
	return m.fps
}

// FPS returns the rate computed by the last Tick.
func (m *FPSMeter) FPS() float64 {
	return m.fps
}

// TimeTracker tracks timing statistics for one operation.
type TimeTracker struct {
	name      string
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// Stats is a snapshot of a TimeTracker.
type Stats struct {
	Name    string        `json:"name"`
	Count   int64         `json:"count"`
	Average time.Duration `json:"average"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
}

// Timings keeps one TimeTracker per operation name. It is safe for concurrent use.
type Timings struct {
	clock ratelimit.Clock
	mu    sync.Mutex
	ops   map[string]*TimeTracker
}

// NewTimings creates an empty set of trackers.
func NewTimings(clock ratelimit.Clock) *Timings {
	return &Timings{clock: clock, ops: make(map[string]*TimeTracker)}
}

// StartOperation starts timing an operation and returns the function that stops it.
//
// @example
//
//	stop := timings.StartOperation("inference")
//	defer stop()
func (t *Timings) StartOperation(name string) func() {
	start := t.clock.Now()
	return func() {
		t.Record(name, t.clock.Now().Sub(start))
	}
}

// Record adds one duration sample for name.
func (t *Timings) Record(name string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracker, ok := t.ops[name]
	if !ok {
		tracker = &TimeTracker{name: name, minTime: d, maxTime: d}
		t.ops[name] = tracker
	}
	tracker.count++
	tracker.totalTime += d
	if d < tracker.minTime {
		tracker.minTime = d
	}
	if d > tracker.maxTime {
		tracker.maxTime = d
	}
}

// Stats returns the statistics for name, and false when nothing was recorded.
func (t *Timings) Stats(name string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracker, ok := t.ops[name]
	if !ok || tracker.count == 0 {
		return Stats{}, false
	}
	return tracker.stats(), true
}

// All returns the statistics of every recorded operation, sorted by name.
func (t *Timings) All() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Stats, 0, len(t.ops))
	for _, tracker := range t.ops {
		if tracker.count > 0 {
			out = append(out, tracker.stats())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (tt *TimeTracker) stats() Stats {
	return Stats{
		Name:    tt.name,
		Count:   tt.count,
		Average: tt.totalTime / time.Duration(tt.count),
		Min:     tt.minTime,
		Max:     tt.maxTime,
	}
}

// Reset forgets every recorded sample.
func (t *Timings) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = make(map[string]*TimeTracker)
}
