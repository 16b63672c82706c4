// Package alert turns per-frame occupancy into side-effect decisions.
//
// A Machine owns three timers: the latched alarm state, the time of the last
// alert burst and the time of the last count publish. Step is the only place
// they change, and it is called once per frame by the loop that owns the
// Machine. Timers advance when a decision is made, whether or not the resulting
// side effects succeed later.
package alert

import (
	"time"

	"github.com/juju/ratelimit"
)

// Mode is the monitoring mode of the frame loop.
type Mode int

const (
	// Idle means no finalized region, or monitoring is paused.
	Idle Mode = iota
	// Monitoring means occupancy is evaluated every frame.
	Monitoring
)

func (m Mode) String() string {
	if m == Monitoring {
		return "monitoring"
	}
	return "idle"
}

// Config holds the timing parameters of the state machine.
type Config struct {
	// AlertCooldown is the minimum gap between two alert bursts. A burst fires
	// only when strictly more than this has elapsed.
	AlertCooldown time.Duration `yaml:"cooldown"`
	// CountPublishInterval is the minimum gap between two count publishes.
	CountPublishInterval time.Duration `yaml:"count-interval"`
}

// DefaultConfig returns a 15 s alert cooldown and a 1 s count interval.
func DefaultConfig() Config {
	return Config{
		AlertCooldown:        15 * time.Second,
		CountPublishInterval: time.Second,
	}
}

// Observation is the per-frame input to Step.
type Observation struct {
	Enabled bool
	Count   int
}

// Decision is what the frame loop must dispatch for one frame.
type Decision struct {
	Mode Mode
	At   time.Time
	// PublishState is the new alarm state (0 or 1) when it changed.
	PublishState *int
	// AlertBurst requests a snapshot, an upload and a chat notification.
	AlertBurst bool
	// PublishCount is the occupancy to publish when the interval elapsed.
	PublishCount *int
}

// Empty reports whether the decision requires no side effect.
func (d Decision) Empty() bool {
	return d.PublishState == nil && !d.AlertBurst && d.PublishCount == nil
}

// Status is a point-in-time view of the machine's timers.
type Status struct {
	State            int
	LastAlert        time.Time
	LastCountPublish time.Time
}

// Machine is the alert state machine. It is not safe for concurrent use.
type Machine struct {
	config Config
	clock  ratelimit.Clock

	state            int
	lastAlert        time.Time
	lastCountPublish time.Time
}

// New creates a Machine with the latched state at 0 and both timers unset.
func New(config Config, clock ratelimit.Clock) *Machine {
	return &Machine{config: config, clock: clock}
}

// Step evaluates one frame.
//
// Arguments:
//   - obs: Whether monitoring is enabled and how many people are inside the region.
//
// Returns:
//   - Decision: The side effects to dispatch for this frame.
func (m *Machine) Step(obs Observation) Decision {
	now := m.clock.Now()
	d := Decision{Mode: Idle, At: now}

	if !obs.Enabled {
		// Clear a raised alarm so the broker does not keep a stale state.
		if m.state != 0 {
			m.state = 0
			d.PublishState = intPtr(0)
		}
		return d
	}
	d.Mode = Monitoring

	count := obs.Count
	if count < 0 {
		count = 0
	}

	state := 0
	if count > 0 {
		state = 1
	}
	if state != m.state {
		m.state = state
		d.PublishState = intPtr(state)
	}

	if count > 0 && (m.lastAlert.IsZero() || now.Sub(m.lastAlert) > m.config.AlertCooldown) {
		m.lastAlert = now
		d.AlertBurst = true
	}

	if m.lastCountPublish.IsZero() || now.Sub(m.lastCountPublish) >= m.config.CountPublishInterval {
		m.lastCountPublish = now
		d.PublishCount = intPtr(count)
	}

	return d
}

// Status returns the current timers.
func (m *Machine) Status() Status {
	return Status{
		State:            m.state,
		LastAlert:        m.lastAlert,
		LastCountPublish: m.lastCountPublish,
	}
}

func intPtr(v int) *int {
	return &v
}
