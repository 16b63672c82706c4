// Package monitor drives the frame loop: it reads frames, routes them through
// the controller pipeline, draws the operator overlay and applies keyboard,
// mouse and D-Bus commands.
package monitor

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/TheCacophonyProject/window"
	"github.com/juju/ratelimit"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/intrusion-warning/config"
	"github.com/nvr-ai/intrusion-warning/controller"
	"github.com/nvr-ai/intrusion-warning/metrics"
	"github.com/nvr-ai/intrusion-warning/profiler"
	"github.com/nvr-ai/intrusion-warning/region"
	"github.com/nvr-ai/intrusion-warning/util"
)

const (
	readRetryDelay     = 100 * time.Millisecond
	framesPerHeartbeat = 30
	pendingCommands    = 16
	pendingClicks      = 64
)

// Options holds the collaborators of a Monitor. Only Source and Pipeline are required.
type Options struct {
	Source   Source
	Pipeline *controller.Pipeline
	// Display overrides the window created when the camera config asks for one.
	Display Display
	// Schedule gates monitoring by time of day.
	Schedule *window.Window
	// Connected reports the telemetry connection; nil when telemetry is disabled.
	Connected func() bool
	Metrics   *metrics.Metrics
	Clock     ratelimit.Clock
	// Heartbeat is called every few frames, e.g. to feed the systemd watchdog.
	Heartbeat func()
}

// Status is a snapshot of the loop state, safe to read from other goroutines.
type Status struct {
	Mode           string        `json:"mode"`
	Paused         bool          `json:"paused"`
	InSchedule     bool          `json:"inSchedule"`
	Finalized      bool          `json:"regionFinalized"`
	Region         []image.Point `json:"region"`
	Count          int           `json:"peopleInArea"`
	State          int           `json:"alarm"`
	LastAlert      time.Time     `json:"lastAlert"`
	FPS            float64       `json:"fps"`
	Brightness     float64       `json:"brightness"`
	BrightnessMode string        `json:"brightnessMode"`
	Frames         uint64        `json:"frames"`
	// Timings are the per-stage durations of the loop.
	Timings []profiler.Stats `json:"timings"`
}

// Monitor owns the frame loop. Everything except Send, Click and Status must
// only be used from the goroutine running Run.
type Monitor struct {
	source    Source
	display   Display
	pipeline  *controller.Pipeline
	region    *region.Tracker
	schedule  *window.Window
	connected func() bool
	metrics   *metrics.Metrics
	clock     ratelimit.Clock
	heartbeat func()
	fps       *profiler.FPSMeter
	timings   *profiler.Timings
	mirror    bool

	paused     bool
	brightness Brightness
	frames     uint64

	commands chan Command
	clicks   chan image.Point

	mu     sync.RWMutex
	status Status
}

// New creates a monitor for the given camera configuration.
func New(conf config.CameraConfig, opts Options) *Monitor {
	clock := opts.Clock
	if clock == nil {
		clock = util.RealClock{}
	}

	m := &Monitor{
		source:     opts.Source,
		display:    opts.Display,
		pipeline:   opts.Pipeline,
		region:     opts.Pipeline.Region(),
		schedule:   opts.Schedule,
		connected:  opts.Connected,
		metrics:    opts.Metrics,
		clock:      clock,
		heartbeat:  opts.Heartbeat,
		fps:        profiler.NewFPSMeter(clock, profiler.DefaultWindow),
		timings:    profiler.NewTimings(clock),
		mirror:     conf.Mirror && opts.Source.Live(),
		brightness: DefaultBrightness(),
		commands:   make(chan Command, pendingCommands),
		clicks:     make(chan image.Point, pendingClicks),
	}
	if m.display == nil && conf.ShowWindow {
		m.display = NewWindowDisplay(conf.WindowName, m.Click)
	}
	m.publishStatus(controller.Result{}, true)
	return m
}

// Send queues a command for the next iteration. It returns false when the
// queue is full.
func (m *Monitor) Send(cmd Command) bool {
	select {
	case m.commands <- cmd:
		return true
	default:
		return false
	}
}

// Click queues a region vertex.
func (m *Monitor) Click(p image.Point) {
	select {
	case m.clicks <- p:
	default:
		log.WithField("point", p).Warn("dropping click, queue full")
	}
}

// Status returns the state published by the last iteration.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.status
	s.Region = append([]image.Point(nil), m.status.Region...)
	return s
}

// Run reads frames until ctx is cancelled, the source ends or the operator
// quits. The source and the display are closed on return.
func (m *Monitor) Run(ctx context.Context) error {
	defer func() {
		if err := m.source.Close(); err != nil {
			log.WithError(err).Warn("closing frame source")
		}
		if m.display != nil {
			if err := m.display.Close(); err != nil {
				log.WithError(err).Warn("closing window")
			}
		}
	}()

	frame := gocv.NewMat()
	defer frame.Close()
	shown := gocv.NewMat()
	defer shown.Close()

	log.Info("left click to add region points, 'd' to start detection, 'r' to reset, " +
		"'p' to pause, '+'/'-' brightness, 'm' brightness mode, 'q' to quit")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if m.drain() {
			log.Info("quit requested")
			return nil
		}

		if err := m.source.Read(&frame); err != nil {
			if errors.Cause(err) == ErrEndOfStream {
				log.Info("frame source ended")
				return nil
			}
			if m.metrics != nil {
				m.metrics.ReadErrors.Inc()
			}
			log.WithError(err).Warn("frame read failed, retrying")
			m.clock.Sleep(readRetryDelay)
			continue
		}

		if m.mirror {
			gocv.Flip(frame, &frame, 1)
		}

		if quit := m.process(&frame, &shown); quit {
			log.Info("quit requested")
			return nil
		}
	}
}

// process handles one frame and reports whether the operator asked to quit.
func (m *Monitor) process(frame, shown *gocv.Mat) bool {
	fps := m.fps.Tick()
	m.frames++

	inSchedule := m.schedule == nil || m.schedule.Active()
	enabled := !m.paused && inSchedule

	stop := m.timings.StartOperation("evaluate")
	result, err := m.pipeline.Evaluate(*frame, enabled)
	stop()
	if err != nil {
		log.WithError(err).Warn("frame evaluation failed")
		result = controller.Result{}
	}

	o := overlay{
		points:     m.region.Points(),
		result:     result,
		paused:     m.paused,
		inSchedule: inSchedule,
		fps:        fps,
		brightness: m.brightness,
	}
	if m.connected != nil {
		c := m.connected()
		o.connected = &c
	}
	stop = m.timings.StartOperation("overlay")
	drawOverlay(frame, o)
	stop()

	stop = m.timings.StartOperation("dispatch")
	m.pipeline.Dispatch(*frame, result)
	stop()
	m.publishStatus(result, inSchedule)

	if m.heartbeat != nil && m.frames%framesPerHeartbeat == 0 {
		m.heartbeat()
	}

	if m.display == nil {
		return false
	}
	stop = m.timings.StartOperation("show")
	m.brightness.Apply(*frame, shown)
	key := m.display.Show(*shown)
	stop()
	return m.apply(KeyCommand(key))
}

// drain applies queued clicks, then queued commands, and reports whether to quit.
func (m *Monitor) drain() bool {
	for pending := true; pending; {
		select {
		case p := <-m.clicks:
			m.addPoint(p)
		default:
			pending = false
		}
	}

	for {
		select {
		case cmd := <-m.commands:
			if m.apply(cmd) {
				return true
			}
		default:
			return false
		}
	}
}

func (m *Monitor) addPoint(p image.Point) {
	if err := m.region.AddPoint(p); err != nil {
		log.WithError(err).Debug("ignoring click")
		return
	}
	log.WithField("point", p).Info("point added")
}

// apply executes one command and reports whether it was a quit.
func (m *Monitor) apply(cmd Command) bool {
	switch cmd {
	case CommandNone:
	case CommandFinalize:
		if err := m.region.Finalize(); err != nil {
			log.WithError(err).Warn("cannot start detection")
			break
		}
		log.Info("detection started, monitoring for intrusions")
	case CommandReset:
		m.region.Reset()
		log.Info("region reset, define a new area")
	case CommandTogglePause:
		m.setPaused(!m.paused)
	case CommandPause:
		m.setPaused(true)
	case CommandResume:
		m.setPaused(false)
	case CommandBrighter:
		m.brightness.Increase()
		log.Infof("brightness factor: %.1f", m.brightness.Factor)
	case CommandDarker:
		m.brightness.Decrease()
		log.Infof("brightness factor: %.1f", m.brightness.Factor)
	case CommandCycleBrightness:
		m.brightness.Cycle()
		log.Infof("brightness mode: %s", m.brightness.Mode)
	case CommandQuit:
		return true
	}

	if cmd != CommandNone {
		m.mu.Lock()
		m.status.Paused = m.paused
		m.status.Finalized = m.region.IsFinalized()
		m.status.Region = m.region.Points()
		m.status.Brightness = m.brightness.Factor
		m.status.BrightnessMode = m.brightness.Mode.String()
		m.mu.Unlock()
	}
	return false
}

func (m *Monitor) setPaused(paused bool) {
	if m.paused == paused {
		return
	}
	m.paused = paused
	log.WithField("paused", paused).Info("monitoring pause toggled")
}

func (m *Monitor) publishStatus(result controller.Result, inSchedule bool) {
	machine := m.pipeline.Machine().Status()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = Status{
		Mode:           result.Decision.Mode.String(),
		Paused:         m.paused,
		InSchedule:     inSchedule,
		Finalized:      m.region.IsFinalized(),
		Region:         m.region.Points(),
		Count:          result.Count,
		State:          machine.State,
		LastAlert:      machine.LastAlert,
		FPS:            m.fps.FPS(),
		Brightness:     m.brightness.Factor,
		BrightnessMode: m.brightness.Mode.String(),
		Frames:         m.frames,
		Timings:        m.timings.All(),
	}
}
