// Package controller routes each frame through detection, region testing and
// the alert state machine, then turns the resulting decision into dispatch jobs.
package controller

import (
	"context"
	"image"
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/intrusion-warning/alert"
	"github.com/nvr-ai/intrusion-warning/detector"
	"github.com/nvr-ai/intrusion-warning/dispatch"
	"github.com/nvr-ai/intrusion-warning/metrics"
	"github.com/nvr-ai/intrusion-warning/region"
	"github.com/nvr-ai/intrusion-warning/snapshot"
	"github.com/nvr-ai/intrusion-warning/storage"
)

// Detector finds people in a frame.
type Detector interface {
	Detect(frame gocv.Mat, confidenceThreshold, nmsThreshold float32) ([]detector.Detection, error)
}

// Publisher sends alarm state and occupancy to the broker.
type Publisher interface {
	PublishState(ctx context.Context, state int) error
	PublishCount(ctx context.Context, count int) error
}

// Uploader stores a snapshot remotely.
type Uploader interface {
	Upload(ctx context.Context, capturedAt time.Time, r io.Reader) (*storage.Object, error)
}

// Notifier sends a snapshot to the chat.
type Notifier interface {
	SendPhoto(ctx context.Context, name string, jpeg []byte) error
}

// SnapshotWriter encodes and stores a snapshot locally.
type SnapshotWriter interface {
	Save(at time.Time, img image.Image) (*snapshot.Snapshot, error)
}

// Submitter accepts jobs without blocking.
type Submitter interface {
	Submit(job dispatch.Job) bool
}

// Thresholds are the detector thresholds applied to every frame.
type Thresholds struct {
	Confidence float32
	NMS        float32
}

// Sinks are the side-effect targets. Any of them may be nil, in which case the
// matching job is not created.
type Sinks struct {
	Publisher Publisher
	Uploader  Uploader
	Notifier  Notifier
	Snapshots SnapshotWriter
}

// Result is the outcome of evaluating one frame.
type Result struct {
	Detections []detector.Detection
	// Inside holds, per detection, whether its centroid is inside the region.
	Inside   []bool
	Count    int
	Decision alert.Decision
}

// Pipeline evaluates frames and dispatches decisions. It is owned by the frame loop.
type Pipeline struct {
	detector   Detector
	region     *region.Tracker
	machine    *alert.Machine
	thresholds Thresholds
	sinks      Sinks
	submitter  Submitter
	metrics    *metrics.Metrics
}

// NewPipeline wires a pipeline. m may be nil.
func NewPipeline(d Detector, r *region.Tracker, machine *alert.Machine, thresholds Thresholds, sinks Sinks, submitter Submitter, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		detector:   d,
		region:     r,
		machine:    machine,
		thresholds: thresholds,
		sinks:      sinks,
		submitter:  submitter,
		metrics:    m,
	}
}

// Region returns the tracker the pipeline tests against.
func (p *Pipeline) Region() *region.Tracker {
	return p.region
}

// Machine returns the alert state machine.
func (p *Pipeline) Machine() *alert.Machine {
	return p.machine
}

// Evaluate runs detection when monitoring is enabled and the region is
// finalized, counts the people inside the region and steps the alert machine.
//
// A detector error is returned without stepping the machine, so a failed
// frame leaves every timer untouched.
func (p *Pipeline) Evaluate(frame gocv.Mat, enabled bool) (Result, error) {
	monitoring := enabled && p.region.IsFinalized()

	var result Result
	if monitoring {
		start := time.Now()
		detections, err := p.detector.Detect(frame, p.thresholds.Confidence, p.thresholds.NMS)
		if p.metrics != nil {
			p.metrics.InferenceTime.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			return Result{}, errors.Wrap(err, "detect")
		}

		result.Detections = detections
		result.Count, result.Inside, err = p.region.CountInside(detector.Centroids(detections))
		if err != nil {
			return Result{}, err
		}
	}

	result.Decision = p.machine.Step(alert.Observation{Enabled: monitoring, Count: result.Count})

	if p.metrics != nil {
		p.metrics.Frames.Inc()
		p.metrics.PeopleInRegion.Set(float64(result.Count))
	}
	return result, nil
}

// Dispatch submits the jobs for a decision. The frame is cloned for the alert
// burst; the clone is owned by the job and released when it finishes or is
// dropped. Dispatch never blocks.
func (p *Pipeline) Dispatch(frame gocv.Mat, result Result) {
	d := result.Decision

	if d.PublishState != nil {
		if p.metrics != nil {
			p.metrics.StatePublishes.Inc()
		}
		log.WithField("state", *d.PublishState).Info("alarm state changed")
		if p.sinks.Publisher != nil {
			p.submitter.Submit(&StateJob{Publisher: p.sinks.Publisher, State: *d.PublishState})
		}
	}

	if d.AlertBurst {
		if p.metrics != nil {
			p.metrics.AlertBursts.Inc()
		}
		log.WithField("count", result.Count).Warn("intrusion detected")
		if p.sinks.Snapshots != nil {
			p.submitter.Submit(&BurstJob{
				Frame:      frame.Clone(),
				CapturedAt: d.At,
				Snapshots:  p.sinks.Snapshots,
				Uploader:   p.sinks.Uploader,
				Notifier:   p.sinks.Notifier,
			})
		}
	}

	if d.PublishCount != nil {
		if p.metrics != nil {
			p.metrics.CountPublishes.Inc()
		}
		if p.sinks.Publisher != nil {
			p.submitter.Submit(&CountJob{Publisher: p.sinks.Publisher, Count: *d.PublishCount})
		}
	}
}
