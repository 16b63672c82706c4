package controller

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// StateJob publishes the alarm state.
type StateJob struct {
	Publisher Publisher
	State     int
}

// Kind implements dispatch.Job.
func (j *StateJob) Kind() string { return "state" }

// Run implements dispatch.Job.
func (j *StateJob) Run(ctx context.Context) error {
	return j.Publisher.PublishState(ctx, j.State)
}

// CountJob publishes the occupancy count.
type CountJob struct {
	Publisher Publisher
	Count     int
}

// Kind implements dispatch.Job.
func (j *CountJob) Kind() string { return "count" }

// Run implements dispatch.Job.
func (j *CountJob) Run(ctx context.Context) error {
	return j.Publisher.PublishCount(ctx, j.Count)
}

// BurstJob writes a snapshot of the alert frame, then uploads it and sends it
// to the chat in parallel. Uploader and Notifier may be nil.
type BurstJob struct {
	Frame      gocv.Mat
	CapturedAt time.Time
	Snapshots  SnapshotWriter
	Uploader   Uploader
	Notifier   Notifier

	releaseOnce sync.Once
}

// Kind implements dispatch.Job.
func (j *BurstJob) Kind() string { return "alert" }

// Run implements dispatch.Job.
func (j *BurstJob) Run(ctx context.Context) error {
	img, err := j.Frame.ToImage()
	if err != nil {
		return errors.Wrap(err, "convert alert frame")
	}

	snap, err := j.Snapshots.Save(j.CapturedAt, img)
	if err != nil {
		return errors.Wrap(err, "save snapshot")
	}
	log.WithField("path", snap.Path).Info("saved snapshot")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []string
	)
	fail := func(stage string, err error) {
		mu.Lock()
		failures = append(failures, stage+": "+err.Error())
		mu.Unlock()
	}

	if j.Uploader != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := j.Uploader.Upload(ctx, j.CapturedAt, bytes.NewReader(snap.Data)); err != nil {
				fail("upload", err)
			}
		}()
	}
	if j.Notifier != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := j.Notifier.SendPhoto(ctx, snap.Name(), snap.Data); err != nil {
				fail("chat", err)
			}
		}()
	}
	wg.Wait()

	if len(failures) > 0 {
		return errors.New(strings.Join(failures, "; "))
	}
	return nil
}

// Release closes the cloned frame.
func (j *BurstJob) Release() {
	j.releaseOnce.Do(func() {
		j.Frame.Close()
	})
}
