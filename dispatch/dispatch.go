// Package dispatch runs notification side effects off the frame loop.
//
// Jobs go into a bounded queue consumed by a fixed number of workers. Submit
// never blocks: when the queue is full the job is dropped and released. Failed
// jobs are logged and counted, never retried.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrDispatchFailure marks a job that ran and returned an error.
	ErrDispatchFailure = errors.New("dispatch failure")
	// ErrQueueFull marks a job dropped because the queue had no room.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrShutdownTimeout is returned when in-flight jobs outlive the shutdown timeout.
	ErrShutdownTimeout = errors.New("dispatch shutdown timed out")
)

// Job is one unit of side-effect work.
type Job interface {
	Kind() string
	Run(ctx context.Context) error
}

// Releaser is implemented by jobs that hold resources. Release is called once,
// after the job ran or when it was dropped.
type Releaser interface {
	Release()
}

// Observer receives job lifecycle events. Implementations must be safe for
// concurrent use.
type Observer interface {
	Submitted(kind string)
	Dropped(kind string)
	Completed(kind string, took time.Duration)
	Failed(kind string)
}

// Failure describes a job that returned an error.
type Failure struct {
	ID   string
	Kind string
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s job %s: %v", ErrDispatchFailure, f.Kind, f.ID, f.Err)
}

// Unwrap returns the job's own error.
func (f *Failure) Unwrap() error { return f.Err }

// Is matches ErrDispatchFailure.
func (f *Failure) Is(target error) bool { return target == ErrDispatchFailure }

// Config holds the pool parameters.
type Config struct {
	QueueSize  int           `yaml:"queue-size"`
	Workers    int           `yaml:"workers"`
	JobTimeout time.Duration `yaml:"job-timeout"`
}

// DefaultConfig returns a queue of 16 served by 4 workers with a 30 s job timeout.
func DefaultConfig() Config {
	return Config{QueueSize: 16, Workers: 4, JobTimeout: 30 * time.Second}
}

type envelope struct {
	id  string
	job Job
}

// Pool is a bounded, non-blocking job dispatcher.
type Pool struct {
	config   Config
	observer Observer
	queue    chan envelope

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New creates and starts a Pool. A nil observer is allowed.
func New(config Config, observer Observer) *Pool {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if observer == nil {
		observer = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config:   config,
		observer: observer,
		queue:    make(chan envelope, config.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	return p
}

// Submit enqueues a job without blocking.
//
// Returns:
//   - bool: False when the job was dropped, either because the queue is full
//     or the pool is shut down. Dropped jobs are released.
func (p *Pool) Submit(job Job) bool {
	env := envelope{id: uuid.NewString(), job: job}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(env, "pool closed")
		return false
	}

	select {
	case p.queue <- env:
		p.observer.Submitted(job.Kind())
		return true
	default:
		p.drop(env, ErrQueueFull.Error())
		return false
	}
}

// Pending returns the number of queued jobs not yet picked up by a worker.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Shutdown stops accepting jobs and waits up to timeout for queued and
// in-flight jobs. Jobs still running after the timeout are cancelled and any
// left in the queue are released without running.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		log.WithField("timeout", timeout).Warn("abandoning dispatch jobs at shutdown")
		return errors.Wrapf(ErrShutdownTimeout, "after %s", timeout)
	}
}

func (p *Pool) drop(env envelope, reason string) {
	log.WithFields(log.Fields{"kind": env.job.Kind(), "id": env.id, "reason": reason}).Warn("dropping job")
	p.observer.Dropped(env.job.Kind())
	release(env.job)
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()

	for env := range p.queue {
		if p.ctx.Err() != nil {
			p.drop(env, "shutdown")
			continue
		}
		p.run(n, env)
	}
}

func (p *Pool) run(worker int, env envelope) {
	kind := env.job.Kind()
	logger := log.WithFields(log.Fields{"kind": kind, "id": env.id, "worker": worker})

	ctx := p.ctx
	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.ctx, p.config.JobTimeout)
		defer cancel()
	}
	defer release(env.job)

	start := time.Now()
	err := safeRun(ctx, env.job)
	took := time.Since(start)

	if err != nil {
		p.observer.Failed(kind)
		logger.WithError(&Failure{ID: env.id, Kind: kind, Err: err}).Error("job failed")
		return
	}

	p.observer.Completed(kind, took)
	logger.WithField("took", took).Debug("job done")
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx)
}

func release(job Job) {
	if r, ok := job.(Releaser); ok {
		r.Release()
	}
}

type nopObserver struct{}

func (nopObserver) Submitted(string)                {}
func (nopObserver) Dropped(string)                  {}
func (nopObserver) Completed(string, time.Duration) {}
func (nopObserver) Failed(string)                   {}

// JobFunc adapts a function into a Job.
type JobFunc struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Kind returns the job name.
func (j JobFunc) Kind() string { return j.Name }

// Run calls the function.
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }
