// Package queue runs background jobs on a bounded worker pool. Jobs that share
// a key form a lane and are handled one at a time in enqueue order; distinct
// lanes proceed in parallel.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

var ErrStopped = errors.New("queue: stopped") //nolint:gochecknoglobals // sentinel error

// Job is one unit of background work.
type Job struct {
	ID         uuid.UUID
	Type       string
	Key        string
	Payload    json.RawMessage
	Attempt    int
	EnqueuedAt time.Time
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("queue.Job.Decode(%s): %w", j.Type, err))
	}
	return nil
}

// Handler processes one job. Returning an error wrapped with Permanent skips
// the remaining attempts.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// Stats is a point-in-time view of a queue's counters.
type Stats struct {
	Name      string `json:"name"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

type Options struct {
	Workers int
	Retry   RetryPolicy
}

type lane struct {
	jobs []*Job
	busy bool
}

type instruments struct {
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
}

// Queue is an in-process lane queue. Enqueue never blocks; a buffered job
// waits in its lane until a worker is free and the lane's previous job is
// done.
type Queue struct {
	name    string
	handler Handler
	retry   RetryPolicy
	workers int
	metrics instruments

	mu      sync.Mutex
	cond    *sync.Cond
	lanes   map[string]*lane
	ready   []string
	stats   Stats
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(name string, handler Handler, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	q := &Queue{
		name:    name,
		handler: handler,
		retry:   opts.Retry,
		workers: opts.Workers,
		metrics: newInstruments(),
		lanes:   make(map[string]*lane),
		stats:   Stats{Name: name},
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func newInstruments() instruments {
	meter := otel.Meter("github.com/gosuda/parley/internal/queue")
	// Instrument creation only fails on invalid names.
	completed, _ := meter.Int64Counter("parley.queue.jobs.completed")
	failed, _ := meter.Int64Counter("parley.queue.jobs.failed")
	retried, _ := meter.Int64Counter("parley.queue.jobs.retried")
	return instruments{completed: completed, failed: failed, retried: retried}
}

func (q *Queue) Name() string { return q.name }

// Start launches the worker pool. Jobs enqueued before Start wait.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.group, q.ctx = errgroup.WithContext(q.ctx)
	context.AfterFunc(q.ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	for range q.workers {
		q.group.Go(q.work)
	}
	log.Info().Str("queue", q.name).Int("workers", q.workers).Msg("queue: started")
}

// Enqueue appends a job to the lane for key and returns its id.
func (q *Queue) Enqueue(jobType, key string, payload any) (uuid.UUID, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("queue.Queue.Enqueue(%s): %w", jobType, err)
	}
	job := &Job{
		ID:         uuid.New(),
		Type:       jobType,
		Key:        key,
		Payload:    raw,
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return uuid.Nil, fmt.Errorf("queue.Queue.Enqueue(%s): %w", jobType, ErrStopped)
	}
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
	}
	l.jobs = append(l.jobs, job)
	if !l.busy && len(l.jobs) == 1 {
		q.ready = append(q.ready, key)
		q.cond.Signal()
	}
	q.stats.Waiting++
	return job.ID, nil
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Stop refuses new jobs, lets workers drain what is already queued, and waits
// for them until ctx expires. Jobs still waiting after ctx expires are
// abandoned and logged.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()

	if q.group == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- q.group.Wait() }()

	select {
	case err := <-done:
		q.cancel()
		return err
	case <-ctx.Done():
		q.cancel()
		q.mu.Lock()
		waiting := q.stats.Waiting
		q.mu.Unlock()
		log.Warn().Str("queue", q.name).Int64("waiting", waiting).Msg("queue: stop deadline exceeded, abandoning jobs")
		<-done
		return fmt.Errorf("queue.Queue.Stop(%s): %w", q.name, ctx.Err())
	}
}

// next blocks until a lane is ready or the queue is drained after Stop.
func (q *Queue) next() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.ready) == 0 {
		if q.ctx.Err() != nil || (q.stopped && q.stats.Waiting == 0) {
			return nil, false
		}
		q.cond.Wait()
	}
	if q.ctx.Err() != nil {
		return nil, false
	}
	key := q.ready[0]
	q.ready = q.ready[1:]
	l := q.lanes[key]
	job := l.jobs[0]
	l.jobs = l.jobs[1:]
	l.busy = true
	q.stats.Waiting--
	q.stats.Active++
	return job, true
}

func (q *Queue) finish(job *Job, err error) {
	q.mu.Lock()
	l := q.lanes[job.Key]
	l.busy = false
	if len(l.jobs) > 0 {
		q.ready = append(q.ready, job.Key)
	} else {
		delete(q.lanes, job.Key)
	}
	q.stats.Active--
	if err != nil {
		q.stats.Failed++
	} else {
		q.stats.Completed++
	}
	// Wake idle workers: a lane became ready, or Stop may now be able to finish.
	q.cond.Broadcast()
	q.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("queue", q.name), attribute.String("job_type", job.Type))
	if err != nil {
		q.metrics.failed.Add(context.Background(), 1, attrs)
		log.Error().Err(err).
			Str("queue", q.name).
			Str("job_id", job.ID.String()).
			Str("job_type", job.Type).
			Str("key", job.Key).
			Int("attempts", job.Attempt).
			Msg("queue: job failed")
		return
	}
	q.metrics.completed.Add(context.Background(), 1, attrs)
}

func (q *Queue) work() error {
	for {
		job, ok := q.next()
		if !ok {
			return nil
		}
		q.finish(job, q.run(job))
	}
}

// run retries inline so the lane stays blocked until this job settles.
func (q *Queue) run(job *Job) error {
	for {
		job.Attempt++
		err := q.handle(job)
		if err == nil {
			return nil
		}
		if !q.retry.ShouldRetry(err, job.Attempt) {
			return err
		}
		q.metrics.retried.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("queue", q.name), attribute.String("job_type", job.Type)))
		delay := q.retry.NextDelay(job.Attempt)
		log.Warn().Err(err).
			Str("queue", q.name).
			Str("job_id", job.ID.String()).
			Int("attempt", job.Attempt).
			Dur("backoff", delay).
			Msg("queue: job attempt failed, retrying")

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-q.ctx.Done():
			t.Stop()
			return fmt.Errorf("queue: retry of %s abandoned: %w", job.ID, q.ctx.Err())
		}
	}
}

func (q *Queue) handle(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("queue: handler panic: %v", r))
		}
	}()
	return q.handler.Handle(q.ctx, job)
}
