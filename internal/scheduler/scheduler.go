// Package scheduler runs deferred connection events at their due time.
//
// Jobs are kept in a time-ordered queue and handed to a fixed-size worker
// pool. Cancellation is advisory: the connection record carries a generation
// per job kind, and the runner drops a job whose generation is stale.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/supa/internal/logging"
	"github.com/signalsfoundry/supa/model"
	"github.com/signalsfoundry/supa/timectrl"
)

// ErrStale is returned by a Runner when the job's generation no longer
// matches the record. The scheduler counts it separately from failures.
var ErrStale = errors.New("stale job")

// Job is one deferred event for a connection.
type Job struct {
	ID           string
	Due          time.Time
	ConnectionID string
	Kind         model.JobKind
	Generation   int64

	seq       uint64
	cancelled bool
}

// Handle identifies a scheduled job.
type Handle struct {
	ID           string
	ConnectionID string
	Kind         model.JobKind
	Generation   int64
}

// Runner executes fired jobs. The connection manager implements it.
type Runner interface {
	RunJob(ctx context.Context, job Job) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job Job) error

func (f RunnerFunc) RunJob(ctx context.Context, job Job) error { return f(ctx, job) }

// Metrics receives queue and outcome observations.
type Metrics interface {
	SetQueued(n int)
	JobFired(kind string)
	JobStale(kind string)
	JobFailed(kind string)
}

// Config configures a Scheduler.
type Config struct {
	Workers int
	Clock   timectrl.Clock
	Log     logging.Logger
	Metrics Metrics
}

// Scheduler is a time-ordered job queue served by a worker pool.
type Scheduler struct {
	clock   timectrl.Clock
	log     logging.Logger
	metrics Metrics
	workers int

	mu      sync.Mutex
	counter uint64
	queue   jobQueue
	index   map[string]*Job

	wake chan struct{}
}

// New returns an idle scheduler. Call Run to start serving jobs.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = timectrl.Real()
	}
	if cfg.Log == nil {
		cfg.Log = logging.Noop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Scheduler{
		clock:   cfg.Clock,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		workers: cfg.Workers,
		index:   make(map[string]*Job),
		wake:    make(chan struct{}, 1),
	}
}

// Now returns the scheduler's clock time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Schedule queues a job. A due time in the past fires as soon as a worker is
// free. Jobs with equal due times fire in submission order.
func (s *Scheduler) Schedule(due time.Time, connectionID string, kind model.JobKind, generation int64) Handle {
	s.mu.Lock()
	s.counter++
	job := &Job{
		ID:           fmt.Sprintf("job-%d", s.counter),
		Due:          due,
		ConnectionID: connectionID,
		Kind:         kind,
		Generation:   generation,
		seq:          s.counter,
	}
	heap.Push(&s.queue, job)
	s.index[job.ID] = job
	queued := len(s.index)
	s.mu.Unlock()

	s.metrics.SetQueued(queued)
	s.signal()
	return Handle{ID: job.ID, ConnectionID: connectionID, Kind: kind, Generation: generation}
}

// Cancel drops a queued job. It is a no-op when the job already fired.
func (s *Scheduler) Cancel(h Handle) {
	s.mu.Lock()
	job, ok := s.index[h.ID]
	if ok {
		// Removal from the heap is lazy.
		job.cancelled = true
		delete(s.index, h.ID)
	}
	queued := len(s.index)
	s.mu.Unlock()
	if ok {
		s.metrics.SetQueued(queued)
	}
}

// Pending returns the number of queued, uncancelled jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Run serves jobs until ctx is cancelled. Jobs already handed to a worker
// finish before Run returns.
func (s *Scheduler) Run(ctx context.Context, r Runner) error {
	jobs := make(chan Job)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for job := range jobs {
				s.execute(context.WithoutCancel(gctx), r, job)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(jobs)
		s.loop(gctx, jobs)
		return nil
	})

	s.log.Info(ctx, "scheduler started", logging.Int("workers", s.workers))
	err := g.Wait()
	s.log.Info(context.Background(), "scheduler stopped", logging.Int("pending", s.Pending()))
	return err
}

func (s *Scheduler) loop(ctx context.Context, out chan<- Job) {
	for {
		due, next, more := s.popDue()
		for _, job := range due {
			select {
			case out <- job:
			case <-ctx.Done():
				return
			}
		}

		var timer <-chan time.Time
		if more {
			timer = s.clock.After(next.Sub(s.clock.Now()))
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer:
		}
	}
}

// RunDue executes every due job inline, in firing order, and returns how many
// ran. It is meant for deterministic tests driven by a manual clock.
func (s *Scheduler) RunDue(ctx context.Context, r Runner) int {
	ran := 0
	for {
		due, _, _ := s.popDue()
		if len(due) == 0 {
			return ran
		}
		for _, job := range due {
			s.execute(ctx, r, job)
			ran++
		}
	}
}

// popDue removes and returns every job due at the current clock time. When
// jobs remain, next is the earliest due time among them.
func (s *Scheduler) popDue() (due []Job, next time.Time, more bool) {
	now := s.clock.Now()

	s.mu.Lock()
	for s.queue.Len() > 0 {
		job := s.queue[0]
		if job.cancelled {
			heap.Pop(&s.queue)
			continue
		}
		if job.Due.After(now) {
			next, more = job.Due, true
			break
		}
		heap.Pop(&s.queue)
		delete(s.index, job.ID)
		due = append(due, *job)
	}
	queued := len(s.index)
	s.mu.Unlock()

	if len(due) > 0 {
		s.metrics.SetQueued(queued)
	}
	return due, next, more
}

func (s *Scheduler) execute(ctx context.Context, r Runner, job Job) {
	log := s.log.With(
		logging.String("job_id", job.ID),
		logging.String("connection_id", job.ConnectionID),
		logging.String("kind", string(job.Kind)),
		logging.Int64("generation", job.Generation),
	)
	defer func() {
		if rec := recover(); rec != nil {
			s.metrics.JobFailed(string(job.Kind))
			log.Error(ctx, "scheduled job panicked", logging.Any("panic", rec), logging.String("stack", string(debug.Stack())))
		}
	}()

	err := r.RunJob(ctx, job)
	switch {
	case err == nil:
		s.metrics.JobFired(string(job.Kind))
		log.Debug(ctx, "scheduled job ran")
	case errors.Is(err, ErrStale):
		s.metrics.JobStale(string(job.Kind))
		log.Debug(ctx, "scheduled job stale", logging.Err(err))
	default:
		s.metrics.JobFailed(string(job.Kind))
		log.Warn(ctx, "scheduled job failed", logging.Err(err))
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// jobQueue orders jobs by due time, then submission order.
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].Due.Equal(q[j].Due) {
		return q[i].seq < q[j].seq
	}
	return q[i].Due.Before(q[j].Due)
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*Job)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return job
}

type noopMetrics struct{}

func (noopMetrics) SetQueued(int)    {}
func (noopMetrics) JobFired(string)  {}
func (noopMetrics) JobStale(string)  {}
func (noopMetrics) JobFailed(string) {}
