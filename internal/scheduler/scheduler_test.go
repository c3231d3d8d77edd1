package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/signalsfoundry/supa/model"
	"github.com/signalsfoundry/supa/timectrl"
)

var epoch = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingRunner struct {
	mu   sync.Mutex
	ran  []Job
	errs map[string]error
	done chan Job
}

func (r *recordingRunner) RunJob(_ context.Context, job Job) error {
	r.mu.Lock()
	r.ran = append(r.ran, job)
	err := r.errs[job.ConnectionID]
	r.mu.Unlock()
	if r.done != nil {
		r.done <- job
	}
	if job.ConnectionID == "panic" {
		panic("boom")
	}
	return err
}

func (r *recordingRunner) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ran))
	for _, j := range r.ran {
		out = append(out, j.ConnectionID)
	}
	return out
}

type countingMetrics struct {
	mu                   sync.Mutex
	queued               int
	fired, stale, failed int
}

func (m *countingMetrics) SetQueued(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = n
}

func (m *countingMetrics) JobFired(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired++
}

func (m *countingMetrics) JobStale(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale++
}

func (m *countingMetrics) JobFailed(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func TestRunDueFiresInDueThenSubmissionOrder(t *testing.T) {
	t.Parallel()

	clock := timectrl.NewManualClock(epoch)
	s := New(Config{Clock: clock})
	r := &recordingRunner{}

	s.Schedule(epoch.Add(2*time.Second), "c", model.JobEndTime, 0)
	s.Schedule(epoch.Add(time.Second), "a", model.JobActivate, 0)
	s.Schedule(epoch.Add(time.Second), "b", model.JobActivate, 0)
	s.Schedule(epoch.Add(time.Hour), "late", model.JobEndTime, 0)

	if n := s.RunDue(context.Background(), r); n != 0 {
		t.Fatalf("RunDue before due ran %d jobs", n)
	}

	clock.Advance(2 * time.Second)
	if n := s.RunDue(context.Background(), r); n != 3 {
		t.Fatalf("RunDue ran %d jobs, want 3", n)
	}
	got := r.order()
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending())
	}
}

func TestPastDueFiresImmediately(t *testing.T) {
	t.Parallel()

	clock := timectrl.NewManualClock(epoch)
	s := New(Config{Clock: clock})
	r := &recordingRunner{}

	s.Schedule(epoch.Add(-time.Hour), "past", model.JobReserveCheck, 3)
	if n := s.RunDue(context.Background(), r); n != 1 {
		t.Fatalf("RunDue ran %d jobs, want 1", n)
	}
	if r.ran[0].Generation != 3 || r.ran[0].Kind != model.JobReserveCheck {
		t.Fatalf("job = %+v", r.ran[0])
	}
}

func TestCancelDropsQueuedJob(t *testing.T) {
	t.Parallel()

	clock := timectrl.NewManualClock(epoch)
	m := &countingMetrics{}
	s := New(Config{Clock: clock, Metrics: m})
	r := &recordingRunner{}

	h := s.Schedule(epoch.Add(time.Minute), "x", model.JobReserveTimeout, 1)
	s.Schedule(epoch.Add(time.Minute), "y", model.JobReserveTimeout, 1)
	s.Cancel(h)
	s.Cancel(h) // no-op

	if s.Pending() != 1 || m.queued != 1 {
		t.Fatalf("pending = %d queued gauge = %d, want 1", s.Pending(), m.queued)
	}
	clock.Advance(time.Minute)
	s.RunDue(context.Background(), r)
	if got := r.order(); len(got) != 1 || got[0] != "y" {
		t.Fatalf("ran %v, want [y]", got)
	}

	// Cancelling a fired job does nothing.
	s.Cancel(Handle{ID: "job-2"})
}

func TestFailuresAreSwallowed(t *testing.T) {
	t.Parallel()

	clock := timectrl.NewManualClock(epoch)
	m := &countingMetrics{}
	s := New(Config{Clock: clock, Metrics: m})
	r := &recordingRunner{errs: map[string]error{
		"stale":  ErrStale,
		"failed": errors.New("store down"),
	}}

	for _, id := range []string{"stale", "failed", "panic", "ok"} {
		s.Schedule(epoch, id, model.JobActivate, 0)
	}
	if n := s.RunDue(context.Background(), r); n != 4 {
		t.Fatalf("RunDue ran %d jobs, want 4", n)
	}
	if m.fired != 1 || m.stale != 1 || m.failed != 2 {
		t.Fatalf("fired=%d stale=%d failed=%d, want 1/1/2", m.fired, m.stale, m.failed)
	}
}

func TestRunServesJobsOnWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := timectrl.NewManualClock(epoch)
	s := New(Config{Clock: clock, Workers: 3})
	r := &recordingRunner{done: make(chan Job, 8)}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, r) }()

	s.Schedule(epoch, "now", model.JobReserveCheck, 0)
	select {
	case job := <-r.done:
		if job.ConnectionID != "now" {
			t.Fatalf("ran %q, want now", job.ConnectionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("due job did not run")
	}

	s.Schedule(epoch.Add(time.Minute), "later", model.JobEndTime, 0)
	select {
	case job := <-r.done:
		t.Fatalf("job %q ran before its due time", job.ConnectionID)
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Minute)
	select {
	case job := <-r.done:
		if job.ConnectionID != "later" {
			t.Fatalf("ran %q, want later", job.ConnectionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not run after clock advanced")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
