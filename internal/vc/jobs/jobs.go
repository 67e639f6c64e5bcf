// Package jobs runs asynchronous create and load jobs on a bounded worker
// pool and keeps their progress records until evicted.
//
// Each job has a single writer (the worker running it). Readers get the
// latest immutable Record through an atomic pointer and never wait for the
// writer.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status describes the lifecycle stage of a job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Errors returned by the tracker.
var (
	ErrQueueFull = errors.New("job queue full")
	ErrClosed    = errors.New("job tracker closed")
	ErrNotFound  = errors.New("job not found")
	ErrJobActive = errors.New("job still active")
)

// Record is an immutable snapshot of one job.
type Record[R any] struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Status      Status     `json:"status"`
	Result      R          `json:"result"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submittedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Func is the body of a job. publish replaces the visible result while the
// job runs; the returned result becomes the final one.
type Func[R any] func(ctx context.Context, publish func(R)) (R, error)

// AuditLogger records job lifecycle transitions.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditEntry captures one transition.
type AuditEntry struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Kind       string    `json:"kind"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Observer receives job timing, typically to feed metrics.
type Observer interface {
	JobStarted(kind string)
	JobFinished(kind string, status Status, elapsed time.Duration)
}

type entry[R any] struct {
	rec    atomic.Pointer[Record[R]]
	wmu    sync.Mutex
	mu     sync.Mutex
	notify chan struct{}
}

func (e *entry[R]) store(rec *Record[R]) {
	e.rec.Store(rec)
	e.mu.Lock()
	close(e.notify)
	e.notify = make(chan struct{})
	e.mu.Unlock()
}

func (e *entry[R]) current() (*Record[R], <-chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Load(), e.notify
}

type task[R any] struct {
	id        string
	fn        Func[R]
	submitted <-chan struct{} // closed once the PENDING audit entry is written
}

// Tracker owns the jobs of one kind.
type Tracker[R any] struct {
	kind     string
	workers  int
	audit    AuditLogger
	observer Observer
	log      *slog.Logger
	now      func() time.Time

	queue  chan task[R]
	mu     sync.RWMutex
	jobs   map[string]*entry[R]
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises a Tracker.
type Option func(*options)

type options struct {
	workers   int
	queueSize int
	audit     AuditLogger
	observer  Observer
	log       *slog.Logger
	now       func() time.Time
}

// WithWorkers sets the number of concurrently running jobs.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQueueSize bounds the number of jobs waiting for a worker.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

func WithAudit(a AuditLogger) Option { return func(o *options) { o.audit = a } }

func WithObserver(obs Observer) Option { return func(o *options) { o.observer = obs } }

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New starts a tracker for jobs of kind.
func New[R any](kind string, opts ...Option) *Tracker[R] {
	o := options{workers: 4, queueSize: 64, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker[R]{
		kind:     kind,
		workers:  o.workers,
		audit:    o.audit,
		observer: o.observer,
		log:      o.log,
		now:      o.now,
		queue:    make(chan task[R], o.queueSize),
		jobs:     make(map[string]*entry[R]),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < t.workers; i++ {
		t.wg.Add(1)
		go t.loop()
	}
	return t
}

// Submit queues fn and returns its job id without waiting for it to start.
func (t *Tracker[R]) Submit(ctx context.Context, initial R, fn Func[R]) (string, error) {
	now := t.now().UTC()
	id := uuid.NewString()
	e := &entry[R]{notify: make(chan struct{})}
	e.rec.Store(&Record[R]{ID: id, Kind: t.kind, Status: StatusPending, Result: initial, SubmittedAt: now, UpdatedAt: now})
	submitted := make(chan struct{})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrClosed
	}
	select {
	case t.queue <- task[R]{id: id, fn: fn, submitted: submitted}:
		t.jobs[id] = e
	default:
		t.mu.Unlock()
		return "", fmt.Errorf("%s: %w", t.kind, ErrQueueFull)
	}
	t.mu.Unlock()

	t.record(ctx, id, StatusPending, "")
	close(submitted)
	t.log.Debug("job submitted", "job_id", id, "kind", t.kind)
	return id, nil
}

// Get returns the latest record of job id.
func (t *Tracker[R]) Get(id string) (Record[R], bool) {
	e := t.entry(id)
	if e == nil {
		return Record[R]{}, false
	}
	return *e.rec.Load(), true
}

// List returns every retained record, oldest first.
func (t *Tracker[R]) List() []Record[R] {
	t.mu.RLock()
	out := make([]Record[R], 0, len(t.jobs))
	for _, e := range t.jobs {
		out = append(out, *e.rec.Load())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Evict drops a finished job. Pending or running jobs are refused.
func (t *Tracker[R]) Evict(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if !e.rec.Load().Status.Terminal() {
		return fmt.Errorf("%s: %w", id, ErrJobActive)
	}
	delete(t.jobs, id)
	return nil
}

// Watch streams the records of job id, starting with the current one,
// until the job finishes, ctx ends or the tracker closes. Intermediate
// records may be skipped when the reader is slow; the terminal one is not.
func (t *Tracker[R]) Watch(ctx context.Context, id string) (<-chan Record[R], error) {
	e := t.entry(id)
	if e == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	out := make(chan Record[R], 1)
	go func() {
		defer close(out)
		for {
			rec, changed := e.current()
			select {
			case out <- *rec:
			case <-ctx.Done():
				return
			case <-t.ctx.Done():
				return
			}
			if rec.Status.Terminal() {
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			case <-t.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops accepting jobs, cancels running ones, waits for the workers
// and drops every record.
func (t *Tracker[R]) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	t.jobs = make(map[string]*entry[R])
	t.mu.Unlock()
	return nil
}

func (t *Tracker[R]) entry(id string) *entry[R] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.jobs[id]
}

func (t *Tracker[R]) loop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case tk := <-t.queue:
			t.run(tk)
		}
	}
}

func (t *Tracker[R]) run(tk task[R]) {
	e := t.entry(tk.id)
	if e == nil {
		return
	}
	<-tk.submitted
	start := t.now()
	t.update(e, func(rec *Record[R]) { rec.Status = StatusRunning })
	t.record(t.ctx, tk.id, StatusRunning, "")
	if t.observer != nil {
		t.observer.JobStarted(t.kind)
	}
	t.log.Info("job started", "job_id", tk.id, "kind", t.kind)

	result, err := t.invoke(tk)

	status := StatusSucceeded
	message := ""
	if err != nil {
		status, message = StatusFailed, err.Error()
	}
	t.update(e, func(rec *Record[R]) {
		rec.Status = status
		rec.Result = result
		rec.Error = message
		completed := rec.UpdatedAt
		rec.CompletedAt = &completed
	})
	t.record(t.ctx, tk.id, status, message)
	elapsed := t.now().Sub(start)
	if t.observer != nil {
		t.observer.JobFinished(t.kind, status, elapsed)
	}
	if err != nil {
		t.log.Warn("job failed", "job_id", tk.id, "kind", t.kind, "error", message, "elapsed", elapsed)
		return
	}
	t.log.Info("job finished", "job_id", tk.id, "kind", t.kind, "elapsed", elapsed)
}

// invoke runs the job body and turns a panic into a failure. Results
// published after the body returned are ignored.
func (t *Tracker[R]) invoke(tk task[R]) (result R, err error) {
	e := t.entry(tk.id)
	var finished atomic.Bool
	publish := func(r R) {
		if finished.Load() {
			return
		}
		t.update(e, func(rec *Record[R]) {
			if !rec.Status.Terminal() {
				rec.Result = r
			}
		})
	}
	defer func() {
		finished.Store(true)
		if p := recover(); p != nil {
			result = e.rec.Load().Result
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return tk.fn(t.ctx, publish)
}

// update applies mutate to a copy of the record and publishes the copy.
// Writers of one entry are serialised; readers never take that lock.
func (t *Tracker[R]) update(e *entry[R], mutate func(*Record[R])) {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	next := *e.rec.Load()
	next.UpdatedAt = t.now().UTC()
	mutate(&next)
	e.store(&next)
}

func (t *Tracker[R]) record(ctx context.Context, id string, status Status, message string) {
	if t.audit == nil {
		return
	}
	t.audit.Record(ctx, AuditEntry{
		ID:         uuid.NewString(),
		JobID:      id,
		Kind:       t.kind,
		Status:     status,
		Error:      message,
		OccurredAt: t.now().UTC(),
	})
}
