// Package jobs is an in-process job queue with delayed jobs, bounded
// retries and flows: trees of jobs where a parent runs after its children
// and reads their results.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

var (
	// ErrQueueClosed is returned when adding to a closed queue.
	ErrQueueClosed = xerrors.New("queue closed")
	// ErrTimeout is the failure recorded for a job abandoned after its
	// timeout.
	ErrTimeout = xerrors.New("job timed out")
)

// Processor handles one job. The returned value is stored as the job's
// result and handed to its parent, if any.
type Processor func(ctx context.Context, job *Job) (any, error)

// Config of a queue.
type Config struct {
	Defaults    Options
	KeepFailed  int // failed jobs retained for inspection
	Concurrency int
}

// Counts is a snapshot of the queue content.
type Counts struct {
	Waiting         int
	Delayed         int
	Active          int
	WaitingChildren int
	Failed          int
	Completed       int64
}

// Queue holds jobs until a worker started by Run processes them. Completed
// jobs are discarded.
type Queue struct {
	name string
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time

	mu        sync.Mutex
	jobs      map[string]*Job
	ready     []*Job
	timers    map[string]*time.Timer
	failed    []*Job
	completed int64
	closed    bool

	wake chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue(name string, cfg Config, log zerolog.Logger) *Queue {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Queue{
		name:   name,
		cfg:    cfg,
		log:    log.With().Str("queue", name).Logger(),
		now:    time.Now,
		jobs:   make(map[string]*Job),
		timers: make(map[string]*time.Timer),
		wake:   make(chan struct{}, 1),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Add enqueues a single job. With opts.Key set, a pending job with the same
// key is returned instead and nothing is added.
func (q *Queue) Add(ctx context.Context, name string, data any, opts Options) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	job, err := q.newJob(name, data, opts)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if pending := q.pendingWithKey(opts.Key); pending != nil {
		q.log.Debug().Str("key", opts.Key).Str("job", pending.ID).Msg("job already pending")
		return pending.view(), nil
	}
	q.jobs[job.ID] = job
	q.schedule(job, job.Opts.Delay)

	return job.view(), nil
}

// AddFlow registers a whole tree at once and returns its root. Leaves are
// runnable immediately; a parent waits for every child to finish.
func (q *Queue) AddFlow(ctx context.Context, flow *FlowJob) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []*Job
	root, err := q.buildFlow(flow, nil, &all)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	for _, job := range all {
		q.jobs[job.ID] = job
	}
	for _, job := range all {
		if job.pending == 0 {
			q.schedule(job, job.Opts.Delay)
		}
	}

	q.log.Debug().Str("root", root.ID).Str("name", root.Name).Int("jobs", len(all)).Msg("added flow")
	return root.view(), nil
}

func (q *Queue) buildFlow(flow *FlowJob, parent *Job, all *[]*Job) (*Job, error) {
	job, err := q.newJob(flow.Name, flow.Data, flow.Opts)
	if err != nil {
		return nil, err
	}
	job.parent = parent
	*all = append(*all, job)

	if len(flow.Children) > 0 {
		job.State = StateWaitingChildren
		job.pending = len(flow.Children)
		job.children = make(map[string]json.RawMessage, len(flow.Children))
	}
	for _, child := range flow.Children {
		if _, err := q.buildFlow(child, job, all); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func (q *Queue) newJob(name string, data any, opts Options) (*Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, xerrors.Errorf("encode %s data: %w", name, err)
	}
	return &Job{
		ID:        xid.New().String(),
		Name:      name,
		Queue:     q.name,
		Data:      raw,
		Opts:      opts.withDefaults(q.cfg.Defaults),
		State:     StateWaiting,
		CreatedAt: q.now(),
	}, nil
}

// pendingWithKey returns the waiting or delayed job added with key. Callers
// hold q.mu.
func (q *Queue) pendingWithKey(key string) *Job {
	if key == "" {
		return nil
	}
	for _, j := range q.jobs {
		if j.Opts.Key == key && (j.State == StateWaiting || j.State == StateDelayed) {
			return j
		}
	}
	return nil
}

// schedule makes job runnable now or after delay. Callers hold q.mu.
func (q *Queue) schedule(job *Job, delay time.Duration) {
	job.ReadyAt = q.now()
	if delay > 0 {
		job.ReadyAt = job.ReadyAt.Add(delay)
	}
	if delay <= 0 {
		job.State = StateWaiting
		q.ready = append(q.ready, job)
		q.signal()
		return
	}

	job.State = StateDelayed
	id := job.ID
	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, id)
		if j, ok := q.jobs[id]; ok && j.State == StateDelayed && !q.closed {
			j.State = StateWaiting
			q.ready = append(q.ready, j)
			q.signal()
		}
	})
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run processes jobs with the configured concurrency until ctx is done.
func (q *Queue) Run(ctx context.Context, proc Processor) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				job := q.next(ctx)
				if job == nil {
					return nil
				}
				q.process(ctx, job, proc)
			}
		})
	}
	return g.Wait()
}

// next blocks until a job is ready or ctx is done.
func (q *Queue) next(ctx context.Context) *Job {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			job := q.ready[0]
			q.ready[0] = nil
			q.ready = q.ready[1:]
			job.State = StateActive
			job.AttemptsMade++
			if len(q.ready) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return job
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
	}
}

func (q *Queue) process(ctx context.Context, job *Job, proc Processor) {
	q.mu.Lock()
	view := job.view()
	q.mu.Unlock()

	start := time.Now()
	result, err := q.invoke(ctx, view, proc)
	elapsed := time.Since(start)

	if err != nil && ctx.Err() != nil {
		// shutting down, the attempt does not count
		q.mu.Lock()
		job.AttemptsMade--
		if _, ok := q.jobs[job.ID]; ok {
			job.State = StateWaiting
			q.ready = append([]*Job{job}, q.ready...)
		}
		q.mu.Unlock()
		return
	}

	if err == nil {
		var raw json.RawMessage
		raw, err = json.Marshal(result)
		if err == nil {
			q.complete(job, raw, elapsed)
			return
		}
		err = xerrors.Errorf("encode result: %w", err)
	}
	q.fail(job, err, elapsed)
}

// invoke runs proc, recovering panics. When the job times out the handler
// is abandoned and the attempt fails with ErrTimeout.
func (q *Queue) invoke(ctx context.Context, job *Job, proc Processor) (any, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if job.Opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Opts.Timeout)
	}
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: xerrors.Errorf("panic: %v", r)}
			}
		}()
		v, err := proc(runCtx, job)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}
}

func (q *Queue) complete(job *Job, raw json.RawMessage, elapsed time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[job.ID]; !ok {
		return // obliterated meanwhile
	}
	delete(q.jobs, job.ID)
	job.FinishedAt = q.now()
	q.completed++
	q.release(job, raw)

	jobsProcessed.WithLabelValues(q.name, job.Name, "completed").Inc()
	jobDuration.WithLabelValues(q.name, job.Name).Observe(elapsed.Seconds())
	q.log.Debug().Str("job", job.ID).Str("name", job.Name).Dur("elapsed", elapsed).Msg("job completed")
}

func (q *Queue) fail(job *Job, err error, elapsed time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[job.ID]; !ok {
		return
	}
	jobDuration.WithLabelValues(q.name, job.Name).Observe(elapsed.Seconds())

	if job.AttemptsMade < job.Opts.Attempts && !q.closed {
		jobsProcessed.WithLabelValues(q.name, job.Name, "retried").Inc()
		q.log.Warn().Err(err).
			Str("job", job.ID).
			Str("name", job.Name).
			Int("attempt", job.AttemptsMade).
			Int("attempts", job.Opts.Attempts).
			Msg("job failed, retrying")
		q.schedule(job, job.Opts.Backoff)
		return
	}

	delete(q.jobs, job.ID)
	job.State = StateFailed
	job.FailedReason = err.Error()
	job.FinishedAt = q.now()
	q.failed = append(q.failed, job)
	if keep := q.cfg.KeepFailed; keep >= 0 && len(q.failed) > keep {
		q.failed = append([]*Job(nil), q.failed[len(q.failed)-keep:]...)
	}
	q.release(job, json.RawMessage("null"))

	jobsProcessed.WithLabelValues(q.name, job.Name, "failed").Inc()
	q.log.Error().Err(err).
		Str("alarm", fmt.Sprintf("failed-job-%s", job.Name)).
		Str("job", job.ID).
		Int("attempts", job.AttemptsMade).
		Msg("job failed")
}

// release fills the job's slot in its parent and wakes the parent once all
// slots are filled. Callers hold q.mu.
func (q *Queue) release(job *Job, raw json.RawMessage) {
	parent := job.parent
	if parent == nil {
		return
	}
	if _, ok := q.jobs[parent.ID]; !ok {
		return
	}
	parent.children[job.ID] = raw
	parent.pending--
	if parent.pending == 0 {
		q.schedule(parent, parent.Opts.Delay)
	}
}

// Failed returns the retained failed jobs, oldest first.
func (q *Queue) Failed() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.failed))
	for i, j := range q.failed {
		out[i] = j.view()
	}
	return out
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := Counts{Failed: len(q.failed), Completed: q.completed}
	for _, j := range q.jobs {
		switch j.State {
		case StateWaiting:
			c.Waiting++
		case StateDelayed:
			c.Delayed++
		case StateActive:
			c.Active++
		case StateWaitingChildren:
			c.WaitingChildren++
		}
	}
	return c
}

// Obliterate drops every job, including delayed and failed ones. Active
// handlers keep running but their outcome is discarded.
func (q *Queue) Obliterate() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.jobs) + len(q.failed)
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.jobs = make(map[string]*Job)
	q.ready = nil
	q.failed = nil
	q.log.Info().Int("removed", n).Msg("obliterated queue")
	return n
}

// Close rejects further jobs and stops pending timers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
}
