// Package scheduler starts a distribution round whenever the minimum round
// length has elapsed. Each check re-arms itself as a delayed job on the
// tasks queue, so no ticker is involved.
package scheduler

import (
	"context"
	"sync"
	"time"

	"relay-distribution/internal/config"
	"relay-distribution/internal/distribution"
	"relay-distribution/internal/jobs"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// JobQueuedDistribute is the self-recheck job of the tasks queue.
const JobQueuedDistribute = "queued-distribute"

// DefaultRetryDelay is used when the recheck would otherwise fire
// immediately, i.e. after a round failed to enqueue.
const DefaultRetryDelay = 30 * time.Second

// Queue is the part of jobs.Queue the scheduler needs.
type Queue interface {
	Name() string
	Add(ctx context.Context, name string, data any, opts jobs.Options) (*jobs.Job, error)
	Obliterate() int
}

type Leader interface {
	IsLeader() bool
}

type Config struct {
	MinRoundLength time.Duration
	DoClean        bool
	RetryDelay     time.Duration
}

type Scheduler struct {
	cfg          Config
	tasks        Queue
	distribution Queue
	leader       Leader
	state        StateStore
	log          zerolog.Logger
	now          func() time.Time

	mu        sync.Mutex
	lastRunAt time.Time
	nextAt    time.Time
}

func New(cfg Config, tasks, distribution Queue, leader Leader, state StateStore, log zerolog.Logger) *Scheduler {
	if cfg.MinRoundLength <= 0 {
		cfg.MinRoundLength = config.DefaultMinRoundLength
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if state == nil {
		state = &MemoryState{}
	}
	return &Scheduler{
		cfg:          cfg,
		tasks:        tasks,
		distribution: distribution,
		leader:       leader,
		state:        state,
		log:          log,
		now:          time.Now,
	}
}

// Bootstrap runs once at start. On the leader it optionally clears both
// queues, restores the last run and performs the first check.
func (s *Scheduler) Bootstrap(ctx context.Context) error {
	if !s.leader.IsLeader() {
		s.log.Debug().Msg("not the leader, skipping bootstrap of scheduler")
		return nil
	}

	if s.cfg.DoClean {
		s.log.Info().Msg("cleaning up jobs")
		removed := s.tasks.Obliterate() + s.distribution.Obliterate()
		s.log.Info().Int("removed", removed).Msg("queues obliterated")
	}

	last, err := s.state.LastRunAt(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed loading last run, starting from scratch")
	}
	s.mu.Lock()
	s.lastRunAt = last
	s.mu.Unlock()
	if !last.IsZero() {
		lastRun.Set(float64(last.Unix()))
	}

	return s.Check(ctx)
}

// Check enqueues a round if one is due and always re-arms the next check.
func (s *Scheduler) Check(ctx context.Context) error {
	if !s.leader.IsLeader() {
		s.log.Debug().Msg("not the leader, skipping round check")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastRunAt) >= s.cfg.MinRoundLength {
		data := distribution.StartRoundData{Stamp: now.UnixMilli()}
		if _, err := s.distribution.Add(ctx, distribution.JobStartRound, data, jobs.Options{}); err != nil {
			s.log.Error().Err(err).Str("queue", s.distribution.Name()).Msg("failed adding distribution job to queue")
		} else {
			s.lastRunAt = now
			lastRun.Set(float64(now.Unix()))
			if err := s.state.SetLastRunAt(ctx, now); err != nil {
				s.log.Warn().Err(err).Msg("failed storing last run")
			}
			s.log.Info().Int64("stamp", data.Stamp).Msg("queued distribution round")
		}
	}

	delay := s.cfg.MinRoundLength - now.Sub(s.lastRunAt)
	if delay <= 0 {
		delay = s.cfg.RetryDelay
	}
	s.log.Info().Dur("in", delay).Msg("queueing distribution for recheck")

	// a pending recheck is kept, so repeated bootstraps don't stack timers
	job, err := s.tasks.Add(ctx, JobQueuedDistribute, struct{}{}, jobs.Options{Delay: delay, Key: JobQueuedDistribute})
	if err != nil {
		s.log.Error().Err(err).Str("queue", s.tasks.Name()).Msg("failed adding timed distribution job to queue")
		return xerrors.Errorf("re-arm check: %w", err)
	}
	s.nextAt = now.Add(delay)
	if !job.ReadyAt.IsZero() {
		s.nextAt = job.ReadyAt
	}
	nextCheck.Set(float64(s.nextAt.Unix()))
	return nil
}

// Process handles jobs of the tasks queue.
func (s *Scheduler) Process(ctx context.Context, job *jobs.Job) (any, error) {
	if job.Name != JobQueuedDistribute {
		return nil, xerrors.Errorf("unknown job %q", job.Name)
	}
	if err := s.Check(ctx); err != nil {
		return nil, err
	}
	return true, nil
}

// LastRunAt returns when the last round was enqueued.
func (s *Scheduler) LastRunAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRunAt
}

// NextCheck returns when the next check is due, zero before the first one.
func (s *Scheduler) NextCheck() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextAt
}
