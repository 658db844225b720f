// Package distribution drives a round through its job graph:
//
//	persist-last-round
//	  └─ complete-round
//	       ├─ add-scores (batch 1)
//	       └─ add-scores (batch N)
//
// Handlers never return collaborator errors to the job system; they log and
// report false, leaving retries to the queue's own policy.
package distribution

import (
	"context"
	"time"

	"relay-distribution/internal/archive"
	"relay-distribution/internal/batch"
	"relay-distribution/internal/jobs"
	"relay-distribution/internal/ledger"
	"relay-distribution/internal/models"
	"relay-distribution/internal/scoring"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// Job names handled by the service.
const (
	JobStartRound       = "start-round"
	JobAddScores        = "add-scores"
	JobCompleteRound    = "complete-round"
	JobPersistLastRound = "persist-last-round"
)

type StartRoundData struct {
	Stamp int64 `json:"stamp"`
}

type AddScoresData struct {
	Stamp  int64                 `json:"stamp"`
	Scores []scoring.ScoreRecord `json:"scores"`
}

type CompleteRoundData struct {
	Stamp int64 `json:"stamp"`
	Total int   `json:"total"`
}

type PersistRoundData struct {
	Stamp int64 `json:"stamp"`
}

// AddScoresResult is the outcome of one batch, read by complete-round.
type AddScoresResult struct {
	Result bool     `json:"result"`
	Stamp  int64    `json:"stamp"`
	Scored []string `json:"scored"`
}

type ScoreEngine interface {
	Compute(ctx context.Context, stamp int64) ([]scoring.ScoreRecord, error)
}

type Gateway interface {
	SubmitScores(ctx context.Context, stamp int64, records []scoring.ScoreRecord) error
	MarkComplete(ctx context.Context, stamp int64) error
	LastSnapshot(ctx context.Context) (*ledger.RoundSnapshot, error)
}

type Publisher interface {
	Upload(ctx context.Context, payload []byte, tags []archive.Tag) (string, error)
}

type FlowAdder interface {
	AddFlow(ctx context.Context, flow *jobs.FlowJob) (*jobs.Job, error)
}

// Observer is notified of round progress. Calls must not block.
type Observer interface {
	RoundUpdated(round models.Round)
	ScoresComputed(stamp int64, records []scoring.ScoreRecord)
}

type Config struct {
	Live      bool
	BatchSize int
}

type Deps struct {
	Engine    ScoreEngine
	Gateway   Gateway
	Publisher Publisher
	Flows     FlowAdder
	Rounds    RoundStore
	Observer  Observer
}

// Service implements the round handlers.
type Service struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
}

func NewService(cfg Config, deps Deps, log zerolog.Logger) *Service {
	if deps.Rounds == nil {
		deps.Rounds = NewMemoryRoundStore()
	}
	log.Info().Bool("live", cfg.Live).Int("batch_size", cfg.BatchSize).Msg("initializing distribution service")
	return &Service{cfg: cfg, deps: deps, log: log}
}

// Process dispatches a job of the distribution queue to its handler.
func (s *Service) Process(ctx context.Context, job *jobs.Job) (any, error) {
	s.log.Debug().Str("job", job.ID).Str("name", job.Name).Msg("dequeueing")

	switch job.Name {
	case JobStartRound:
		var data StartRoundData
		if err := job.Decode(&data); err != nil {
			s.log.Error().Err(err).Str("job", job.ID).Msg("undefined start-round data")
			return false, nil
		}
		return s.StartRound(ctx, data.Stamp), nil

	case JobAddScores:
		var data AddScoresData
		if err := job.Decode(&data); err != nil {
			s.log.Error().Err(err).Str("job", job.ID).Msg("undefined add-scores data")
			return AddScoresResult{Scored: []string{}}, nil
		}
		return s.AddScores(ctx, data.Stamp, data.Scores), nil

	case JobCompleteRound:
		var data CompleteRoundData
		if err := job.Decode(&data); err != nil {
			s.log.Error().Err(err).Str("job", job.ID).Msg("undefined complete-round data")
			return false, nil
		}
		results, err := jobs.DecodeChildren[AddScoresResult](job)
		if err != nil {
			s.log.Error().Err(err).Int64("stamp", data.Stamp).Msg("failed reading add-scores results")
			return false, nil
		}
		batches := make([]*AddScoresResult, 0, len(results))
		for _, r := range results {
			batches = append(batches, r)
		}
		return s.CompleteRound(ctx, data.Stamp, data.Total, batches), nil

	case JobPersistLastRound:
		var data PersistRoundData
		if err := job.Decode(&data); err != nil {
			s.log.Error().Err(err).Str("job", job.ID).Msg("undefined persist-last-round data")
			return false, nil
		}
		complete := false
		results, err := jobs.DecodeChildren[bool](job)
		if err != nil {
			s.log.Error().Err(err).Int64("stamp", data.Stamp).Msg("failed reading complete-round result")
		}
		for _, r := range results {
			if r != nil && *r {
				complete = true
			}
		}
		if !complete {
			s.log.Warn().Int64("stamp", data.Stamp).Msg("round was not marked as complete, skipping persisting of distribution summary")
			s.abort(ctx, data.Stamp, "round not complete")
			return false, nil
		}
		return s.PersistRound(ctx, data.Stamp), nil

	default:
		return nil, xerrors.Errorf("unknown job %q", job.Name)
	}
}

// StartRound computes the scores of the round at stamp and enqueues its job
// graph. It returns once the graph is accepted.
func (s *Service) StartRound(ctx context.Context, stamp int64) bool {
	records, err := s.deps.Engine.Compute(ctx, stamp)
	if err != nil {
		s.log.Error().Err(err).Int64("stamp", stamp).Msg("exception while starting distribution")
		return false
	}

	filtered := make([]scoring.ScoreRecord, 0, len(records))
	for _, r := range records {
		if r.Network > 0 {
			filtered = append(filtered, r)
		}
	}
	groups := batch.Split(filtered, s.cfg.BatchSize)

	// recorded before the flow exists, so batch handlers only ever see a
	// scoring round
	s.update(ctx, stamp, func(r *models.Round) {
		r.State = models.RoundScoring
		r.Total = len(filtered)
		r.Batches = len(groups)
	})
	if _, err := s.deps.Flows.AddFlow(ctx, Flow(stamp, len(filtered), groups)); err != nil {
		s.log.Error().Err(err).Int64("stamp", stamp).Msg("failed adding distribution flow")
		s.abort(ctx, stamp, "enqueue failed")
		return false
	}

	roundsTotal.WithLabelValues(models.RoundScoring).Inc()
	lastRoundScores.Set(float64(len(filtered)))
	if s.deps.Observer != nil {
		s.deps.Observer.ScoresComputed(stamp, filtered)
	}

	s.log.Info().
		Int64("stamp", stamp).
		Int("scores", len(filtered)).
		Int("batches", len(groups)).
		Msg("starting distribution")
	return true
}

// RestoreLastRound reports the most recent recorded round to the observer,
// so a restarted process shows where the previous one stopped.
func (s *Service) RestoreLastRound(ctx context.Context) (*models.Round, error) {
	rounds, err := s.deps.Rounds.Recent(ctx, 1)
	if err != nil {
		return nil, xerrors.Errorf("load recent rounds: %w", err)
	}
	if len(rounds) == 0 {
		s.log.Info().Msg("no recorded rounds")
		return nil, nil
	}
	last := rounds[0]
	s.log.Info().
		Int64("stamp", last.Stamp).
		Str("state", last.State).
		Str("reason", last.AbortReason).
		Msg("last recorded round")
	if s.deps.Observer != nil {
		s.deps.Observer.RoundUpdated(last)
	}
	return &last, nil
}

// AddScores submits one batch. Transport failures report no scored
// fingerprints; a ledger rejection reports the batch as failed.
func (s *Service) AddScores(ctx context.Context, stamp int64, records []scoring.ScoreRecord) AddScoresResult {
	s.log.Info().Int64("stamp", stamp).Int("scores", len(records)).Msg("adding scores")

	err := s.deps.Gateway.SubmitScores(ctx, stamp, records)
	switch {
	case err == nil:
		batchesTotal.WithLabelValues("accepted").Inc()
		return AddScoresResult{Result: true, Stamp: stamp, Scored: scoring.Fingerprints(records)}

	case isDomainFailure(err):
		batchesTotal.WithLabelValues("rejected").Inc()
		s.log.Error().Err(err).Int64("stamp", stamp).Int("scores", len(records)).Msg("failed storing scores")
		return AddScoresResult{Result: false, Stamp: stamp, Scored: scoring.Fingerprints(records)}

	default:
		batchesTotal.WithLabelValues("error").Inc()
		s.log.Error().Err(err).Int64("stamp", stamp).Msg("exception while adding scores")
		return AddScoresResult{Result: false, Stamp: stamp, Scored: []string{}}
	}
}

// CompleteRound marks the round complete on the ledger once every batch has
// reported. A nil batch is a batch whose job failed for good.
func (s *Service) CompleteRound(ctx context.Context, stamp int64, total int, batches []*AddScoresResult) bool {
	var processed, failed []string
	for _, b := range batches {
		if b == nil {
			continue
		}
		if b.Result {
			processed = append(processed, b.Scored...)
		} else {
			failed = append(failed, b.Scored...)
		}
	}

	s.update(ctx, stamp, func(r *models.Round) {
		r.State = models.RoundCompleting
		r.Processed = len(processed)
		r.Failed = len(failed)
	})

	switch {
	case len(processed) < total:
		s.log.Warn().
			Int64("stamp", stamp).
			Int("processed", len(processed)).
			Int("failed", len(failed)).
			Int("total", total).
			Msg("processed less scores than the total found")
	case len(processed) == 0:
		s.log.Warn().Int64("stamp", stamp).Msg("no scores found to process")
	default:
		s.log.Info().Int64("stamp", stamp).Int("processed", len(processed)).Msg("processed scores")
	}

	if len(processed) == 0 {
		s.abort(ctx, stamp, "no scores processed")
		return false
	}

	if err := s.deps.Gateway.MarkComplete(ctx, stamp); err != nil {
		s.log.Error().Err(err).Int64("stamp", stamp).Msg("failed completing round")
		s.abort(ctx, stamp, "complete-round failed: "+err.Error())
		return false
	}

	roundsTotal.WithLabelValues(models.RoundCompleting).Inc()
	s.update(ctx, stamp, func(r *models.Round) { r.State = models.RoundPersisting })
	return true
}

// PersistRound archives the ledger's last snapshot if it belongs to the
// round at stamp.
func (s *Service) PersistRound(ctx context.Context, stamp int64) bool {
	if round, err := s.deps.Rounds.Get(ctx, stamp); err == nil && round != nil && round.State == models.RoundPersisted {
		s.log.Info().Int64("stamp", stamp).Str("tx", round.SummaryTx).Msg("distribution summary already stored")
		return true
	}

	snapshot, err := s.deps.Gateway.LastSnapshot(ctx)
	if err != nil {
		s.log.Error().Err(err).Int64("stamp", stamp).Msg("failed fetching last snapshot")
		s.abort(ctx, stamp, "snapshot unavailable")
		return false
	}
	if snapshot == nil {
		s.log.Error().Int64("stamp", stamp).Msg("last snapshot not found")
		s.abort(ctx, stamp, "snapshot not found")
		return false
	}
	if snapshot.Timestamp != stamp {
		s.log.Warn().
			Int64("stamp", stamp).
			Int64("snapshot", snapshot.Timestamp).
			Msg("different stamp returned for previous round, skipping persistence")
		s.abort(ctx, stamp, "snapshot stamp mismatch")
		return false
	}

	if !s.cfg.Live {
		s.log.Warn().Int64("stamp", stamp).Msg("NOT LIVE: not storing distribution/summary")
		s.skip(ctx, stamp, "archival disabled")
		return false
	}

	payload := []byte(snapshot.Raw)
	if len(payload) == 0 {
		s.log.Error().Int64("stamp", stamp).Msg("snapshot has no payload")
		s.abort(ctx, stamp, "empty snapshot")
		return false
	}

	tx, err := s.deps.Publisher.Upload(ctx, payload, archive.SummaryTags(snapshot))
	if err != nil {
		s.log.Error().Err(err).Int64("stamp", stamp).Msg("exception persisting round")
		s.abort(ctx, stamp, "archive upload failed")
		return false
	}

	roundsTotal.WithLabelValues(models.RoundPersisted).Inc()
	s.update(ctx, stamp, func(r *models.Round) {
		r.State = models.RoundPersisted
		r.Period = snapshot.Period
		r.SummaryTx = tx
		r.AbortReason = ""
	})
	s.log.Info().Int64("stamp", stamp).Str("tx", tx).Msg("permanently stored distribution/summary")
	return true
}

func (s *Service) abort(ctx context.Context, stamp int64, reason string) {
	roundsTotal.WithLabelValues(models.RoundAborted).Inc()
	s.update(ctx, stamp, func(r *models.Round) {
		r.State = models.RoundAborted
		r.AbortReason = reason
	})
}

// skip ends a round that was not meant to be archived, apart from failures.
func (s *Service) skip(ctx context.Context, stamp int64, reason string) {
	roundsTotal.WithLabelValues(models.RoundSkipped).Inc()
	s.update(ctx, stamp, func(r *models.Round) {
		r.State = models.RoundSkipped
		r.AbortReason = reason
	})
}

// update applies fn to the round record. The round log is informative, so
// failures are only logged.
func (s *Service) update(ctx context.Context, stamp int64, fn func(r *models.Round)) {
	round, err := s.deps.Rounds.Get(ctx, stamp)
	if err != nil {
		s.log.Warn().Err(err).Int64("stamp", stamp).Msg("failed loading round")
		return
	}
	if round == nil {
		round = &models.Round{Stamp: stamp, CreatedAt: time.Now()}
	}
	if round.Terminal() {
		return
	}
	fn(round)
	round.UpdatedAt = time.Now()

	if err := s.deps.Rounds.Save(ctx, round); err != nil {
		s.log.Warn().Err(err).Int64("stamp", stamp).Msg("failed saving round")
		return
	}
	if s.deps.Observer != nil {
		s.deps.Observer.RoundUpdated(*round)
	}
}
