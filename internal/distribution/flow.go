package distribution

import (
	"relay-distribution/internal/ao"
	"relay-distribution/internal/jobs"
	"relay-distribution/internal/ledger"
	"relay-distribution/internal/scoring"

	"golang.org/x/xerrors"
)

// Flow builds the job graph of the round at stamp, one add-scores job per
// group.
func Flow(stamp int64, total int, groups [][]scoring.ScoreRecord) *jobs.FlowJob {
	children := make([]*jobs.FlowJob, 0, len(groups))
	for _, scores := range groups {
		children = append(children, &jobs.FlowJob{
			Name: JobAddScores,
			Data: AddScoresData{Stamp: stamp, Scores: scores},
		})
	}

	return &jobs.FlowJob{
		Name: JobPersistLastRound,
		Data: PersistRoundData{Stamp: stamp},
		Children: []*jobs.FlowJob{{
			Name:     JobCompleteRound,
			Data:     CompleteRoundData{Stamp: stamp, Total: total},
			Children: children,
		}},
	}
}

// isDomainFailure tells a ledger answer apart from an unreachable ledger.
func isDomainFailure(err error) bool {
	return xerrors.Is(err, ao.ErrRejected) || xerrors.Is(err, ledger.ErrNotLive)
}
