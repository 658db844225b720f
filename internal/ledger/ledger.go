// Package ledger is the settlement gateway: it submits round scores to the
// relay rewards process and reads back the settled snapshot.
package ledger

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"relay-distribution/internal/ao"
	"relay-distribution/internal/scoring"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

const (
	ActionAddScores     = "Add-Scores"
	ActionCompleteRound = "Complete-Round"
	ActionLastSnapshot  = "Last-Snapshot"
)

// ErrNotLive is returned by state changing calls when the process is not
// configured for live operation.
var ErrNotLive = xerrors.New("not live")

// Sender delivers a signed message and returns its id and result.
type Sender interface {
	Send(ctx context.Context, msg ao.Message) (string, ao.Result, error)
}

// Gateway talks to the relay rewards process.
type Gateway struct {
	sender  Sender
	process string
	live    bool
	log     zerolog.Logger
	now     func() time.Time
}

// NewGateway returns a gateway. Missing configuration is logged; calls then
// fail without reaching the network.
func NewGateway(sender Sender, process string, live bool, log zerolog.Logger) *Gateway {
	if process == "" {
		log.Error().Msg("missing relay rewards process id")
	}
	if sender == nil {
		log.Error().Msg("missing relay rewards controller key")
	}
	log.Info().Bool("live", live).Msg("initializing settlement gateway")
	return &Gateway{sender: sender, process: process, live: live, log: log, now: time.Now}
}

type scoreEntry struct {
	Address      string `json:"Address"`
	Network      int64  `json:"Network"`
	IsHardware   bool   `json:"IsHardware"`
	UptimeStreak int    `json:"UptimeStreak"`
	FamilySize   int    `json:"FamilySize"`
	LocationSize int    `json:"LocationSize"`
	ExitBonus    bool   `json:"ExitBonus"`
}

// SubmitScores sends one batch of scores for the round at stamp.
func (g *Gateway) SubmitScores(ctx context.Context, stamp int64, records []scoring.ScoreRecord) error {
	if !g.live {
		g.log.Warn().Int64("stamp", stamp).Int("scores", len(records)).Msg("NOT LIVE: not adding scores to distribution process")
		return ErrNotLive
	}

	scores := make(map[string]scoreEntry, len(records))
	for _, r := range records {
		scores[r.Fingerprint] = scoreEntry{
			Address:      r.Address,
			Network:      r.Network,
			IsHardware:   r.IsHardware,
			UptimeStreak: r.UptimeStreak,
			FamilySize:   r.FamilySize,
			LocationSize: r.LocationSize,
			ExitBonus:    r.ExitBonus,
		}
	}
	data, err := json.Marshal(struct {
		Scores map[string]scoreEntry `json:"Scores"`
	}{scores})
	if err != nil {
		return xerrors.Errorf("encode scores: %w", err)
	}

	id, err := g.send(ctx, ActionAddScores, stamp, string(data))
	if err != nil {
		return err
	}
	g.log.Info().Int64("stamp", stamp).Int("scores", len(records)).Str("message_id", id).Msg("Add-Scores")
	return nil
}

// MarkComplete closes the round at stamp on the ledger.
func (g *Gateway) MarkComplete(ctx context.Context, stamp int64) error {
	if !g.live {
		g.log.Warn().Int64("stamp", stamp).Msg("NOT LIVE: not sending the Complete-Round message")
		return ErrNotLive
	}

	id, err := g.send(ctx, ActionCompleteRound, stamp, "")
	if err != nil {
		return err
	}
	g.log.Info().Int64("stamp", stamp).Str("message_id", id).Msg("Complete-Round")
	return nil
}

// LastSnapshot returns the most recently settled round, or nil when the
// ledger has none yet.
func (g *Gateway) LastSnapshot(ctx context.Context) (*RoundSnapshot, error) {
	_, res, err := g.sendResult(ctx, ActionLastSnapshot, g.now().UnixMilli(), "")
	if err != nil {
		return nil, err
	}
	data, err := res.FirstData()
	if err != nil {
		return nil, xerrors.Errorf("Last-Snapshot: %w", err)
	}
	if data == "" || data == "null" || data == "[]" || data == "{}" {
		return nil, nil
	}

	snapshot, err := ParseSnapshot([]byte(data))
	if err != nil {
		return nil, xerrors.Errorf("decode snapshot: %w", err)
	}
	if snapshot.Timestamp == 0 {
		return nil, nil
	}
	return snapshot, nil
}

func (g *Gateway) send(ctx context.Context, action string, stamp int64, data string) (string, error) {
	id, _, err := g.sendResult(ctx, action, stamp, data)
	return id, err
}

func (g *Gateway) sendResult(ctx context.Context, action string, stamp int64, data string) (string, ao.Result, error) {
	if g.sender == nil {
		return "", ao.Result{}, xerrors.Errorf("%s: no controller key configured", action)
	}
	if g.process == "" {
		return "", ao.Result{}, xerrors.Errorf("%s: no process id configured", action)
	}

	return g.sender.Send(ctx, ao.Message{
		Process: g.process,
		Tags: []ao.Tag{
			{Name: "Action", Value: action},
			{Name: "Timestamp", Value: strconv.FormatInt(stamp, 10)},
		},
		Data: data,
	})
}
