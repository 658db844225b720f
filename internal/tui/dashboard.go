package tui

import (
	"relay-distribution/internal/models"
	"relay-distribution/internal/scoring"

	tea "github.com/charmbracelet/bubbletea"
)

// Dashboard feeds round events to a running TUI. Events are dropped when
// the UI falls behind.
type Dashboard struct {
	updates chan tea.Msg
}

func NewDashboard(buffer int) *Dashboard {
	return &Dashboard{updates: make(chan tea.Msg, buffer)}
}

// Updates is the channel to pass to Run.
func (d *Dashboard) Updates() <-chan tea.Msg {
	return d.updates
}

// Close ends the TUI once pending updates are drained.
func (d *Dashboard) Close() {
	close(d.updates)
}

func (d *Dashboard) send(msg tea.Msg) {
	select {
	case d.updates <- msg:
	default:
	}
}

func (d *Dashboard) RoundUpdated(r models.Round) {
	d.send(RoundMsg{Round: RoundInfo{
		Stamp:       r.Stamp,
		State:       r.State,
		Total:       r.Total,
		Batches:     r.Batches,
		Processed:   r.Processed,
		Failed:      r.Failed,
		AbortReason: r.AbortReason,
		SummaryTx:   r.SummaryTx,
		UpdatedAt:   r.UpdatedAt,
	}})
}

func (d *Dashboard) ScoresComputed(stamp int64, records []scoring.ScoreRecord) {
	rows := make([]ScoreRow, len(records))
	for i, r := range records {
		rows[i] = ScoreRow{
			Fingerprint:  r.Fingerprint,
			Network:      r.Network,
			FamilySize:   r.FamilySize,
			LocationSize: r.LocationSize,
			UptimeStreak: r.UptimeStreak,
			IsHardware:   r.IsHardware,
			ExitBonus:    r.ExitBonus,
		}
	}
	d.send(ScoresMsg{Stamp: stamp, Scores: rows})
}

func (d *Dashboard) ScheduleUpdated(info ScheduleInfo) {
	d.send(ScheduleMsg{Schedule: info})
}
