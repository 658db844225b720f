package tui

import (
	"strings"
	"testing"
	"time"

	"relay-distribution/internal/models"
	"relay-distribution/internal/scoring"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/require"
)

func sized(t *testing.T, width, height int) Model {
	t.Helper()
	m, _ := NewModel().Update(tea.WindowSizeMsg{Width: width, Height: height})
	return m.(Model)
}

func apply(m Model, msgs ...tea.Msg) Model {
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestView_LoadingUntilSized(t *testing.T) {
	require.Equal(t, "Loading...", NewModel().View())
}

func TestView_RoundHeader(t *testing.T) {
	m := apply(sized(t, 120, 30), RoundMsg{Round: RoundInfo{
		Stamp:     1_778_400_000_000,
		State:     models.RoundCompleting,
		Total:     900,
		Batches:   3,
		Processed: 840,
		Failed:    60,
	}})

	out := m.View()
	require.Contains(t, out, "round: 1778400000000")
	require.Contains(t, out, "state: completing")
	require.Contains(t, out, "scores: 900 in 3 batches")
	require.Contains(t, out, "processed: 840 failed: 60")

	for _, line := range strings.Split(out, "\n") {
		require.Equal(t, 120, runewidth.StringWidth(line), line)
	}
}

func TestUpdate_OlderRoundIgnored(t *testing.T) {
	m := apply(sized(t, 120, 30),
		RoundMsg{Round: RoundInfo{Stamp: 2, State: models.RoundScoring}},
		RoundMsg{Round: RoundInfo{Stamp: 1, State: models.RoundPersisted}},
	)
	require.Equal(t, int64(2), m.round.Stamp)
	require.Equal(t, models.RoundScoring, m.round.State)
}

func TestView_ScoresSortedByWeight(t *testing.T) {
	m := apply(sized(t, 120, 30), ScoresMsg{Stamp: 7, Scores: []ScoreRow{
		{Fingerprint: "LIGHT", Network: 10},
		{Fingerprint: "HEAVY", Network: 5000, IsHardware: true},
	}})

	require.Equal(t, "HEAVY", m.scores[0].Fingerprint)
	out := m.View()
	require.Contains(t, out, "2 scores of round 7")
	require.Less(t, strings.Index(out, "HEAVY"), strings.Index(out, "LIGHT"))
}

func TestView_Countdown(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	m := apply(sized(t, 120, 30),
		ScheduleMsg{Schedule: ScheduleInfo{Leader: true, Live: true, NextCheck: now.Add(90 * time.Second)}},
		tickMsg(now),
	)

	out := m.View()
	require.Contains(t, out, "role: leader (live)")
	require.Contains(t, out, "next check in: 1m30s")
}

func TestView_NarrowTerminal(t *testing.T) {
	m := apply(sized(t, 10, 5), RoundMsg{Round: RoundInfo{Stamp: 1, State: models.RoundScoring}})
	require.NotPanics(t, func() { _ = m.View() })
}

func TestProgressBar(t *testing.T) {
	require.Equal(t, "[#####.....]", progressBar(1, 2, 12))
	require.Equal(t, "[..........]", progressBar(0, 0, 12))
	require.Equal(t, "[##########]", progressBar(5, 2, 12))
	require.Equal(t, "", progressBar(1, 1, 2))
}

func TestDashboard_Events(t *testing.T) {
	d := NewDashboard(4)

	d.RoundUpdated(models.Round{Stamp: 3, State: models.RoundPersisted, SummaryTx: "tx"})
	d.ScoresComputed(3, []scoring.ScoreRecord{{Fingerprint: "A", Network: 9, ExitBonus: true}})
	d.ScheduleUpdated(ScheduleInfo{Leader: true})

	round := (<-d.Updates()).(RoundMsg)
	require.Equal(t, "tx", round.Round.SummaryTx)

	scores := (<-d.Updates()).(ScoresMsg)
	require.Equal(t, []ScoreRow{{Fingerprint: "A", Network: 9, ExitBonus: true}}, scores.Scores)

	schedule := (<-d.Updates()).(ScheduleMsg)
	require.True(t, schedule.Schedule.Leader)
}

func TestDashboard_DropsWhenFull(t *testing.T) {
	d := NewDashboard(1)
	d.RoundUpdated(models.Round{Stamp: 1})
	d.RoundUpdated(models.Round{Stamp: 2})
	d.Close()

	var got []tea.Msg
	for msg := range d.Updates() {
		got = append(got, msg)
	}
	require.Len(t, got, 1)
	require.Equal(t, int64(1), got[0].(RoundMsg).Round.Stamp)
}
