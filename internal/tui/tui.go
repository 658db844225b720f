package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

func padToWidth(s string, width int) string {
	current := runewidth.StringWidth(s)
	if current >= width {
		return s
	}
	return s + strings.Repeat(" ", width-current)
}

// truncateToWidth cuts s to at most width display cells, marking the cut.
func truncateToWidth(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

func separatorLine(width int) string {
	if width < 2 {
		return strings.Repeat("─", width)
	}
	return "├" + strings.Repeat("─", width-2) + "┤"
}

func formatInfoLine(text string, width int) string {
	if width < 2 {
		return padToWidth(text, width)
	}
	return "│" + padToWidth(truncateToWidth(text, width-2), width-2) + "│"
}

// RoundInfo is the dashboard view of the current round
type RoundInfo struct {
	Stamp       int64
	State       string
	Total       int
	Batches     int
	Processed   int
	Failed      int
	AbortReason string
	SummaryTx   string
	UpdatedAt   time.Time
}

// ScoreRow is one relay of the last computed round
type ScoreRow struct {
	Fingerprint  string
	Network      int64
	FamilySize   int
	LocationSize int
	UptimeStreak int
	IsHardware   bool
	ExitBonus    bool
}

// ScheduleInfo describes the scheduler state
type ScheduleInfo struct {
	Leader    bool
	Live      bool
	LastRunAt time.Time
	NextCheck time.Time
}

// RoundMsg is sent when the round state changes
type RoundMsg struct {
	Round RoundInfo
}

// ScoresMsg is sent when a round's scores were computed
type ScoresMsg struct {
	Stamp  int64
	Scores []ScoreRow
}

// ScheduleMsg is sent when the scheduler re-armed
type ScheduleMsg struct {
	Schedule ScheduleInfo
}

type tickMsg time.Time

// Model holds the TUI state
type Model struct {
	round       RoundInfo
	scoresStamp int64
	scores      []ScoreRow
	schedule    ScheduleInfo
	now         time.Time
	width       int
	height      int
}

// NewModel creates a new TUI model
func NewModel() Model {
	return Model{scores: []ScoreRow{}}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init starts the countdown clock
func (m Model) Init() tea.Cmd {
	return tick()
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		return m, tick()

	case RoundMsg:
		// updates of an older round never replace the current one
		if msg.Round.Stamp >= m.round.Stamp {
			m.round = msg.Round
		}
		return m, nil

	case ScoresMsg:
		scores := append([]ScoreRow(nil), msg.Scores...)
		sort.SliceStable(scores, func(i, j int) bool { return scores[i].Network > scores[j].Network })
		m.scoresStamp = msg.Stamp
		m.scores = scores
		return m, nil

	case ScheduleMsg:
		m.schedule = msg.Schedule
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}

	return m, nil
}

// View renders the UI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), m.renderScores())
}

func formatStamp(ms int64) string {
	if ms == 0 {
		return "N/A"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}

func (m Model) countdown() string {
	if m.schedule.NextCheck.IsZero() {
		return "N/A"
	}
	now := m.now
	if now.IsZero() {
		now = time.Now()
	}
	left := m.schedule.NextCheck.Sub(now).Truncate(time.Second)
	if left < 0 {
		left = 0
	}
	return left.String()
}

func progressBar(done, total, width int) string {
	if width < 3 {
		return ""
	}
	inner := width - 2
	filled := 0
	if total > 0 {
		filled = done * inner / total
		if filled > inner {
			filled = inner
		}
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", inner-filled) + "]"
}

// renderHeader renders the round, schedule and progress columns
func (m Model) renderHeader() string {
	colWidth := (m.width - 4) / 3
	rightColWidth := m.width - colWidth*2 - 4
	if colWidth < 4 || rightColWidth < 4 {
		return formatInfoLine(fmt.Sprintf("round %d %s", m.round.Stamp, m.round.State), m.width)
	}

	state := m.round.State
	if state == "" {
		state = "idle"
	}
	leftLines := []string{
		fmt.Sprintf("round: %d", m.round.Stamp),
		fmt.Sprintf("started: %s", formatStamp(m.round.Stamp)),
		fmt.Sprintf("state: %s", state),
	}
	if m.round.AbortReason != "" {
		leftLines = append(leftLines, fmt.Sprintf("reason: %s", m.round.AbortReason))
	} else if m.round.SummaryTx != "" {
		leftLines = append(leftLines, fmt.Sprintf("summary: %s", m.round.SummaryTx))
	}

	role := "follower"
	if m.schedule.Leader {
		role = "leader"
	}
	mode := "dry run"
	if m.schedule.Live {
		mode = "live"
	}
	lastRun := "N/A"
	if !m.schedule.LastRunAt.IsZero() {
		lastRun = m.schedule.LastRunAt.UTC().Format("15:04:05")
	}
	middleLines := []string{
		fmt.Sprintf("role: %s (%s)", role, mode),
		fmt.Sprintf("last run: %s", lastRun),
		fmt.Sprintf("next check in: %s", m.countdown()),
	}

	rightLines := []string{
		fmt.Sprintf("scores: %d in %d batches", m.round.Total, m.round.Batches),
		fmt.Sprintf("processed: %d failed: %d", m.round.Processed, m.round.Failed),
		progressBar(m.round.Processed, m.round.Total, rightColWidth-2),
	}

	maxLines := len(leftLines)
	if len(middleLines) > maxLines {
		maxLines = len(middleLines)
	}
	if len(rightLines) > maxLines {
		maxLines = len(rightLines)
	}

	cell := func(lines []string, i, width int) string {
		s := ""
		if i < len(lines) {
			s = lines[i]
		}
		return padToWidth(truncateToWidth(s, width-2), width-2)
	}

	var rows []string
	for i := 0; i < maxLines; i++ {
		rows = append(rows, fmt.Sprintf("│ %s │ %s │ %s │",
			cell(leftLines, i, colWidth),
			cell(middleLines, i, colWidth),
			cell(rightLines, i, rightColWidth)))
	}

	topBorder := fmt.Sprintf("┌%s┬%s┬%s┐",
		strings.Repeat("─", colWidth),
		strings.Repeat("─", colWidth),
		strings.Repeat("─", rightColWidth))
	separator := fmt.Sprintf("├%s┴%s┴%s┤",
		strings.Repeat("─", colWidth),
		strings.Repeat("─", colWidth),
		strings.Repeat("─", rightColWidth))

	return topBorder + "\n" + strings.Join(rows, "\n") + "\n" + separator
}

func flag(on bool, symbol string) string {
	if on {
		return symbol
	}
	return "-"
}

// renderScores renders the last round's scores, heaviest relays first
func (m Model) renderScores() string {
	if len(m.scores) == 0 {
		return ""
	}

	availableHeight := m.height - 8
	if availableHeight <= 2 {
		return ""
	}

	cols := 3
	borderWidth := runewidth.StringWidth("│") * 2
	colWidth := (m.width - borderWidth - (cols - 1)) / cols
	if colWidth < 24 {
		cols = 1
		colWidth = m.width - borderWidth
	}

	maxRows := availableHeight - 2
	rows := (len(m.scores) + cols - 1) / cols
	if rows > maxRows {
		rows = maxRows
	}

	var lines []string
	for row := 0; row < rows; row++ {
		cells := make([]string, 0, cols)
		for col := 0; col < cols; col++ {
			idx := row*cols + col
			if idx >= len(m.scores) {
				cells = append(cells, strings.Repeat(" ", colWidth))
				continue
			}
			s := m.scores[idx]
			text := fmt.Sprintf("%3d %s %s %8d f%d l%d u%d %s",
				idx+1,
				flag(s.IsHardware, "H"),
				flag(s.ExitBonus, "E"),
				s.Network,
				s.FamilySize,
				s.LocationSize,
				s.UptimeStreak,
				s.Fingerprint)
			cells = append(cells, padToWidth(truncateToWidth(text, colWidth), colWidth))
		}
		lines = append(lines, formatInfoLine(strings.Join(cells, "│"), m.width))
	}

	bottomBorder := "└" + strings.Repeat("─", m.width-2) + "┘"
	legend := fmt.Sprintf("%d scores of round %d: #, Hardware, Exit, Network, Family, Location, Uptime, Fingerprint",
		len(m.scores), m.scoresStamp)

	return strings.Join(lines, "\n") + "\n" + separatorLine(m.width) + "\n" + formatInfoLine(legend, m.width) + "\n" + bottomBorder
}

// Run starts the TUI program. It returns when the user quits or updateCh is
// closed.
func Run(updateCh <-chan tea.Msg) error {
	p := tea.NewProgram(NewModel(), tea.WithAltScreen())

	go func() {
		for msg := range updateCh {
			p.Send(msg)
		}
		p.Quit()
	}()

	_, err := p.Run()
	return err
}
