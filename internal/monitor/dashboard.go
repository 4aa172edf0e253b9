// Package monitor renders a live terminal board of a checklistd session.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/checklistd/internal/broadcast"
	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/client"
	"github.com/fyrsmithlabs/checklistd/internal/engine"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	recentDecisions = 5
	fetchTimeout    = 5 * time.Second
)

// Source is the part of the control API the board reads and drives.
type Source interface {
	Snapshot(ctx context.Context) (engine.Snapshot, error)
	Decisions(ctx context.Context) ([]broadcast.Update, error)
	SetEvaluation(ctx context.Context, enabled bool) (engine.Snapshot, error)
	RunCycle(ctx context.Context) (engine.CycleReport, error)
}

// Model represents the BubbleTea board model
type Model struct {
	source     Source
	address    string
	interval   time.Duration
	lastUpdate time.Time
	snap       engine.Snapshot
	hasSession bool
	decisions  []broadcast.Update
	history    []float64
	err        error
	quitting   bool

	overall progress.Model
	stage   progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	currentSectionStyle = sectionStyle.
				Foreground(lipgloss.Color("226"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a board polling source every interval. address is shown
// in the header and error view.
func NewModel(source Source, address string, interval time.Duration) Model {
	return Model{
		source:   source,
		address:  address,
		interval: interval,
		history:  make([]float64, 0, historySize),
		overall: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
		stage: newStageBar(),
	}
}

func newStageBar() progress.Model {
	return progress.New(
		progress.WithGradient("#ffff00", "#00ff00"),
		progress.WithWidth(24),
		progress.WithoutPercentage(),
	)
}

// NewProgram wraps the board in a full-screen program.
func NewProgram(source Source, address string, interval time.Duration) *tea.Program {
	return tea.NewProgram(NewModel(source, address, interval), tea.WithAltScreen())
}

// Message types
type tickMsg time.Time
type snapshotMsg struct {
	snap      engine.Snapshot
	decisions []broadcast.Update
}
type noSessionMsg struct{}
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetch(m.source),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch reads the session snapshot and its recent rejections.
func fetch(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		snap, err := source.Snapshot(ctx)
		if client.IsNotFound(err) {
			return noSessionMsg{}
		}
		if err != nil {
			return errMsg(err)
		}
		decisions, err := source.Decisions(ctx)
		if err != nil && !client.IsNotFound(err) {
			return errMsg(err)
		}
		return snapshotMsg{snap: snap, decisions: decisions}
	}
}

// setEvaluation flips automatic evaluation and refreshes.
func setEvaluation(source Source, enabled bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		if _, err := source.SetEvaluation(ctx, enabled); err != nil {
			return errMsg(err)
		}
		return fetch(source)()
	}
}

// runCycle forces one evaluation cycle and refreshes.
func runCycle(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		if _, err := source.RunCycle(ctx); err != nil {
			return errMsg(err)
		}
		return fetch(source)()
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.source)
		case "e":
			if m.hasSession && !m.snap.Ended {
				return m, setEvaluation(m.source, !m.snap.Enabled)
			}
		case "c":
			if m.hasSession && !m.snap.Ended {
				return m, runCycle(m.source)
			}
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetch(m.source),
		)

	case snapshotMsg:
		// A new session restarts the completion history.
		if m.snap.SessionID != msg.snap.SessionID {
			m.history = m.history[:0]
		}
		m.snap = msg.snap
		m.decisions = msg.decisions
		m.hasSession = true
		m.history = appendToHistory(m.history, Ratio(msg.snap.Completed, msg.snap.Total))
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case noSessionMsg:
		m.hasSession = false
		m.snap = engine.Snapshot{}
		m.decisions = nil
		m.history = m.history[:0]
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the board
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderBoard()
}

// renderError renders the error view
func (m Model) renderError() string {
	header := headerStyle.Render("checklistd Board")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot reach checklistd") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.address) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

// statusBadge summarizes whether the session is evaluating.
func statusBadge(snap engine.Snapshot) string {
	switch {
	case snap.Ended:
		return errorStyle.Render("■ ENDED")
	case !snap.Enabled:
		return warningStyle.Render("⏸ PAUSED")
	case snap.ActiveStage == "":
		return warningStyle.Render("⚠ NO STAGE")
	default:
		return healthyStyle.Render("● LIVE")
	}
}

// timingBadge colors a stage's timing status.
func timingBadge(status checklist.TimingStatus) string {
	label := FormatTiming(status)
	switch status {
	case checklist.TimingOnTime:
		return healthyStyle.Render(label)
	case checklist.TimingSlightlyLate:
		return warningStyle.Render(label)
	case checklist.TimingVeryLate:
		return errorStyle.Render(label)
	default:
		return dimStyle.Render(label)
	}
}

// renderBoard renders the main board view
func (m Model) renderBoard() string {
	var b strings.Builder

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}

	b.WriteString(headerStyle.Render(" checklistd Board ") + "\n")

	if !m.hasSession {
		b.WriteString(dimStyle.Render("No session running on "+m.address) + "   " + dimStyle.Render(lastUpdateStr) + "\n")
		b.WriteString("\n" + dimStyle.Render("Start one with: checkctl start") + "\n")
		b.WriteString("\n" + m.footer())
		return containerStyle.Render(b.String())
	}

	snap := m.snap
	fmt.Fprintf(&b, "%s   %s %s   %s %s   %s\n",
		statusBadge(snap),
		dimStyle.Render("Session:"), valueStyle.Render(Truncate(snap.SessionID, 8)),
		dimStyle.Render("Elapsed:"), valueStyle.Render(FormatElapsed(snap.ElapsedSeconds)),
		dimStyle.Render(lastUpdateStr))

	scheduled := snap.ScheduledStage
	if scheduled == "" {
		scheduled = "-"
	}
	active := snap.ActiveStage
	if active == "" {
		active = "-"
	}
	suggested := snap.SuggestedStage
	if suggested == "" {
		suggested = "-"
	}
	b.WriteString(labelStyle.Render("Active: ") + valueStyle.Render(active) +
		labelStyle.Render("   Scheduled: ") + valueStyle.Render(scheduled) +
		labelStyle.Render("   Suggested: ") + valueStyle.Render(suggested) +
		labelStyle.Render("   Window: ") + valueStyle.Render(fmt.Sprintf("%d words", snap.WindowWords)) + "\n")

	ratio := Ratio(snap.Completed, snap.Total)
	b.WriteString("\n" + sectionStyle.Render("┃ Progress") + "\n")
	b.WriteString(labelStyle.Render("  Items: ") +
		m.overall.ViewAs(ratio) + " " +
		dimStyle.Render(fmt.Sprintf("%d/%d", snap.Completed, snap.Total)) + "\n")
	b.WriteString(labelStyle.Render("  Trend: ") + createSparkline(m.history) + "\n")

	for _, st := range snap.Stages {
		b.WriteString(m.renderStage(st))
	}

	b.WriteString(renderCard(snap.ClientCard))

	if len(m.decisions) > 0 {
		b.WriteString("\n" + sectionStyle.Render("┃ Recent rejections") + "\n")
		start := max(0, len(m.decisions)-recentDecisions)
		for _, d := range m.decisions[start:] {
			fmt.Fprintf(&b, "  %s %s %s\n",
				dimStyle.Render(d.At.Format("15:04:05")),
				valueStyle.Render(d.ItemID),
				warningStyle.Render(d.Label))
		}
	}

	b.WriteString("\n" + m.footer())
	return containerStyle.Render(b.String())
}

// renderCard lists the client card; unfilled fields are dimmed.
func renderCard(card []engine.CardFieldSnapshot) string {
	if len(card) == 0 {
		return ""
	}
	var b strings.Builder
	filled := 0
	for _, f := range card {
		if f.Filled() {
			filled++
		}
	}
	b.WriteString("\n" + sectionStyle.Render(fmt.Sprintf("┃ Client card (%d/%d)", filled, len(card))) + "\n")
	for _, f := range card {
		if !f.Filled() {
			b.WriteString("  " + dimStyle.Render(fmt.Sprintf("%-20s -", f.Label)) + "\n")
			continue
		}
		b.WriteString("  " + labelStyle.Render(fmt.Sprintf("%-20s ", f.Label)) + valueStyle.Render(Truncate(f.Value, 40)) + "\n")
	}
	return b.String()
}

func (m Model) renderStage(st engine.StageSnapshot) string {
	var b strings.Builder

	title := fmt.Sprintf("┃ %s (%d/%d)", st.Name, st.Completed, st.Total)
	if st.Name == "" {
		title = fmt.Sprintf("┃ %s (%d/%d)", st.ID, st.Completed, st.Total)
	}
	style := sectionStyle
	if st.IsCurrent {
		style = currentSectionStyle
		title += " ◀"
	}
	b.WriteString("\n" + style.Render(title) + "  " + timingBadge(st.Timing) + "\n")
	b.WriteString("  " + m.stage.ViewAs(Ratio(st.Completed, st.Total)) + "\n")

	for _, it := range st.Items {
		mark := dimStyle.Render("[ ]")
		detail := dimStyle.Render(Truncate(it.Description, 40))
		if it.Completed {
			mark = healthyStyle.Render("[✓]")
			detail = dimStyle.Render(fmt.Sprintf("%s %q", it.Source, Truncate(it.Evidence, 40)))
		}
		fmt.Fprintf(&b, "  %s %s  %s\n", mark, valueStyle.Render(it.ID), detail)
	}
	return b.String()
}

func (m Model) footer() string {
	return footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerKeyStyle.Render("[e]") + footerStyle.Render(" evaluation  ") +
		footerKeyStyle.Render("[c]") + footerStyle.Render(" cycle  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
}

// Render returns a static board for snap, as printed by one-shot commands.
func Render(snap engine.Snapshot, decisions []broadcast.Update) string {
	m := NewModel(nil, "", 0)
	m.snap = snap
	m.decisions = decisions
	m.hasSession = true
	m.history = appendToHistory(m.history, Ratio(snap.Completed, snap.Total))
	return m.renderBoard()
}
