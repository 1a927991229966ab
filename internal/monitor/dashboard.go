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

	"github.com/fyrsmithlabs/codeharvest/internal/events"
	"github.com/fyrsmithlabs/codeharvest/internal/harvest"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	recentShown     = 5
	repoWidth       = 40
)

// Model is the bubbletea dashboard over run snapshots.
type Model struct {
	source     Source
	interval   time.Duration
	lastUpdate time.Time
	snap       harvest.Snapshot
	err        error
	quitting   bool

	// Previous sample, for rates.
	prevDone  int
	prevBytes int64
	prevAt    time.Time

	repoRate     float64
	byteRate     float64
	repoHistory  []float64
	bytesHistory []float64

	overall progress.Model
	shard   progress.Model
}

// Styles (k9s-like palette).
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

// NewModel creates a dashboard polling source every interval.
func NewModel(source Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	return Model{
		source:       source,
		interval:     interval,
		repoHistory:  make([]float64, 0, historySize),
		bytesHistory: make([]float64, 0, historySize),
		overall: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
		shard: progress.New(
			progress.WithSolidFill("#00afff"),
			progress.WithWidth(20),
			progress.WithoutPercentage(),
		),
	}
}

func workerBadge(state harvest.WorkerState) string {
	switch state {
	case harvest.WorkerRunning:
		return healthyStyle.Render("[▶]")
	case harvest.WorkerFinished:
		return dimStyle.Render("[✓]")
	case harvest.WorkerFailed:
		return errorStyle.Render("[✗]")
	default:
		return dimStyle.Render("[ ]")
	}
}

func runBadge(s harvest.Snapshot) string {
	switch {
	case s.FinishedAt != nil && s.Done < s.Total:
		return warningStyle.Render("⚠ STOPPED")
	case s.FinishedAt != nil:
		return healthyStyle.Render("✓ DONE")
	case s.RunID == "":
		return dimStyle.Render("… WAITING")
	default:
		return healthyStyle.Render("▶ RUNNING")
	}
}

func eventBadge(status events.Status) string {
	switch status {
	case events.StatusFetched:
		return healthyStyle.Render("✓")
	case events.StatusFetchFailed:
		return errorStyle.Render("✗")
	default:
		return warningStyle.Render("⚠")
	}
}

// appendToHistory appends a value, keeping at most historySize points.
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

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

type tickMsg time.Time

type snapshotMsg struct {
	snap harvest.Snapshot
	at   time.Time
}

type errMsg struct{ err error }

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(m.interval), fetchSnapshot(m.source))
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSnapshot(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		snap, err := source.Fetch(ctx)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{snap: snap, at: time.Now()}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.source)
		}

	case tickMsg:
		return m, tea.Batch(tick(m.interval), fetchSnapshot(m.source))

	case snapshotMsg:
		m.observe(msg.snap, msg.at)
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

// observe records a snapshot and derives per-minute rates from the previous
// sample of the same run.
func (m *Model) observe(snap harvest.Snapshot, at time.Time) {
	if !m.prevAt.IsZero() && snap.RunID == m.snap.RunID {
		if elapsed := at.Sub(m.prevAt).Minutes(); elapsed > 0 {
			m.repoRate = float64(snap.Done-m.prevDone) / elapsed
			m.byteRate = float64(snap.BytesArchived-m.prevBytes) / elapsed
			m.repoHistory = appendToHistory(m.repoHistory, m.repoRate)
			m.bytesHistory = appendToHistory(m.bytesHistory, m.byteRate)
		}
	}
	m.prevDone = snap.Done
	m.prevBytes = snap.BytesArchived
	m.prevAt = at

	m.snap = snap
	m.lastUpdate = at
	m.err = nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" codeharvest Monitor ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot read run status") + "\n\n")
	b.WriteString(dimStyle.Render("Source: ") + valueStyle.Render(m.source.Describe()) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Start the run with --serve to expose /status.") + "\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry"))
	return containerStyle.Render(b.String())
}

func (m Model) renderDashboard() string {
	s := m.snap
	var b strings.Builder

	lastUpdate := "never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("15:04:05")
	}
	elapsed := time.Duration(0)
	if !s.StartedAt.IsZero() {
		end := m.lastUpdate
		if s.FinishedAt != nil {
			end = *s.FinishedAt
		}
		elapsed = end.Sub(s.StartedAt)
	}

	b.WriteString(headerStyle.Render(" codeharvest Monitor ") + "\n")
	fmt.Fprintf(&b, "%s   %s %s   %s %s   %s\n",
		runBadge(s),
		dimStyle.Render("Run:"), valueStyle.Render(Truncate(s.RunID, 8)),
		dimStyle.Render("Elapsed:"), valueStyle.Render(FormatDuration(elapsed)),
		dimStyle.Render(lastUpdate))

	b.WriteString("\n" + sectionStyle.Render("┃ Repositories") + "\n")
	b.WriteString(labelStyle.Render("  Progress: ") + m.overall.ViewAs(s.Progress()) + " " +
		dimStyle.Render(fmt.Sprintf("%d/%d", s.Done, s.Total)) + "\n")
	fmt.Fprintf(&b, "%s%s  %s%s  %s%s\n",
		labelStyle.Render("  Fetched: "), valueStyle.Render(fmt.Sprint(s.Fetched)),
		labelStyle.Render("Failed: "), valueStyle.Render(fmt.Sprint(s.FetchFailed)),
		labelStyle.Render("Interrupted: "), valueStyle.Render(fmt.Sprint(s.Interrupted)))
	b.WriteString(labelStyle.Render("  Rate: ") + valueStyle.Render(FormatRate(m.repoRate, "repos")) +
		"   " + createSparkline(m.repoHistory) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Files") + "\n")
	acceptRatio := 0.0
	if s.FilesSeen > 0 {
		acceptRatio = float64(s.FilesAccepted) / float64(s.FilesSeen)
	}
	fmt.Fprintf(&b, "%s%s  %s%s %s\n",
		labelStyle.Render("  Seen: "), valueStyle.Render(fmt.Sprint(s.FilesSeen)),
		labelStyle.Render("Accepted: "), valueStyle.Render(fmt.Sprint(s.FilesAccepted)),
		dimStyle.Render("("+FormatPercentage(acceptRatio)+")"))
	fmt.Fprintf(&b, "%s%s  %s%s\n",
		labelStyle.Render("  Archived: "), valueStyle.Render(FormatBytes(s.BytesArchived)),
		labelStyle.Render("Commits: "), valueStyle.Render(fmt.Sprint(s.Commits)))
	b.WriteString(labelStyle.Render("  Throughput: ") + valueStyle.Render(FormatBytes(int64(m.byteRate))+"/min") +
		"   " + createSparkline(m.bytesHistory) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Workers") + "\n")
	for _, w := range s.Workers {
		ratio := 0.0
		if w.Assigned > 0 {
			ratio = float64(w.Done) / float64(w.Assigned)
		}
		current := w.Current
		if w.Error != "" {
			current = errorStyle.Render(Truncate(w.Error, repoWidth))
		} else {
			current = dimStyle.Render(Truncate(current, repoWidth))
		}
		fmt.Fprintf(&b, "  %s %s %s %s %s\n",
			workerBadge(w.State),
			labelStyle.Render(harvest.ShardName(w.Shard)),
			m.shard.ViewAs(ratio),
			valueStyle.Render(fmt.Sprintf("%d/%d", w.Done, w.Assigned)),
			current)
	}

	if len(s.Recent) > 0 {
		b.WriteString("\n" + sectionStyle.Render("┃ Recent") + "\n")
		for i, ev := range s.Recent {
			if i == recentShown {
				break
			}
			fmt.Fprintf(&b, "  %s %s %s\n",
				eventBadge(ev.Status),
				valueStyle.Render(Truncate(ev.Repo, repoWidth)),
				dimStyle.Render(fmt.Sprintf("%d/%d files, %s", ev.FilesAccepted, ev.FilesSeen, FormatBytes(ev.Bytes))))
		}
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}
