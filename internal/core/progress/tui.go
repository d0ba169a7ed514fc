package progress

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	infoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	doneStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// model is the Bubble Tea model driving the download's live progress view.
// It reads Tracker snapshots rather than polling a download state directly,
// since a single download may move through several pipeline stages.
type model struct {
	bar     progress.Model
	spinner spinner.Model
	label   string
	tracker *Tracker
	done    bool
	err     error
}

// NewModel returns a tea.Model that renders tracker's live state for label
// (typically the download's filename or id) until Done is called.
func NewModel(label string, tracker *Tracker) tea.Model {
	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(50))
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return model{bar: bar, spinner: s, label: label, tracker: tracker}
}

// doneMsg finishes the TUI loop, successfully or with err.
type doneMsg struct{ err error }

// Done sends program the terminal message it needs to return. Callers
// drive the pipeline in a goroutine and call this from a completion hook.
func Done(program *tea.Program, err error) {
	program.Send(doneMsg{err: err})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd

	case tickMsg:
		if m.done {
			return m, tea.Quit
		}
		snap := m.tracker.Snapshot()
		var cmds []tea.Cmd
		cmds = append(cmds, tickCmd())
		if snap.Total > 0 {
			cmds = append(cmds, m.bar.SetPercent(snap.Percentage()/100))
		}
		return m, tea.Batch(cmds...)

	case doneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m model) View() string {
	snap := m.tracker.Snapshot()

	if m.err != nil {
		return fmt.Sprintf("\n  %s failed: %v\n\n", errStyle.Render("✗"), m.err)
	}
	if m.done {
		return fmt.Sprintf("\n  %s %s (%s)\n\n", doneStyle.Render("✓"), m.label, formatBytes(snap.Downloaded))
	}

	s := "\n"
	s += fmt.Sprintf("  %s %s: %s\n\n", m.spinner.View(), infoStyle.Render(m.label), snap.Stage)
	s += fmt.Sprintf("  %s\n\n", m.bar.View())
	if snap.Total > 0 {
		s += fmt.Sprintf("  %.1f%%  |  %s/%s  |  %s/s\n",
			snap.Percentage(), formatBytes(snap.Downloaded), formatBytes(snap.Total), formatBytes(int64(snap.Speed)))
	} else {
		s += fmt.Sprintf("  %s  |  %s/s\n", formatBytes(snap.Downloaded), formatBytes(int64(snap.Speed)))
	}
	s += "\n" + helpStyle.Render("  Press q to cancel") + "\n"
	return s
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
