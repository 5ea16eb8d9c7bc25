// Package ui renders transcode progress in the terminal.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jmylchreest/pitx/internal/transcoder"
	"github.com/jmylchreest/pitx/pkg/format"
)

var (
	accent  = lipgloss.Color("#E30B5C")
	dim     = lipgloss.Color("#8A8A8A")
	okColor = lipgloss.Color("#5FAF5F")
	bad     = lipgloss.Color("#D75F5F")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	labelStyle = lipgloss.NewStyle().Foreground(dim).Width(12)
	faintStyle = lipgloss.NewStyle().Faint(true)
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(okColor)
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(bad)
)

// Info describes the run shown in the header.
type Info struct {
	Input   string
	Output  string
	Format  string
	Backend string
	// Interrupt is called on the first ctrl+c. The terminal is in raw
	// mode while the view runs, so SIGINT never arrives on its own.
	Interrupt func()
}

// Progress carries one reporter snapshot.
type Progress transcoder.Snapshot

// Done ends the view. Err is nil on success.
type Done struct {
	Err error
}

type quitMsg struct{}

// Model is the bubbletea model for one transcode.
type Model struct {
	info     Info
	spinner  spinner.Model
	pool     progress.Model
	last     transcoder.Snapshot
	seen     bool
	done     *Done
	stopping bool
	width    int

	completionDelay time.Duration
}

// NewModel creates the progress model.
func NewModel(info Info) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(accent)

	return &Model{
		info:    info,
		spinner: s,
		pool: progress.New(
			progress.WithGradient("#5FAF5F", "#E30B5C"),
			progress.WithWidth(30),
			progress.WithoutPercentage(),
		),
		completionDelay: time.Second,
	}
}

// Init starts the spinner.
func (m *Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.pool.Width = max(10, min(msg.Width-30, 40))
		return m, nil

	case Progress:
		m.last = transcoder.Snapshot(msg)
		m.seen = true
		return m, nil

	case Done:
		m.done = &msg
		return m, tea.Tick(m.completionDelay, func(time.Time) tea.Msg { return quitMsg{} })

	case quitMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		if m.done != nil {
			return m, tea.Quit
		}
		switch msg.String() {
		case "ctrl+c", "q":
			if m.stopping {
				return m, tea.Quit
			}
			m.stopping = true
			if m.info.Interrupt != nil {
				m.info.Interrupt()
			}
		}
		return m, nil

	case spinner.TickMsg:
		if m.done != nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the model.
func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("pitx"))
	b.WriteString(faintStyle.Render(fmt.Sprintf("  %s → %s", m.info.Input, m.info.Output)))
	b.WriteString("\n")
	if m.info.Format != "" || m.info.Backend != "" {
		b.WriteString(faintStyle.Render(fmt.Sprintf("format %s, backend %s", m.info.Format, m.info.Backend)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	st := m.last.Stats
	switch {
	case m.done != nil && m.done.Err != nil:
		b.WriteString(errStyle.Render("failed: " + m.done.Err.Error()))
	case m.done != nil:
		b.WriteString(okStyle.Render("done"))
	case m.stopping:
		b.WriteString(m.spinner.View() + " stopping")
	case !m.seen:
		b.WriteString(m.spinner.View() + " starting")
	default:
		b.WriteString(m.spinner.View() + " " + st.State.String())
	}
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}
	row("elapsed", format.Clock(st.Elapsed))
	row("frames", fmt.Sprintf("%s in, %s out", format.Number(st.PacketsIn), format.Number(st.FramesOut)))
	row("speed", fmt.Sprintf("%s (source %s)", format.FPS(st.OutputFPS()), format.FPS(st.FPS)))
	row("output", fmt.Sprintf("%s, %s", format.Bytes(st.Bytes), format.Bitrate(bitrate(st))))
	if st.AudioPackets > 0 || st.AudioFailed > 0 {
		row("audio", fmt.Sprintf("%s packets, %s failed", format.Number(st.AudioPackets), format.Number(st.AudioFailed)))
	}
	if st.Dropped > 0 || st.Warnings > 0 {
		row("dropped", fmt.Sprintf("%s units, %s warnings", format.Number(st.Dropped), format.Number(st.Warnings)))
	}
	if st.PoolSize > 0 {
		row("in flight", m.pool.ViewAs(float64(st.InFlight)/float64(st.PoolSize))+
			fmt.Sprintf(" %d/%d", st.InFlight, st.PoolSize))
	}
	row("process", fmt.Sprintf("%s cpu, %s rss", format.Percentage(m.last.ProcessCPU, 1), format.Bytes(int64(m.last.ProcessRSS))))

	if m.done == nil {
		b.WriteString("\n")
		b.WriteString(faintStyle.Render("ctrl+c to stop"))
		b.WriteString("\n")
	}
	return b.String()
}

// bitrate is the average output bit rate so far.
func bitrate(st transcoder.Stats) float64 {
	if st.Elapsed <= 0 {
		return 0
	}
	return float64(st.Bytes*8) / st.Elapsed.Seconds()
}
