package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/knowhow-ingest/internal/client"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

const pollInterval = time.Second

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// tickMsg triggers polling the record status
type tickMsg time.Time

// recordUpdateMsg carries the updated job and record
type recordUpdateMsg struct {
	job    *queue.Info
	record *client.Record
	err    error
}

// chunkProgress is the part of a document record's output the display
// needs.
type chunkProgress struct {
	TotalChunks     int `json:"totalChunks"`
	CompletedChunks int `json:"completedChunks"`
	FailedChunks    int `json:"failedChunks"`
}

// progressModel is the bubbletea model for ingestion progress. The record
// is the source of truth: a document's job finishes once its chunks are
// dispatched, the record once they are settled.
type progressModel struct {
	client   *client.Client
	accepted *client.Accepted
	job      *queue.Info
	record   *client.Record
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

// newProgressModel creates a new progress model.
func newProgressModel(c *client.Client, accepted *client.Accepted) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		client:   c,
		accepted: accepted,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (start polling).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetch(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetch()

	case recordUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}
		m.job, m.record = msg.job, msg.record
		if done, err := settled(m.job, m.record); done {
			m.done, m.err = true, err
			return m, tea.Quit
		}
		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// settled reports whether the ingestion has finished and, if it failed,
// why.
func settled(job *queue.Info, rec *client.Record) (bool, error) {
	switch rec.Status {
	case "COMPLETED":
		return true, nil
	case "FAILED":
		return true, errors.New(rec.Error)
	case "NO_CREDITS":
		return true, fmt.Errorf("parked without credits: %s", rec.Error)
	}
	// A job that ends while its record is still open was cancelled or
	// lost its record update.
	if job != nil && (job.Status == queue.StatusCanceled || job.Status == queue.StatusFailed) {
		msg := job.Error
		if msg == "" {
			msg = "job " + string(job.Status)
		}
		return true, errors.New(msg)
	}
	return false, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) chunks() (chunkProgress, bool) {
	var p chunkProgress
	if m.record == nil || len(m.record.Output) == 0 || m.record.Type != "DOCUMENT" {
		return p, false
	}
	if err := json.Unmarshal(m.record.Output, &p); err != nil || p.TotalChunks == 0 {
		return p, false
	}
	return p, true
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	if m.record == nil {
		return "Loading status...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.record.Status))
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	p, ok := m.chunks()
	if !ok {
		return fmt.Sprintf("%s record %s\n%s\n", status, m.record.ID, hint)
	}

	pct := float64(p.CompletedChunks+p.FailedChunks) / float64(p.TotalChunks)
	counts := fmt.Sprintf("%d/%d chunks", p.CompletedChunks+p.FailedChunks, p.TotalChunks)
	return fmt.Sprintf("%s %s %s\n%s\n", status, m.progress.ViewAs(pct), counts, hint)
}

// finalView renders the completion message.
func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'knowhow-ingest jobs %s' to check status.\n",
			m.accepted.ID, m.accepted.ID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Ingestion failed: %s\n", m.err))
	}

	output := m.theme.completedStyle().Render("✓ Completed") + "\n\n"
	output += fmt.Sprintf("  Record: %s\n", m.accepted.RecordID)
	if p, ok := m.chunks(); ok {
		output += fmt.Sprintf("  Chunks completed: %d\n", p.CompletedChunks)
		if p.FailedChunks > 0 {
			output += m.theme.errorStyle().Render(fmt.Sprintf("  Chunks failed:    %d", p.FailedChunks)) + "\n"
		}
	}
	return output
}

// fetch reads the job and record from the server.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m progressModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rec, err := m.client.GetRecord(ctx, m.accepted.RecordID)
		if err != nil {
			return recordUpdateMsg{err: err}
		}
		var job *queue.Info
		if m.accepted.ID != "" {
			// The job may have expired from retention; the record is enough.
			job, _ = m.client.GetJob(ctx, m.accepted.ID)
		}
		return recordUpdateMsg{job: job, record: rec}
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// RunIngestProgress runs the interactive progress UI for an accepted
// ingestion. Returns nil on success or Ctrl+C (background), error on
// failure.
func RunIngestProgress(c *client.Client, accepted *client.Accepted) error {
	model := newProgressModel(c, accepted)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}

	return nil
}
