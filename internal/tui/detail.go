package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/conveyorhq/conveyor/internal/task"
)

// DetailModel renders one task as a full-screen overlay with a scrollable
// body, including its dependency states and attempt history.
type DetailModel struct {
	taskID   string
	title    string
	viewport viewport.Model
	width    int
	height   int
}

// NewDetailModel creates an empty detail overlay.
func NewDetailModel() DetailModel {
	return DetailModel{viewport: viewport.New(0, 0)}
}

// TaskID returns the ID of the task currently shown, or "".
func (m DetailModel) TaskID() string {
	return m.taskID
}

// SetTask fills the overlay with the given task. byID resolves dependency
// IDs to their tasks for the dependency section.
func (m *DetailModel) SetTask(t *task.Task, byID map[string]*task.Task) {
	atTop := m.viewport.AtTop()
	offset := m.viewport.YOffset

	m.taskID = t.ID
	m.title = t.Name
	m.viewport.SetContent(RenderTask(t, byID))

	// A refresh of the same task keeps the scroll position.
	if !atTop {
		m.viewport.SetYOffset(offset)
	}
}

// Update handles scrolling keys while the overlay is open.
func (m DetailModel) Update(msg tea.Msg) (DetailModel, tea.Cmd) {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the overlay.
func (m DetailModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	title := StyleTitle.Render("Task: " + m.title)
	body := StyleFocusedBorder.
		Width(m.width - 2).
		Height(m.height - 4).
		Render(m.viewport.View())
	help := StyleHelp.Render("j/k: scroll | esc: back | q: back")

	return lipgloss.JoinVertical(lipgloss.Left, title, body, help)
}

// SetSize updates the overlay dimensions.
func (m *DetailModel) SetSize(w, h int) {
	m.width = w
	m.height = h

	vpWidth := w - 4
	vpHeight := h - 6
	if vpWidth < 10 {
		vpWidth = 10
	}
	if vpHeight < 5 {
		vpHeight = 5
	}
	m.viewport.Width = vpWidth
	m.viewport.Height = vpHeight
}

// RenderTask builds the styled multi-line description of one task shown
// in the detail overlay and by "conveyor status". byID resolves
// dependency IDs; missing entries render as such.
func RenderTask(t *task.Task, byID map[string]*task.Task) string {
	now := time.Now().UTC()
	var b strings.Builder

	field := func(label, value string) {
		b.WriteString(fmt.Sprintf("%-13s %s\n", label, value))
	}

	field("ID", t.ID)
	field("Name", t.Name)
	if t.Description != "" {
		field("Description", t.Description)
	}
	field("Priority", string(t.Priority))

	status := StatusStyle(t.Status).Render(string(t.Status))
	if t.Status == task.StatusRetrying && t.NextRetryAt != nil {
		status += fmt.Sprintf("  (next retry in %s)", humanDuration(t.NextRetryAt.Sub(now)))
	}
	field("Status", status)
	field("Attempts", fmt.Sprintf("%d/%d", t.AttemptCount, t.MaxAttempts))
	field("Action", renderAction(t.Action))

	if t.LastError != "" {
		field("Last error", StyleStatusFailed.Render(t.LastError))
	}

	field("Created", renderStamp(t.CreatedAt, now))
	if t.StartedAt != nil {
		field("Started", renderStamp(*t.StartedAt, now))
	}
	if t.CompletedAt != nil {
		field("Completed", renderStamp(*t.CompletedAt, now))
	}

	if len(t.Dependencies) > 0 {
		b.WriteString("\nDependencies\n")
		for _, dep := range t.Dependencies {
			b.WriteString("  " + renderDependency(dep, byID) + "\n")
		}
	}

	if len(t.History) > 0 {
		b.WriteString("\nHistory\n")
		for _, a := range t.History {
			b.WriteString("  " + renderAttempt(a) + "\n")
		}
	}

	return b.String()
}

func renderAction(a task.Action) string {
	switch a.Kind {
	case task.KindShell:
		if len(a.Args) > 0 {
			return fmt.Sprintf("shell: %s %s", a.Target, strings.Join(a.Args, " "))
		}
		return "shell: " + a.Target
	case task.KindFunc:
		return "func: " + a.Target
	}
	return string(a.Kind) + ": " + a.Target
}

func renderDependency(id string, byID map[string]*task.Task) string {
	d, ok := byID[id]
	if !ok {
		return fmt.Sprintf("%s %s (missing)", StyleStatusFailed.Render("?"), shortID(id))
	}

	icon := StyleStatusPending.Render("○")
	switch d.Status {
	case task.StatusSucceeded:
		icon = StyleStatusSucceeded.Render("✓")
	case task.StatusFailed, task.StatusCancelled:
		icon = StyleStatusFailed.Render("✗")
	case task.StatusRunning:
		icon = StyleStatusRunning.Render("●")
	}
	return fmt.Sprintf("%s %s %s (%s)", icon, shortID(d.ID), d.Name, d.Status)
}

func renderAttempt(a task.Attempt) string {
	start := a.StartedAt.Local().Format("15:04:05")
	if a.FinishedAt == nil {
		return fmt.Sprintf("#%d  %s  in progress", a.Number, start)
	}

	line := fmt.Sprintf("#%d  %s  %s  %s", a.Number, start,
		humanDuration(a.FinishedAt.Sub(a.StartedAt)), a.Outcome)
	if a.Error != "" {
		line += "  " + a.Error
	}
	return line
}

func renderStamp(t time.Time, now time.Time) string {
	return fmt.Sprintf("%s (%s ago)", t.Local().Format("2006-01-02 15:04:05"), humanDuration(now.Sub(t)))
}
