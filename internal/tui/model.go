// Package tui implements the live queue monitor behind "conveyor watch".
// A bubbletea program renders the task table from periodic store snapshots
// and refreshes early whenever the event bus reports activity.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/resolver"
	"github.com/conveyorhq/conveyor/internal/scheduler"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/task"
)

const refreshInterval = time.Second

// refreshMsg carries a fresh store snapshot into the update loop.
type refreshMsg struct {
	tasks []*task.Task
	err   error
}

// tickMsg drives the periodic snapshot refresh so ages and retry
// countdowns keep moving even when no events arrive.
type tickMsg time.Time

// eventTickMsg coalesces refreshes during event bursts. Only the tick
// matching the latest tag triggers a snapshot read.
type eventTickMsg struct {
	tag int
}

// Model is the root Bubble Tea model for the watch screen.
type Model struct {
	store    store.Store
	eventSub <-chan events.Event

	taskTable table.Model
	spin      spinner.Model
	detail    DetailModel

	tasks   []*task.Task
	byID    map[string]*task.Task
	blocked map[string]bool
	counts  map[task.Status]int

	lastEvent  string
	storeErr   error
	refreshTag int

	width      int
	height     int
	showDetail bool
	quitting   bool
}

// New creates a watch model over the given store. The event subscription
// may be nil when no worker shares the process; the table then updates on
// the periodic tick alone.
func New(st store.Store, eventSub <-chan events.Event) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = StyleStatusRunning

	return Model{
		store:     st,
		eventSub:  eventSub,
		taskTable: newTaskTable(),
		spin:      sp,
		detail:    NewDetailModel(),
		byID:      map[string]*task.Task{},
		blocked:   map[string]bool{},
		counts:    map[task.Status]int{},
	}
}

// newTaskTable builds the task table with fixed-width columns. The NAME
// column is stretched to the terminal width on resize.
func newTaskTable() table.Model {
	t := table.New(
		table.WithColumns(taskColumns(40)),
		table.WithFocused(true),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Background(lipgloss.Color("62")).
		Foreground(lipgloss.Color("230"))
	t.SetStyles(s)
	return t
}

func taskColumns(nameWidth int) []table.Column {
	return []table.Column{
		{Title: "ID", Width: 8},
		{Title: "NAME", Width: nameWidth},
		{Title: "PRIORITY", Width: 8},
		{Title: "STATUS", Width: 9},
		{Title: "TRIES", Width: 5},
		{Title: "AGE", Width: 6},
		{Title: "INFO", Width: 16},
	}
}

// Init starts the spinner, the refresh tick, and the event wait.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spin.Tick, refreshCmd(m.store), tickCmd()}
	if m.eventSub != nil {
		cmds = append(cmds, waitForEvent(m.eventSub))
	}
	return tea.Batch(cmds...)
}

// waitForEvent returns a command that blocks on the next bus event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// refreshCmd reads a full snapshot from the store.
func refreshCmd(st store.Store) tea.Cmd {
	return func() tea.Msg {
		tasks, err := st.List(context.Background(), store.Filter{})
		return refreshMsg{tasks: tasks, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Detail overlay routes all keys until dismissed (modal behavior).
		if m.showDetail {
			switch msg.String() {
			case KeyCtrlC:
				m.quitting = true
				return m, tea.Quit
			case KeyQuit, KeyEsc, KeyEnter:
				m.showDetail = false
			default:
				var cmd tea.Cmd
				m.detail, cmd = m.detail.Update(msg)
				cmds = append(cmds, cmd)
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyEnter:
			if t := m.selectedTask(); t != nil {
				m.showDetail = true
				m.detail.SetTask(t, m.byID)
				m.detail.SetSize(m.width, m.height)
			}

		default:
			var cmd tea.Cmd
			m.taskTable, cmd = m.taskTable.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.detail.SetSize(msg.Width, msg.Height)

	case refreshMsg:
		if msg.err != nil {
			m.storeErr = msg.err
			break
		}
		m.storeErr = nil
		m.applySnapshot(msg.tasks)

	case tickMsg:
		cmds = append(cmds, refreshCmd(m.store), tickCmd())

	case eventTickMsg:
		// Stale tags are superseded ticks from an event burst.
		if msg.tag == m.refreshTag {
			cmds = append(cmds, refreshCmd(m.store))
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)

	case events.Event:
		m.lastEvent = describeEvent(msg)
		m.refreshTag++
		tag := m.refreshTag
		cmds = append(cmds,
			tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg {
				return eventTickMsg{tag: tag}
			}),
			waitForEvent(m.eventSub),
		)
	}

	return m, tea.Batch(cmds...)
}

// applySnapshot recomputes the table rows and summary counts from a fresh
// store snapshot.
func (m *Model) applySnapshot(tasks []*task.Task) {
	m.tasks = scheduler.Order(tasks)
	m.byID = resolver.Index(m.tasks)

	m.blocked = make(map[string]bool)
	for _, t := range resolver.BlockedTasks(m.tasks) {
		m.blocked[t.ID] = true
	}

	m.counts = make(map[task.Status]int)
	for _, t := range m.tasks {
		m.counts[t.Status]++
	}

	now := time.Now().UTC()
	rows := make([]table.Row, len(m.tasks))
	for i, t := range m.tasks {
		rows[i] = table.Row{
			shortID(t.ID),
			t.Name,
			string(t.Priority),
			string(t.Status),
			fmt.Sprintf("%d/%d", t.AttemptCount, t.MaxAttempts),
			humanDuration(now.Sub(t.CreatedAt)),
			infoCell(t, m.byID, m.blocked, now),
		}
	}
	m.taskTable.SetRows(rows)

	// Keep an open detail overlay tracking its task across refreshes.
	if m.showDetail {
		if t, ok := m.byID[m.detail.TaskID()]; ok {
			m.detail.SetTask(t, m.byID)
		}
	}
}

// selectedTask returns the task under the table cursor, or nil.
func (m Model) selectedTask() *task.Task {
	idx := m.taskTable.Cursor()
	if idx < 0 || idx >= len(m.tasks) {
		return nil
	}
	return m.tasks[idx]
}

// View renders the watch screen.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.showDetail {
		return m.detail.View()
	}

	header := m.headerView()
	tableView := StyleUnfocusedBorder.Render(m.taskTable.View())
	status := m.statusView()
	helpBar := HelpView()

	return lipgloss.JoinVertical(lipgloss.Left, header, tableView, status, helpBar)
}

// headerView renders the title line with the per-status summary.
func (m Model) headerView() string {
	title := StyleTitle.Render("conveyor")
	if m.counts[task.StatusRunning] > 0 {
		title = m.spin.View() + title
	}
	return lipgloss.JoinHorizontal(lipgloss.Center, title, "  ", m.summaryView())
}

// summaryView renders styled per-status counts, skipping empty statuses.
func (m Model) summaryView() string {
	order := []task.Status{
		task.StatusRunning,
		task.StatusReady,
		task.StatusQueued,
		task.StatusRetrying,
		task.StatusSucceeded,
		task.StatusFailed,
		task.StatusCancelled,
	}

	out := ""
	for _, s := range order {
		n := m.counts[s]
		if n == 0 {
			continue
		}
		part := StatusStyle(s).Render(fmt.Sprintf("%d %s", n, s))
		if s == task.StatusQueued && len(m.blocked) > 0 {
			part += StyleStatusFailed.Render(fmt.Sprintf(" (%d blocked)", len(m.blocked)))
		}
		if out != "" {
			out += StyleHelp.Render(" | ")
		}
		out += part
	}
	if out == "" {
		return StyleStatusPending.Render("queue empty")
	}
	return out
}

// statusView renders the bottom status line: store errors win over the
// most recent event.
func (m Model) statusView() string {
	if m.storeErr != nil {
		return StyleStatusFailed.Render(fmt.Sprintf("store error: %v", m.storeErr))
	}
	if m.lastEvent == "" {
		return StyleStatusPending.Render("waiting for activity")
	}
	return StyleHelp.Render(m.lastEvent)
}

// computeLayout resizes the table to the terminal, stretching the NAME
// column and reserving rows for the header, status, and help lines.
func (m *Model) computeLayout() {
	// Columns other than NAME are fixed width. Each column carries two
	// cells of padding, and the frame border takes two more.
	fixed := 8 + 8 + 9 + 5 + 6 + 16
	padding := 2 * 7
	nameWidth := m.width - fixed - padding - 4
	if nameWidth < 12 {
		nameWidth = 12
	}
	m.taskTable.SetColumns(taskColumns(nameWidth))
	m.taskTable.SetWidth(m.width - 2)

	tableHeight := m.height - 6
	if tableHeight < 3 {
		tableHeight = 3
	}
	m.taskTable.SetHeight(tableHeight)
}

// describeEvent renders a one-line description of a bus event for the
// status bar.
func describeEvent(ev events.Event) string {
	switch e := ev.(type) {
	case events.TaskEnqueuedEvent:
		return fmt.Sprintf("%s enqueued %s (%s)", stamp(e.Timestamp), e.Name, e.Priority)
	case events.TaskReadyEvent:
		return fmt.Sprintf("%s ready %s", stamp(e.Timestamp), e.Name)
	case events.TaskStartedEvent:
		return fmt.Sprintf("%s started %s (attempt %d)", stamp(e.Timestamp), e.Name, e.Attempt)
	case events.TaskSucceededEvent:
		return fmt.Sprintf("%s succeeded %s in %s", stamp(e.Timestamp), e.Name, humanDuration(e.Duration))
	case events.TaskRetryingEvent:
		return fmt.Sprintf("%s retrying %s: %s", stamp(e.Timestamp), e.Name, e.Err)
	case events.TaskFailedEvent:
		return fmt.Sprintf("%s failed %s: %s", stamp(e.Timestamp), e.Name, e.Err)
	case events.TaskCancelledEvent:
		return fmt.Sprintf("%s cancelled %s", stamp(e.Timestamp), e.Name)
	case events.TaskRequeuedEvent:
		return fmt.Sprintf("%s requeued %s", stamp(e.Timestamp), e.Name)
	case events.QueueDrainedEvent:
		if e.Blocked > 0 {
			return fmt.Sprintf("%s queue drained, %d blocked", stamp(e.Timestamp), e.Blocked)
		}
		return fmt.Sprintf("%s queue drained", stamp(e.Timestamp))
	}
	return ev.EventType()
}

func stamp(t time.Time) string {
	return t.Local().Format("15:04:05")
}

// infoCell renders the context column: dependency state for queued tasks,
// the countdown for retrying ones, and elapsed time otherwise.
func infoCell(t *task.Task, byID map[string]*task.Task, blocked map[string]bool, now time.Time) string {
	switch t.Status {
	case task.StatusQueued:
		if len(t.Dependencies) == 0 {
			return "-"
		}
		if blocked[t.ID] {
			return "blocked"
		}
		return fmt.Sprintf("waiting on %d", unmetDeps(t, byID))
	case task.StatusRetrying:
		if t.NextRetryAt == nil || !t.NextRetryAt.After(now) {
			return "retry due"
		}
		return "retry in " + humanDuration(t.NextRetryAt.Sub(now))
	case task.StatusRunning:
		if t.StartedAt != nil {
			return "running " + humanDuration(now.Sub(*t.StartedAt))
		}
		return "running"
	case task.StatusSucceeded, task.StatusFailed, task.StatusCancelled:
		if t.StartedAt != nil && t.CompletedAt != nil {
			return "took " + humanDuration(t.CompletedAt.Sub(*t.StartedAt))
		}
	}
	return "-"
}

// unmetDeps counts dependencies that have not succeeded yet.
func unmetDeps(t *task.Task, byID map[string]*task.Task) int {
	n := 0
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != task.StatusSucceeded {
			n++
		}
	}
	return n
}

// shortID abbreviates a UUID for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// humanDuration formats a duration at display resolution.
func humanDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
