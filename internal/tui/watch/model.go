package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/provisiond/internal/client"
	"github.com/mattjoyce/provisiond/internal/events"
	"github.com/mattjoyce/provisiond/internal/task"
)

const maxEventLog = 50

// Options configure the watch TUI.
type Options struct {
	// TaskID, when set, follows one task and quits once it is terminal.
	TaskID string
	// RequestChannel is used to report the number of attached executors.
	RequestChannel string
}

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	ctx    context.Context
	client *client.Client
	opts   Options

	width  int
	height int

	health      HealthState
	tasks       taskSet
	table       table.Model
	spinner     spinner.Model
	eventLog    []events.Event
	lastEvent   time.Time
	lastEventID int64

	theme     Theme
	hubEvents chan events.Event
	lastError string

	final *task.Record
}

// New creates a new watch TUI model. ctx bounds every request the model makes.
func New(ctx context.Context, c *client.Client, opts Options) Model {
	return Model{
		ctx:       ctx,
		client:    c,
		opts:      opts,
		tasks:     taskSet{},
		table:     newTaskTable(),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		theme:     NewDefaultTheme(),
	}
}

// Final returns the followed task's terminal record once it has been observed.
func (m Model) Final() (task.Record, bool) {
	if m.final == nil {
		return task.Record{}, false
	}
	return *m.final, true
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.ctx, m.client),
		fetchTasks(m.ctx, m.client),
		m.spinner.Tick,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		m.table.SetHeight(max(5, m.height/3))

	case tickMsg:
		m.refreshTable()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.lastEvent = time.Now()
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}
		m.health.Connected = true
		m.lastError = ""

		if rec, ok := decodeTask(e); ok {
			m.tasks.apply(rec)
			m.refreshTable()
			if m.followDone() {
				return m, tea.Quit
			}
		}
		return m, receiveNextEvent(m.hubEvents)

	case tasksMsg:
		for _, r := range msg {
			m.tasks.apply(recordFromResponse(r))
		}
		m.refreshTable()
		if m.followDone() {
			return m, tea.Quit
		}
		return m, nil

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Tasks = msg.Tasks
		m.health.Executors = msg.BusSubscribers[m.opts.RequestChannel]
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.ctx, m.client)()
		})

	case sseDisconnectedMsg:
		if m.ctx.Err() != nil {
			return m, tea.Quit
		}
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps waiting on the same channel.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, tea.Batch(
			subscribeToEvents(m.ctx, m.client, m.lastEventID, m.hubEvents),
			fetchTasks(m.ctx, m.client),
		)

	case errMsg:
		m.lastError = msg.Error()
		m.health.Connected = false
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.ctx, m.client)()
		})
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// followDone records the followed task's terminal snapshot.
func (m *Model) followDone() bool {
	if m.opts.TaskID == "" {
		return false
	}
	rec, ok := m.tasks[m.opts.TaskID]
	if !ok || !rec.Status.Terminal() {
		return false
	}
	m.final = &rec
	return true
}

func (m *Model) refreshTable() {
	m.table.SetRows(m.tasks.rows(m.theme, time.Now()))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing watch..."
	}

	header := renderHeader(m.health, m.spinner.View(), m.lastEvent, m.theme, m.width)
	tasks := renderTasks(m.table, len(m.tasks), m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, tasks, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}

	help := " [q] Quit • [↑/↓] Scroll Tasks"
	if m.opts.TaskID != "" {
		help = fmt.Sprintf(" Following %s • [q] Quit", shortID(m.opts.TaskID))
	}
	parts = append(parts, m.theme.Help.Render(help))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
