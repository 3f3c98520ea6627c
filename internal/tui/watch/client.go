package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/provisiond/internal/api"
	"github.com/mattjoyce/provisiond/internal/client"
	"github.com/mattjoyce/provisiond/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type tasksMsg []api.TaskResponse

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

type sseDisconnectedMsg struct{ err error }
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents streams /events into ch, resuming after lastID.
// Returns sseDisconnectedMsg when the stream ends.
func subscribeToEvents(ctx context.Context, c *client.Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		err := c.Events(ctx, lastID, ch)
		return sseDisconnectedMsg{err: err}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(ctx context.Context, c *client.Client) tea.Cmd {
	return func() tea.Msg {
		h, err := c.Health(ctx)
		if err != nil {
			return errMsg{err}
		}
		return healthMsg(*h)
	}
}

// fetchTasks loads the current task list so the table is populated before any event arrives.
func fetchTasks(ctx context.Context, c *client.Client) tea.Cmd {
	return func() tea.Msg {
		list, err := c.List(ctx, "")
		if err != nil {
			return errMsg{err}
		}
		return tasksMsg(list)
	}
}
