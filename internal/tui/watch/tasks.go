package watch

import (
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/provisiond/internal/api"
	"github.com/mattjoyce/provisiond/internal/task"
)

const maxTrackedTasks = 200

func newTaskTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Task", Width: 10},
			{Title: "Command", Width: 8},
			{Title: "Target", Width: 20},
			{Title: "Status", Width: 10},
			{Title: "Age", Width: 8},
			{Title: "Message", Width: 32},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// taskSet holds the latest known snapshot of each task.
type taskSet map[string]task.Record

// apply stores rec unless a newer or terminal snapshot is already held. Events and list
// polls can interleave, so older snapshots must not win.
func (ts taskSet) apply(rec task.Record) bool {
	cur, ok := ts[rec.TaskID]
	if ok {
		if cur.Status.Terminal() && !rec.Status.Terminal() {
			return false
		}
		if rec.UpdatedAt.Before(cur.UpdatedAt) {
			return false
		}
	}
	ts[rec.TaskID] = rec
	ts.trim()
	return true
}

// trim drops the oldest terminal tasks beyond maxTrackedTasks.
func (ts taskSet) trim() {
	if len(ts) <= maxTrackedTasks {
		return
	}
	for _, rec := range ts.sorted() {
		if len(ts) <= maxTrackedTasks {
			return
		}
		if rec.Status.Terminal() {
			delete(ts, rec.TaskID)
		}
	}
}

// sorted returns the tasks oldest first.
func (ts taskSet) sorted() []task.Record {
	out := make([]task.Record, 0, len(ts))
	for _, rec := range ts {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// rows renders newest first.
func (ts taskSet) rows(theme Theme, now time.Time) []table.Row {
	recs := ts.sorted()
	rows := make([]table.Row, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		rows = append(rows, table.Row{
			theme.StatusStyle(rec.Status).Render(statusSymbol(rec.Status)),
			shortID(rec.TaskID),
			rec.Command,
			rec.Target,
			string(rec.Status),
			formatDuration(now.Sub(rec.CreatedAt)),
			rec.Message,
		})
	}
	return rows
}

func recordFromResponse(r api.TaskResponse) task.Record {
	return task.Record{
		TaskID:    r.TaskID,
		Command:   r.Command,
		Target:    r.Target,
		Status:    r.Status,
		Progress:  r.Progress,
		Message:   r.Message,
		Result:    r.Result,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func renderTasks(t table.Model, count int, theme Theme, width int) string {
	innerWidth := width - 4
	if count == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("TASKS"),
			theme.Dim.Render("  No tasks yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("TASKS"),
		t.View(),
	)
	return theme.Border.Width(innerWidth).Render(content)
}
