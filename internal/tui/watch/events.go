package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/provisiond/internal/events"
	"github.com/mattjoyce/provisiond/internal/task"
)

const maxEventLines = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= maxEventLines {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))
	status := task.Status(strings.TrimPrefix(e.Type, "task."))
	typeName := theme.StatusStyle(status).Render(fmt.Sprintf("%-16s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, eventDesc(e))
}

// decodeTask extracts the task snapshot carried by a task.* event.
func decodeTask(e events.Event) (task.Record, bool) {
	if !strings.HasPrefix(e.Type, "task.") {
		return task.Record{}, false
	}
	var rec task.Record
	if err := json.Unmarshal(e.Data, &rec); err != nil || rec.TaskID == "" {
		return task.Record{}, false
	}
	return rec, true
}

func eventDesc(e events.Event) string {
	rec, ok := decodeTask(e)
	if !ok {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	parts := []string{fmt.Sprintf("[%s]", shortID(rec.TaskID)), rec.Command}
	if rec.Target != "" {
		parts = append(parts, rec.Target)
	}
	if rec.Message != "" {
		parts = append(parts, rec.Message)
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
