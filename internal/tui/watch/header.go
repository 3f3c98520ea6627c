package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/provisiond/internal/task"
)

// HealthState tracks control-plane health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Tasks         map[string]int
	Executors     int
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, activity string, lastEvent time.Time, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	uptime := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)

	lastEventStr := "never"
	if !lastEvent.IsZero() {
		lastEventStr = formatAgo(time.Since(lastEvent))
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := " PROVISIOND WATCH " + activity
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	var counts []string
	for _, s := range []task.Status{task.StatusPending, task.StatusCompleted, task.StatusFailed, task.StatusTimeout} {
		counts = append(counts, theme.StatusStyle(s).Render(fmt.Sprintf("%s %d", s, health.Tasks[string(s)])))
	}

	statsLine := fmt.Sprintf(" %s  ⏱ %s  Executors: %d  %s",
		statusText,
		uptime,
		health.Executors,
		strings.Join(counts, "  "),
	)
	activityLine := fmt.Sprintf(" Last event: %s", lastEventStr)

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
