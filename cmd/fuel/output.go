package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ashleyhindle/fuel/internal/health"
	"github.com/ashleyhindle/fuel/internal/ipc"
	"github.com/ashleyhindle/fuel/internal/model"
)

var (
	styleHeader = lipgloss.NewStyle().Bold(true)
	styleGray   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleGreen  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleYellow = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleRed    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// row pads cells to the given column widths. Widths are measured with
// lipgloss so styled cells line up; cells wider than their column are kept
// whole.
func row(widths []int, cells ...string) string {
	var b strings.Builder
	for i, c := range cells {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(c)
		if i < len(widths) && i < len(cells)-1 {
			if pad := widths[i] - lipgloss.Width(c); pad > 0 {
				b.WriteString(strings.Repeat(" ", pad))
			}
		}
	}
	return b.String()
}

func renderTasks(w io.Writer, tasks []model.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, styleGray.Render("No ready tasks."))
		return
	}
	widths := []int{9, 3, 9}
	fmt.Fprintln(w, styleHeader.Render(row(widths, "ID", "P", "SIZE", "TITLE")))
	for _, t := range tasks {
		fmt.Fprintln(w, row(widths, t.ID, fmt.Sprintf("P%d", t.Priority), string(t.Complexity), t.Title))
	}
}

func renderRuns(w io.Writer, t model.Task, runs []model.Run) {
	fmt.Fprintf(w, "%s %s\n", styleHeader.Render(t.ID), t.Title)
	if len(runs) == 0 {
		fmt.Fprintln(w, styleGray.Render("No runs recorded."))
		return
	}
	widths := []int{20, 10, 8, 6, 10}
	fmt.Fprintln(w, styleHeader.Render(row(widths, "STARTED", "AGENT", "MODEL", "EXIT", "DURATION", "COST")))
	for _, r := range runs {
		exit, duration, cost := "-", "-", "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		if r.DurationSeconds != nil {
			duration = (time.Duration(*r.DurationSeconds * float64(time.Second))).Round(time.Second).String()
		}
		if r.CostUSD != nil {
			cost = fmt.Sprintf("$%.4f", *r.CostUSD)
		}
		fmt.Fprintln(w, row(widths, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Agent, r.Model, exit, duration, cost))
	}
}

func renderHealth(w io.Writer, snap ipc.HealthSnapshot) {
	state := styleGreen.Render("running")
	if snap.Paused {
		state = styleYellow.Render("paused")
	}
	fmt.Fprintf(w, "Consume runner: %s\n", state)
	if len(snap.InFlight) > 0 {
		fmt.Fprintf(w, "In flight: %s\n", strings.Join(snap.InFlight, ", "))
	}
	fmt.Fprintln(w)

	if len(snap.Agents) == 0 {
		fmt.Fprintln(w, styleGray.Render("No agents configured."))
		return
	}
	slots := make(map[string]string, len(snap.Slots))
	for _, s := range snap.Slots {
		slots[s.Agent] = fmt.Sprintf("%d/%d", s.InFlight, s.Limit)
	}

	widths := []int{12, 10, 8, 9, 10}
	fmt.Fprintln(w, styleHeader.Render(row(widths, "AGENT", "STATUS", "FAILURES", "SLOTS", "RUNS", "BACKOFF")))
	for _, a := range snap.Agents {
		slot := slots[a.Agent]
		if slot == "" {
			slot = "-"
		}
		fmt.Fprintln(w, row(widths,
			a.Agent,
			statusStyle(a).Render(a.Status),
			fmt.Sprintf("%d", a.ConsecutiveFailures),
			slot,
			fmt.Sprintf("%d/%d", a.TotalSuccesses, a.TotalRuns),
			backoffLabel(a),
		))
	}
}

func statusStyle(s health.Summary) lipgloss.Style {
	switch {
	case s.IsDead:
		return styleRed
	case s.ConsecutiveFailures > 0:
		return styleYellow
	default:
		return styleGreen
	}
}

func backoffLabel(s health.Summary) string {
	switch {
	case s.IsDead:
		return "dead (run `fuel health-clear " + s.Agent + "`)"
	case s.InBackoff:
		return (time.Duration(s.BackoffSeconds) * time.Second).String()
	default:
		return "-"
	}
}
