package monitor

import (
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
)

// statusRow is one labelled line inside the pane box.
type statusRow struct {
	label string
	value string
}

// columnWidths holds the computed widths for each column.
type columnWidths struct {
	label int
}

func newRow(label, value string) statusRow {
	return statusRow{label: labelStyle.Render(label), value: value}
}

func (r statusRow) render(w columnWidths) string {
	return padRight(r.label, w.label) + "  " + r.value + "\n"
}

// computeWidths aligns the value column across all rows.
func computeWidths(rows []statusRow) columnWidths {
	var w columnWidths
	for _, r := range rows {
		w.label = max(w.label, lipgloss.Width(r.label))
	}
	return w
}

// padRight pads a string (which may contain ANSI codes) to the given visible width.
func padRight(s string, width int) string {
	visible := lipgloss.Width(s)
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}

// phaseDisplay shows a spinner while a turn or notification is in flight.
func phaseDisplay(phase string, sp spinner.Model) string {
	switch {
	case phase == "" || phase == "idle":
		return idleStyle.Render("○ Idle")
	case strings.Contains(phase, "lock_wait"):
		return waitingStyle.Render("◆ " + phase)
	default:
		return workingStyle.Render(sp.View() + " " + phase)
	}
}
