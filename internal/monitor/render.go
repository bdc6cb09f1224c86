package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"

	"github.com/martinwickman/panebridge/internal/state"
)

// RenderOnce produces a single snapshot for non-interactive output.
func RenderOnce(s Snapshot, width int) string {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	return renderView(s, sp, width, 0, "", false)
}

func render(s Snapshot, sp spinner.Model, width int, flash int, statusMsg string) string {
	return renderView(s, sp, width, flash, statusMsg, true)
}

func renderView(s Snapshot, sp spinner.Model, width int, flash int, statusMsg string, interactive bool) string {
	if width == 0 {
		width = 80
	}

	if !s.Running {
		out := titleStyle.Render("panebridge") + "\n\n" +
			stoppedStyle.Render("✕ Bridge is not running.")
		if s.LockOwner != "" {
			out += "\n" + labelStyle.Render("pane lock held by "+s.LockOwner)
		}
		if interactive {
			out += "\n" + renderHelp()
		}
		return out
	}

	// Box width accounts for border (2) and padding (2)
	boxWidth := width - 4

	var b strings.Builder

	header := titleStyle.Render("panebridge") + "  " +
		countStyle.Render(fmt.Sprintf("pid %d", s.PID))
	if s.HasStatus && s.Status.StartedAt != "" {
		header += countStyle.Render(", up since " + s.Status.StartedAt)
	}
	b.WriteString(header + "\n")

	if s.HasStatus {
		b.WriteString(summaryBarStyle.Render(renderSummary(s.Status)))
		b.WriteString("\n")
	}

	rows := buildRows(s, sp, flash)
	w := computeWidths(rows)

	var box strings.Builder
	for _, r := range rows {
		box.WriteString(r.render(w))
	}
	b.WriteString(paneBoxStyle.Width(boxWidth).Render(strings.TrimSuffix(box.String(), "\n")) + "\n")

	if interactive {
		if statusMsg != "" {
			b.WriteString(queuedStyle.Render(statusMsg) + "\n")
		}
		b.WriteString(renderHelp())
	}

	return b.String()
}

func renderHelp() string {
	return helpStyle.Render("q quit · enter or click to switch to the pane")
}

func renderSummary(st state.Status) string {
	var parts []string
	parts = append(parts, workingStyle.Render(fmt.Sprintf("● %d turns", st.Turns)))
	if st.Busy > 0 {
		parts = append(parts, waitingStyle.Render(fmt.Sprintf("◆ %d busy", st.Busy)))
	}
	if st.Failures > 0 {
		parts = append(parts, stoppedStyle.Render(fmt.Sprintf("✕ %d failed", st.Failures)))
	}
	if st.Notifications > 0 {
		parts = append(parts, idleStyle.Render(fmt.Sprintf("○ %d notifications", st.Notifications)))
	}
	if st.Pending > 0 {
		parts = append(parts, queuedStyle.Render(fmt.Sprintf("◌ %d queued", st.Pending)))
	}
	return strings.Join(parts, "  ")
}

// buildRows converts a snapshot into labelled rows.
func buildRows(s Snapshot, sp spinner.Model, flash int) []statusRow {
	st := s.Status
	if !s.HasStatus {
		return []statusRow{
			newRow("status", idleStyle.Render("waiting for the bridge to report")),
			newRow("lock", lockValue(s.LockOwner)),
		}
	}

	pane := valueStyle.Render(st.Pane)
	if st.PaneTitle != "" {
		pane += " " + labelStyle.Render(st.PaneTitle)
	}

	bot := idleStyle.Render("disconnected")
	if st.Connected {
		bot = workingStyle.Render("@" + st.BotName)
	}

	chat := idleStyle.Render("none yet")
	if st.Recipient != 0 {
		chat = valueStyle.Render(fmt.Sprintf("%d", st.Recipient))
	}

	last := idleStyle.Render("nothing yet")
	if st.LastOutcome != "" {
		last = valueStyle.Render(st.LastOutcome) + "  " + elapsedStyle(flash).Render(state.TimeSince(st.LastActivity))
	}

	return []statusRow{
		newRow("pane", pane),
		newRow("session", valueStyle.Render(st.SessionName)),
		newRow("bot", bot),
		newRow("chat", chat),
		newRow("phase", phaseDisplay(st.Phase, sp)),
		newRow("last", last),
		newRow("lock", lockValue(s.LockOwner)),
	}
}

func lockValue(owner string) string {
	if owner == "" {
		return idleStyle.Render("free")
	}
	return waitingStyle.Render("held by " + owner)
}

func elapsedStyle(flash int) lipgloss.Style {
	switch flash {
	case 1:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true) // bright red
	default:
		return lipgloss.NewStyle().Faint(true)
	}
}

// flashPhase returns whether the flash is currently "on" (visible) or "off".
// Returns 0=no flash, 1=on, 2=off (blinking cycle).
func flashPhase(now time.Time, until time.Time) int {
	if until.IsZero() || !now.Before(until) {
		return 0
	}
	// Toggle every 150ms
	elapsed := flashDuration - until.Sub(now)
	cycle := int(elapsed.Milliseconds() / 150)
	if cycle%2 == 0 {
		return 1
	}
	return 2
}
