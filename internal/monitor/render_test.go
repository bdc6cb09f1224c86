package monitor

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/martinwickman/panebridge/internal/lock"
	"github.com/martinwickman/panebridge/internal/state"
)

func TestFlashPhase(t *testing.T) {
	t.Run("zero until time should return no flash", func(t *testing.T) {
		got := flashPhase(time.Now(), time.Time{})
		if got != 0 {
			t.Errorf("got %d, want 0", got)
		}
	})

	t.Run("expired flash should return no flash", func(t *testing.T) {
		now := time.Now()
		until := now.Add(-1 * time.Second)
		got := flashPhase(now, until)
		if got != 0 {
			t.Errorf("got %d, want 0", got)
		}
	})

	t.Run("active flash should return 1 or 2", func(t *testing.T) {
		now := time.Now()
		until := now.Add(1 * time.Second)
		got := flashPhase(now, until)
		if got != 1 && got != 2 {
			t.Errorf("got %d, want 1 or 2", got)
		}
	})
}

func runningSnapshot() Snapshot {
	return Snapshot{
		Running:   true,
		PID:       4242,
		HasStatus: true,
		Status: state.Status{
			PID:          4242,
			Pane:         "%3",
			PaneTitle:    "gemini",
			SessionName:  "gemini-cli",
			BotName:      "pane_bot",
			Connected:    true,
			Recipient:    77,
			Phase:        "idle",
			LastOutcome:  "replied",
			LastActivity: time.Now().Add(-2 * time.Minute).UTC().Format(time.RFC3339),
			Turns:        3,
			Busy:         1,
			Pending:      2,
		},
	}
}

func TestRenderOnce(t *testing.T) {
	t.Run("stopped bridge should say so", func(t *testing.T) {
		out := RenderOnce(Snapshot{}, 80)
		if !strings.Contains(out, "not running") {
			t.Errorf("missing stopped line:\n%s", out)
		}
		if strings.Contains(out, "q quit") {
			t.Error("one-shot output should not show key help")
		}
	})

	t.Run("stale lock should be shown when the bridge is stopped", func(t *testing.T) {
		out := RenderOnce(Snapshot{LockOwner: "pid 12"}, 80)
		if !strings.Contains(out, "pid 12") {
			t.Errorf("missing lock owner:\n%s", out)
		}
	})

	t.Run("running bridge should show pane, chat and counters", func(t *testing.T) {
		out := RenderOnce(runningSnapshot(), 80)
		for _, want := range []string{"pid 4242", "%3", "gemini-cli", "@pane_bot", "77", "Idle", "replied", "2m ago", "3 turns", "1 busy", "2 queued", "free"} {
			if !strings.Contains(out, want) {
				t.Errorf("output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("running bridge without a status file should say it is waiting", func(t *testing.T) {
		out := RenderOnce(Snapshot{Running: true, PID: 1}, 80)
		if !strings.Contains(out, "waiting for the bridge") {
			t.Errorf("missing waiting line:\n%s", out)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("marker, status and lock owner should be combined", func(t *testing.T) {
		store, err := state.Open(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		if err := store.WritePID(os.Getpid()); err != nil {
			t.Fatal(err)
		}
		if err := store.WriteStatus(state.Status{Pane: "%9"}); err != nil {
			t.Fatal(err)
		}
		l := lock.New(store.Dir(), "pane", time.Millisecond, 1)
		lease, err := l.Acquire(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		defer lease.Release()

		s := Load(store, l)
		if !s.Running || s.PID != os.Getpid() {
			t.Errorf("running = %v, pid = %d", s.Running, s.PID)
		}
		if !s.HasStatus || s.Status.Pane != "%9" {
			t.Errorf("status = %+v", s.Status)
		}
		if !strings.Contains(s.LockOwner, "pid") {
			t.Errorf("lock owner = %q", s.LockOwner)
		}
	})
}

func TestModelSwitch(t *testing.T) {
	t.Run("enter should focus the bridged pane", func(t *testing.T) {
		var got string
		m := New(func() Snapshot { return runningSnapshot() }, func(p string) error { got = p; return nil })

		next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
		if got != "%3" {
			t.Errorf("switched to %q, want %%3", got)
		}
		if cmd == nil {
			t.Error("expected a command to clear the status message")
		}
		if !strings.Contains(next.(Model).statusMsg, "switched") {
			t.Errorf("statusMsg = %q", next.(Model).statusMsg)
		}
	})

	t.Run("switch failure should be reported", func(t *testing.T) {
		m := New(func() Snapshot { return runningSnapshot() }, func(string) error { return errors.New("no client") })
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
		if !strings.Contains(next.(Model).statusMsg, "no client") {
			t.Errorf("statusMsg = %q", next.(Model).statusMsg)
		}
	})

	t.Run("new activity should start the flash", func(t *testing.T) {
		snap := runningSnapshot()
		m := New(func() Snapshot { return snap }, nil)
		snap.Status.LastActivity = time.Now().UTC().Format(time.RFC3339)

		now := time.Now()
		next, _ := m.Update(tickMsg(now))
		if got := next.(Model).flashUntil; !got.Equal(now.Add(flashDuration)) {
			t.Errorf("flashUntil = %v", got)
		}
	})
}
