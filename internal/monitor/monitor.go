// Package monitor renders the bridge status, either once or as a live
// dashboard.
package monitor

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/martinwickman/panebridge/internal/lock"
	"github.com/martinwickman/panebridge/internal/state"
)

const (
	refreshInterval = time.Second
	flashDuration   = 1500 * time.Millisecond
	statusMsgTTL    = 3 * time.Second
)

// Snapshot is everything the dashboard shows.
type Snapshot struct {
	Running   bool
	PID       int
	Status    state.Status
	HasStatus bool
	LockOwner string
}

// Source produces a fresh snapshot on every refresh.
type Source func() Snapshot

// Load reads the bridge marker, the status file, and the pane lock.
func Load(store *state.Store, paneLock *lock.Lock) Snapshot {
	var s Snapshot
	s.PID, s.Running = store.Running()
	if st, err := store.LoadStatus(); err == nil {
		s.Status, s.HasStatus = st, true
	}
	if paneLock != nil {
		if rec, ok := paneLock.Owner(); ok {
			s.LockOwner = rec.String()
		}
	}
	return s
}

type tickMsg time.Time

type clearStatusMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Model holds the state for the Bubble Tea program.
type Model struct {
	load       Source
	switchTo   func(pane string) error
	snap       Snapshot
	spinner    spinner.Model
	width      int
	flashUntil time.Time
	statusMsg  string
}

// New creates a dashboard model. switchTo focuses the bridged pane and may
// be nil.
func New(load Source, switchTo func(pane string) error) Model {
	s := spinner.New()
	s.Spinner = spinner.MiniDot
	s.Style = workingStyle

	return Model{
		load:     load,
		switchTo: switchTo,
		snap:     load(),
		spinner:  s,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "enter", "s":
			return m.focusPane()
		}

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionRelease && msg.Button == tea.MouseButtonLeft {
			return m.focusPane()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		next := m.load()
		if next.Status.LastActivity != "" && next.Status.LastActivity != m.snap.Status.LastActivity {
			m.flashUntil = time.Time(msg).Add(flashDuration)
		}
		m.snap = next
		return m, tickCmd()

	case clearStatusMsg:
		m.statusMsg = ""
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) focusPane() (tea.Model, tea.Cmd) {
	if m.switchTo == nil || m.snap.Status.Pane == "" {
		return m, nil
	}
	if err := m.switchTo(m.snap.Status.Pane); err != nil {
		m.statusMsg = "switch failed: " + err.Error()
	} else {
		m.statusMsg = "switched to " + m.snap.Status.Pane
	}
	return m, tea.Tick(statusMsgTTL, func(time.Time) tea.Msg { return clearStatusMsg{} })
}

func (m Model) View() string {
	return render(m.snap, m.spinner, m.width, flashPhase(time.Now(), m.flashUntil), m.statusMsg)
}
