package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/martinwickman/panebridge/internal/relay"
	"github.com/martinwickman/panebridge/internal/state"
)

// PhaseIdle is shown when no turn or notification is in flight.
const PhaseIdle = "idle"

// statusTracker folds orchestrator events into the status snapshot.
type statusTracker struct {
	mu        sync.Mutex
	st        state.Status
	store     *state.Store
	recipient *relay.Recipient
}

func newStatusTracker(store *state.Store, base state.Status, recipient *relay.Recipient) *statusTracker {
	base.Phase = PhaseIdle
	return &statusTracker{st: base, store: store, recipient: recipient}
}

func (s *statusTracker) observe(ev relay.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Phase {
	case relay.PhaseDelivered, relay.PhaseFailed:
		s.st.Phase = PhaseIdle
		s.st.LastActivity = time.Now().UTC().Format(time.RFC3339)
		switch ev.Kind {
		case relay.KindTurn:
			s.st.Turns++
			s.st.LastOutcome = string(ev.Outcome)
			if ev.Outcome == relay.OutcomeBusy {
				s.st.Busy++
			}
		case relay.KindNotification:
			if ev.Phase == relay.PhaseDelivered {
				s.st.Notifications++
			}
			s.st.LastOutcome = fmt.Sprintf("notification %s", ev.Phase)
		}
		if ev.Phase == relay.PhaseFailed && ev.Outcome != relay.OutcomeBusy {
			s.st.Failures++
		}
	default:
		s.st.Phase = fmt.Sprintf("%s %d: %s", ev.Kind, ev.ID, ev.Phase)
	}
	s.writeLocked()
}

func (s *statusTracker) setPending(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Pending == n {
		return
	}
	s.st.Pending = n
	s.writeLocked()
}

func (s *statusTracker) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked()
}

func (s *statusTracker) snapshot() state.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *statusTracker) writeLocked() {
	if s.recipient != nil {
		s.st.Recipient, _ = s.recipient.Get()
	}
	if s.store == nil {
		return
	}
	if err := s.store.WriteStatus(s.st); err != nil {
		log.Debug("status_write_failed", "error", err.Error())
	}
}
