package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinwickman/panebridge/internal/lock"
	"github.com/martinwickman/panebridge/internal/outbox"
	"github.com/martinwickman/panebridge/internal/tmux"
)

type fakePane struct {
	mu        sync.Mutex
	injected  []string
	waits     []tmux.Profile
	capture   func(injected string) string
	injectErr error
}

func (p *fakePane) WaitForQuiescence(_ context.Context, prof tmux.Profile) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits = append(p.waits, prof)
	return true
}

func (p *fakePane) Inject(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.injectErr != nil {
		return p.injectErr
	}
	p.injected = append(p.injected, text)
	return nil
}

func (p *fakePane) Capture(_ context.Context, _ int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := ""
	if len(p.injected) > 0 {
		last = p.injected[len(p.injected)-1]
	}
	if p.capture == nil {
		return "", nil
	}
	return p.capture(last), nil
}

type sent struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu     sync.Mutex
	msgs   []sent
	onSend func()
	err    error
}

func (s *fakeSender) Send(_ context.Context, chatID int64, text string) error {
	if s.onSend != nil {
		s.onSend()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, sent{chatID, text})
	return nil
}

type memStore struct {
	id    int64
	known bool
	saves int
}

func (m *memStore) LoadRecipient() (int64, bool) { return m.id, m.known }
func (m *memStore) SaveRecipient(id int64) error {
	m.id, m.known = id, true
	m.saves++
	return nil
}

var testOpts = Options{
	SourceTag:       "[Telegram]: ",
	Pre:             tmux.Profile{StableWindow: 2 * time.Second, PollInterval: 500 * time.Millisecond, Timeout: 30 * time.Second},
	Post:            tmux.Profile{StableWindow: 3 * time.Second, PollInterval: 500 * time.Millisecond, Timeout: 20 * time.Second},
	ScrollbackLines: 200,
	TrimLines:       5,
	FallbackLines:   20,
	ReplyLimit:      4000,
	ChunkSize:       4000,
}

const furniture = "\n─────\n> \nstatus\nmodel\nfooter"

type harness struct {
	orch   *Orchestrator
	pane   *fakePane
	sender *fakeSender
	lock   *lock.Lock
	store  *memStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		pane:   &fakePane{},
		sender: &fakeSender{},
		lock:   lock.New(t.TempDir(), "relay-test", time.Millisecond, 1),
		store:  &memStore{},
	}
	h.orch = New(h.pane, h.lock, h.sender, NewRecipient(h.store), testOpts)
	return h
}

func TestHandleTurn(t *testing.T) {
	t.Run("shell escape should be neutralized before injection", func(t *testing.T) {
		h := newHarness(t)
		h.pane.capture = func(key string) string { return key + "\nrefused" + furniture }

		res := h.orch.HandleTurn(context.Background(), Inbound{ChatID: 7, Text: "!rm -rf /"})

		require.Len(t, h.pane.injected, 1)
		assert.Equal(t, "[Telegram]:  !rm -rf /", h.pane.injected[0])
		assert.Equal(t, OutcomeReplied, res.Outcome)
		assert.Equal(t, "refused", res.Reply)
	})

	t.Run("reply after the echo key should be sent to the chat", func(t *testing.T) {
		h := newHarness(t)
		h.pane.capture = func(key string) string {
			return "older turn\n" + key + "\n\nHello there\n" + furniture
		}

		res := h.orch.HandleTurn(context.Background(), Inbound{ChatID: 7, Text: "hi"})

		assert.Equal(t, OutcomeReplied, res.Outcome)
		require.Len(t, h.sender.msgs, 1)
		assert.Equal(t, sent{7, "Hello there"}, h.sender.msgs[0])
		assert.Equal(t, []tmux.Profile{testOpts.Pre, testOpts.Post}, h.pane.waits)
	})

	t.Run("5000 character reply should keep the trailing 4000 behind a banner", func(t *testing.T) {
		h := newHarness(t)
		body := strings.Repeat("a", 1000) + strings.Repeat("b", 4000)
		h.pane.capture = func(key string) string { return key + "\n" + body + furniture }

		res := h.orch.HandleTurn(context.Background(), Inbound{ChatID: 1, Text: "long"})

		assert.Equal(t, TruncatedBanner+strings.Repeat("b", 4000), res.Reply)
	})

	t.Run("busy lock should reply busy without touching the pane", func(t *testing.T) {
		h := newHarness(t)
		held, err := h.lock.Acquire(context.Background())
		require.NoError(t, err)
		defer held.Release()

		res := h.orch.HandleTurn(context.Background(), Inbound{ChatID: 1, Text: "hi"})

		assert.Equal(t, OutcomeBusy, res.Outcome)
		assert.Equal(t, ReplyBusy, h.sender.msgs[0].text)
		assert.Empty(t, h.pane.injected)
		assert.Empty(t, h.pane.waits)
	})

	t.Run("inject failure should reply with the error and free the lock", func(t *testing.T) {
		h := newHarness(t)
		h.pane.injectErr = errors.New("can't find pane: %9")

		res := h.orch.HandleTurn(context.Background(), Inbound{ChatID: 1, Text: "hi"})

		assert.Equal(t, OutcomeError, res.Outcome)
		assert.Equal(t, "Error: can't find pane: %9", res.Reply)
		lease, err := h.lock.Acquire(context.Background())
		require.NoError(t, err, "lock must be released after a failed turn")
		lease.Release()
	})

	t.Run("lock should be free when the reply is sent", func(t *testing.T) {
		h := newHarness(t)
		h.pane.capture = func(key string) string { return key + "\nok" + furniture }
		var acquireErr error
		h.sender.onSend = func() {
			lease, err := h.lock.Acquire(context.Background())
			acquireErr = err
			lease.Release()
		}

		h.orch.HandleTurn(context.Background(), Inbound{ChatID: 1, Text: "hi"})
		assert.NoError(t, acquireErr)
	})

	t.Run("missing echo key should fall back to the last lines", func(t *testing.T) {
		h := newHarness(t)
		h.pane.capture = func(string) string { return "scrolled away\nstill answering" + furniture }

		res := h.orch.HandleTurn(context.Background(), Inbound{ChatID: 1, Text: "hi"})

		assert.Equal(t, OutcomeReplied, res.Outcome)
		assert.Equal(t, "scrolled away\n\nstill answering", res.Reply)
	})

	t.Run("echo key with nothing after it should report no output", func(t *testing.T) {
		h := newHarness(t)
		h.pane.capture = func(key string) string { return key + furniture }

		res := h.orch.HandleTurn(context.Background(), Inbound{ChatID: 1, Text: "hi"})
		assert.Equal(t, ReplyNoOutput, res.Reply)
	})

	t.Run("empty capture should report the turn could not be located", func(t *testing.T) {
		h := newHarness(t)

		res := h.orch.HandleTurn(context.Background(), Inbound{ChatID: 1, Text: "hi"})
		assert.Equal(t, OutcomeNotLocated, res.Outcome)
		assert.Equal(t, ReplyNotLocated, res.Reply)
	})

	t.Run("reply made only of chrome should report empty after cleaning", func(t *testing.T) {
		h := newHarness(t)
		h.pane.capture = func(key string) string { return key + "\n╭──╮\n╰──╯" + furniture }

		res := h.orch.HandleTurn(context.Background(), Inbound{ChatID: 1, Text: "hi"})
		assert.Equal(t, ReplyEmptyCleaned, res.Reply)
	})

	t.Run("sender chat should become the persisted recipient", func(t *testing.T) {
		h := newHarness(t)
		h.orch.HandleTurn(context.Background(), Inbound{ChatID: 55, Text: "hi"})
		h.orch.HandleTurn(context.Background(), Inbound{ChatID: 55, Text: "again"})

		id, ok := h.orch.Recipient().Get()
		assert.True(t, ok)
		assert.EqualValues(t, 55, id)
		assert.Equal(t, 1, h.store.saves, "unchanged recipient is not rewritten")
	})

	t.Run("observer should see the phases in order", func(t *testing.T) {
		h := newHarness(t)
		h.pane.capture = func(key string) string { return key + "\nok" + furniture }
		var phases []Phase
		h.orch.Observe = func(ev Event) { phases = append(phases, ev.Phase) }

		h.orch.HandleTurn(context.Background(), Inbound{ChatID: 1, Text: "hi"})

		assert.Equal(t, []Phase{
			PhaseReceived, PhaseLockWait, PhaseStabilizingPre, PhaseInjecting,
			PhaseStabilizingPost, PhaseExtracting, PhaseDelivered,
		}, phases)
	})
}

func TestHandleNotification(t *testing.T) {
	t.Run("long chat notification should be sent in ordered chunks", func(t *testing.T) {
		h := newHarness(t)
		h.orch.Recipient().Set(9)
		msg := strings.Repeat("a", 4000) + strings.Repeat("b", 4000) + "c"

		err := h.orch.HandleNotification(context.Background(), outbox.Notification{Message: msg})
		require.NoError(t, err)

		require.Len(t, h.sender.msgs, 3)
		assert.Equal(t, strings.Repeat("a", 4000), h.sender.msgs[0].text)
		assert.Equal(t, strings.Repeat("b", 4000), h.sender.msgs[1].text)
		assert.Equal(t, "c", h.sender.msgs[2].text)
		assert.EqualValues(t, 9, h.sender.msgs[0].chatID)
		assert.Empty(t, h.pane.injected)
		assert.Equal(t, []tmux.Profile{testOpts.Pre}, h.pane.waits)
	})

	t.Run("chat notification without a recipient should fail", func(t *testing.T) {
		h := newHarness(t)
		err := h.orch.HandleNotification(context.Background(), outbox.Notification{Message: "done"})
		assert.ErrorIs(t, err, ErrNoRecipient)
		assert.Empty(t, h.pane.waits)
	})

	t.Run("inject notification should be typed into the pane", func(t *testing.T) {
		h := newHarness(t)
		err := h.orch.HandleNotification(context.Background(), outbox.Notification{Message: "!ls\nbuild done", Inject: true})
		require.NoError(t, err)

		assert.Equal(t, []string{" !ls\nbuild done"}, h.pane.injected)
		assert.Empty(t, h.sender.msgs)
	})

	t.Run("held lock should report busy", func(t *testing.T) {
		h := newHarness(t)
		held, err := h.lock.Acquire(context.Background())
		require.NoError(t, err)
		defer held.Release()

		err = h.orch.HandleNotification(context.Background(), outbox.Notification{Message: "x", Inject: true})
		assert.ErrorIs(t, err, lock.ErrBusy)
	})
}
