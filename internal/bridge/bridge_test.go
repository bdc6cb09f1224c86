package bridge

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinwickman/panebridge/internal/config"
	"github.com/martinwickman/panebridge/internal/lock"
	"github.com/martinwickman/panebridge/internal/outbox"
	"github.com/martinwickman/panebridge/internal/relay"
	"github.com/martinwickman/panebridge/internal/state"
	"github.com/martinwickman/panebridge/internal/tmux"
)

// echoPane answers every injected line with a fixed reply.
type echoPane struct {
	mu       sync.Mutex
	injected []string
	answer   string
}

func (p *echoPane) WaitForQuiescence(context.Context, tmux.Profile) bool { return true }

func (p *echoPane) Inject(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.injected = append(p.injected, text)
	return nil
}

func (p *echoPane) Capture(context.Context, int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.injected) == 0 {
		return "", nil
	}
	return "> " + p.injected[len(p.injected)-1] + "\n" + p.answer, nil
}

func (p *echoPane) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.injected...)
}

type message struct {
	chatID int64
	text   string
}

type recorder struct {
	mu   sync.Mutex
	msgs []message
}

func (r *recorder) Send(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, message{chatID, text})
	return nil
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		out = append(out, m.text)
	}
	return out
}

func (r *recorder) sent() []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message(nil), r.msgs...)
}

// scriptedListener hands out its messages, then waits for cancellation.
type scriptedListener struct {
	msgs []relay.Inbound
}

func (l scriptedListener) Listen(ctx context.Context, handle func(relay.Inbound)) error {
	for _, m := range l.msgs {
		handle(m)
	}
	<-ctx.Done()
	return nil
}

// delayedListener waits before handing out its messages.
type delayedListener struct {
	delay time.Duration
	msgs  []relay.Inbound
}

func (l delayedListener) Listen(ctx context.Context, handle func(relay.Inbound)) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(l.delay):
	}
	for _, m := range l.msgs {
		handle(m)
	}
	<-ctx.Done()
	return nil
}

type memRecipients struct {
	mu sync.Mutex
	id int64
	ok bool
}

func (m *memRecipients) LoadRecipient() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, m.ok
}

func (m *memRecipients) SaveRecipient(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id, m.ok = id, true
	return nil
}

type fixture struct {
	pane   *echoPane
	sender *recorder
	queue  *outbox.Queue
	store  *state.Store
	orch   *relay.Orchestrator
}

func newFixture(t *testing.T, recipients relay.RecipientStore) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := state.Open(dir)
	require.NoError(t, err)
	queue, err := outbox.Open(store.OutboxDir())
	require.NoError(t, err)

	cfg := config.Default()
	opts := RelayOptions(cfg)
	pane := &echoPane{answer: "done"}
	sender := &recorder{}
	l := lock.New(dir, "pane", 10*time.Millisecond, 1)
	return &fixture{
		pane:   pane,
		sender: sender,
		queue:  queue,
		store:  store,
		orch:   relay.New(pane, l, sender, relay.NewRecipient(recipients), opts),
	}
}

func (f *fixture) bridge(listener Listener, opts Options) *Bridge {
	if opts.Debounce == 0 {
		opts.Debounce = 5 * time.Millisecond
	}
	if opts.ReconcileInterval == 0 {
		opts.ReconcileInterval = 20 * time.Millisecond
	}
	return New(listener, f.orch, f.sender, f.queue, f.store, state.Status{PID: 99}, opts)
}

func runFor(t *testing.T, b *Bridge, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	assert.Eventually(t, until, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestBridgeTurns(t *testing.T) {
	t.Run("chat message should be typed into the pane and answered", func(t *testing.T) {
		f := newFixture(t, &memRecipients{})
		b := f.bridge(scriptedListener{msgs: []relay.Inbound{{ChatID: 5, Text: "hello"}}}, Options{})

		runFor(t, b, func() bool { return len(f.sender.texts()) == 1 })

		assert.Equal(t, []string{"[Telegram]: hello"}, f.pane.lines())
		assert.Equal(t, []string{"done"}, f.sender.texts())

		st := b.status.snapshot()
		assert.Equal(t, 1, st.Turns)
		assert.Equal(t, PhaseIdle, st.Phase)
		assert.EqualValues(t, 5, st.Recipient)
	})
}

func TestBridgeNotifications(t *testing.T) {
	t.Run("queued chat notification should reach the recipient", func(t *testing.T) {
		f := newFixture(t, &memRecipients{id: 7, ok: true})
		_, err := f.queue.Enqueue(outbox.Notification{Message: "build finished"})
		require.NoError(t, err)
		b := f.bridge(scriptedListener{}, Options{MaxAttempts: 3})

		runFor(t, b, func() bool { return len(f.sender.texts()) == 1 })

		assert.Equal(t, []string{"build finished"}, f.sender.texts())
		assert.Empty(t, f.pane.lines())
		pending, err := f.queue.Pending()
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("inject notification should be typed into the pane", func(t *testing.T) {
		f := newFixture(t, &memRecipients{})
		_, err := f.queue.Enqueue(outbox.Notification{Message: "!status", Inject: true})
		require.NoError(t, err)
		b := f.bridge(scriptedListener{}, Options{})

		runFor(t, b, func() bool { return len(f.pane.lines()) == 1 })

		assert.Equal(t, []string{" !status"}, f.pane.lines())
	})

	t.Run("notification without a recipient should stay queued", func(t *testing.T) {
		f := newFixture(t, &memRecipients{})
		_, err := f.queue.Enqueue(outbox.Notification{Message: "nobody home"})
		require.NoError(t, err)
		b := f.bridge(scriptedListener{}, Options{})

		deadline := time.Now().Add(150 * time.Millisecond)
		runFor(t, b, func() bool { return time.Now().After(deadline) })

		assert.Empty(t, f.sender.texts())
		pending, err := f.queue.Pending()
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("queued notification should go to the first chat that writes", func(t *testing.T) {
		f := newFixture(t, &memRecipients{})
		_, err := f.queue.Enqueue(outbox.Notification{Message: "nobody home"})
		require.NoError(t, err)
		listener := delayedListener{
			delay: 80 * time.Millisecond,
			msgs:  []relay.Inbound{{ChatID: 5, Text: "hello"}},
		}
		b := f.bridge(listener, Options{})

		runFor(t, b, func() bool { return len(f.sender.texts()) == 2 })

		assert.Contains(t, f.sender.sent(), message{5, "nobody home"})
		pending, err := f.queue.Pending()
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("notifications should be delivered in queue order", func(t *testing.T) {
		f := newFixture(t, &memRecipients{id: 1, ok: true})
		for _, m := range []string{"one", "two", "three"} {
			_, err := f.queue.Enqueue(outbox.Notification{Message: m})
			require.NoError(t, err)
		}
		b := f.bridge(scriptedListener{}, Options{})

		runFor(t, b, func() bool { return len(f.sender.texts()) == 3 })
		assert.Equal(t, []string{"one", "two", "three"}, f.sender.texts())
	})

	t.Run("busy notification should be retried until the lock frees", func(t *testing.T) {
		f := newFixture(t, &memRecipients{id: 1, ok: true})
		holder := lock.New(f.store.Dir(), "pane", time.Millisecond, 0)
		lease, err := holder.Acquire(context.Background())
		require.NoError(t, err)

		_, err = f.queue.Enqueue(outbox.Notification{Message: "later"})
		require.NoError(t, err)
		b := f.bridge(scriptedListener{}, Options{BusyRetryDelay: 20 * time.Millisecond, MaxAttempts: 50})

		time.AfterFunc(60*time.Millisecond, lease.Release)
		runFor(t, b, func() bool { return len(f.sender.texts()) == 1 })
		assert.Equal(t, []string{"later"}, f.sender.texts())
	})
}

func TestBridgeStatus(t *testing.T) {
	t.Run("status snapshot should be written at startup", func(t *testing.T) {
		f := newFixture(t, &memRecipients{})
		b := f.bridge(scriptedListener{}, Options{})

		runFor(t, b, func() bool {
			st, err := f.store.LoadStatus()
			return err == nil && st.PID == 99
		})
	})

	t.Run("stop notice should be sent when enabled", func(t *testing.T) {
		f := newFixture(t, &memRecipients{id: 3, ok: true})
		b := f.bridge(scriptedListener{}, Options{NotifyOnStop: true})

		runFor(t, b, func() bool {
			_, err := f.store.LoadStatus()
			return err == nil
		})
		assert.Equal(t, []string{StoppedMessage}, f.sender.texts())
	})
}

func TestObserve(t *testing.T) {
	s := newStatusTracker(nil, state.Status{}, nil)

	s.observe(relay.Event{ID: 1, Kind: relay.KindTurn, Phase: relay.PhaseInjecting})
	assert.True(t, strings.HasSuffix(s.snapshot().Phase, "injecting"))

	s.observe(relay.Event{ID: 1, Kind: relay.KindTurn, Phase: relay.PhaseFailed, Outcome: relay.OutcomeBusy})
	s.observe(relay.Event{ID: 2, Kind: relay.KindNotification, Phase: relay.PhaseDelivered})

	st := s.snapshot()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, 1, st.Turns)
	assert.Equal(t, 1, st.Busy)
	assert.Equal(t, 0, st.Failures)
	assert.Equal(t, 1, st.Notifications)
}
