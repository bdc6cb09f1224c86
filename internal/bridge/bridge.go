// Package bridge runs the long-lived relay process: chat turns in, queued
// notifications out, and a status snapshot for the CLI.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/martinwickman/panebridge/internal/config"
	"github.com/martinwickman/panebridge/internal/lock"
	"github.com/martinwickman/panebridge/internal/logging"
	"github.com/martinwickman/panebridge/internal/outbox"
	"github.com/martinwickman/panebridge/internal/relay"
	"github.com/martinwickman/panebridge/internal/state"
	"github.com/martinwickman/panebridge/internal/telegram"
	"github.com/martinwickman/panebridge/internal/tmux"
)

var log = logging.ForComponent(logging.CompBridge)

// StoppedMessage is sent to the recipient on shutdown when enabled.
const StoppedMessage = "Bridge stopped."

// Listener delivers inbound chat messages.
type Listener interface {
	Listen(ctx context.Context, handle func(relay.Inbound)) error
}

// Options are the bridge loop settings.
type Options struct {
	Debounce          time.Duration
	ReconcileInterval time.Duration
	BusyRetryDelay    time.Duration
	MaxAttempts       int
	NotifyOnStop      bool
}

// Bridge ties the chat listener, the orchestrator, and the outbox together.
type Bridge struct {
	listener Listener
	orch     *relay.Orchestrator
	sender   relay.Sender
	queue    *outbox.Queue
	status   *statusTracker
	opts     Options

	// set when a chat notification found no recipient; drain waits for one
	parked bool
}

// New assembles a Bridge. store may be nil, in which case no status
// snapshot is written.
func New(listener Listener, orch *relay.Orchestrator, sender relay.Sender, queue *outbox.Queue, store *state.Store, base state.Status, opts Options) *Bridge {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	b := &Bridge{
		listener: listener,
		orch:     orch,
		sender:   sender,
		queue:    queue,
		status:   newStatusTracker(store, base, orch.Recipient()),
		opts:     opts,
	}
	orch.Observe = b.status.observe
	return b
}

// Run blocks until ctx is cancelled or a component fails.
func (b *Bridge) Run(ctx context.Context) error {
	if n := b.queue.Recover(); n > 0 {
		log.Info("requeued_orphaned_notifications", "count", n)
	}
	b.status.flush()

	watcher := outbox.NewWatcher(b.queue, b.opts.Debounce, b.opts.ReconcileInterval)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := b.listener.Listen(gctx, func(in relay.Inbound) {
			g.Go(func() error {
				b.orch.HandleTurn(gctx, in)
				// the turn may have supplied the first recipient
				watcher.Kick()
				return nil
			})
		})
		if err != nil {
			return fmt.Errorf("chat listener: %w", err)
		}
		if gctx.Err() == nil {
			return errors.New("chat listener stopped")
		}
		return nil
	})

	g.Go(func() error {
		return watcher.Run(gctx)
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-watcher.C():
				b.drain(gctx)
			}
		}
	})

	err := g.Wait()
	b.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drain delivers every pending notification in queue order, one at a time.
// A chat notification with no recipient stays at the head of the queue until
// a chat message supplies one.
func (b *Bridge) drain(ctx context.Context) {
	if b.parked {
		if _, ok := b.orch.Recipient().Get(); !ok {
			return
		}
		b.parked = false
		log.Info("recipient_known_resuming_outbox")
	}
	names, err := b.queue.Pending()
	if err != nil {
		log.Error("outbox_list_failed", "error", err.Error())
		return
	}
	for i, name := range names {
		if ctx.Err() != nil {
			return
		}
		b.status.setPending(len(names) - i)
		c, err := b.queue.Claim(name)
		if err != nil {
			if !errors.Is(err, outbox.ErrClaimed) {
				log.Error("outbox_claim_failed", "name", name, "error", err.Error())
			}
			continue
		}
		b.deliver(ctx, c)
	}
	b.status.setPending(0)
}

// deliver retries busy notifications and drops ones that can never succeed.
// It returns false when draining must stop and c has been put back.
func (b *Bridge) deliver(ctx context.Context, c *outbox.Claim) bool {
	for attempt := 1; ; attempt++ {
		err := b.orch.HandleNotification(ctx, c.Notification)
		switch {
		case err == nil:
			b.finish(c)
			return true

		case ctx.Err() != nil:
			b.requeue(c)
			return false

		case errors.Is(err, lock.ErrBusy) && attempt < b.opts.MaxAttempts:
			log.Info("notification_busy_retry", "name", c.Name, "attempt", attempt)
			t := time.NewTimer(b.opts.BusyRetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				b.requeue(c)
				return false
			case <-t.C:
			}

		case errors.Is(err, relay.ErrNoRecipient):
			log.Warn("notification_waiting_for_recipient", "name", c.Name)
			b.parked = true
			b.requeue(c)
			return false

		default:
			log.Error("notification_dropped", "name", c.Name, "attempts", attempt, "error", err.Error())
			b.finish(c)
			return true
		}
	}
}

func (b *Bridge) requeue(c *outbox.Claim) {
	if err := c.Requeue(); err != nil {
		log.Error("outbox_requeue_failed", "name", c.Name, "error", err.Error())
	}
}

func (b *Bridge) finish(c *outbox.Claim) {
	if err := c.Done(); err != nil {
		log.Error("outbox_remove_failed", "name", c.Name, "error", err.Error())
	}
}

func (b *Bridge) shutdown() {
	if !b.opts.NotifyOnStop {
		return
	}
	chatID, ok := b.orch.Recipient().Get()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.sender.Send(ctx, chatID, StoppedMessage); err != nil {
		log.Warn("stop_notice_failed", "error", err.Error())
	}
}

// Serve resolves the pane, connects to Telegram, and runs the bridge until
// ctx is cancelled. It returns tmux.ErrNotInTmux, tmux.ErrSessionMismatch or
// state.ErrAlreadyRunning when the bridge must not start.
func Serve(ctx context.Context, cfg config.Config, token string) error {
	store, err := state.Open(state.Dir(cfg.StateDir))
	if err != nil {
		return err
	}
	singleton, err := store.AcquireSingleton()
	if err != nil {
		return err
	}
	defer singleton.Release()

	ctl := tmux.New(tmux.ExecRunner{Socket: cfg.Tmux.Socket}, InjectTiming(cfg))
	target, err := ctl.ResolveTarget(ctx, cfg.Tmux.SessionName)
	if err != nil {
		return err
	}

	bot, err := telegram.Connect(token, telegram.Options{
		AllowedChats:  cfg.Chat.AllowedChats,
		SendRate:      cfg.Chat.SendRate,
		SendBurst:     cfg.Chat.SendBurst,
		MaxMessageLen: cfg.Chat.MaxMessageLen,
	})
	if err != nil {
		return err
	}

	queue, err := outbox.Open(store.OutboxDir())
	if err != nil {
		return err
	}

	paneLock := NewLock(cfg, store)
	orch := relay.New(ctl.Pane(target), paneLock, bot, relay.NewRecipient(store), RelayOptions(cfg))

	pid := os.Getpid()
	if err := store.WritePID(pid); err != nil {
		return err
	}
	defer store.RemovePID(pid)
	defer store.RemoveStatus()

	base := state.Status{
		PID:         pid,
		Pane:        string(target),
		PaneTitle:   ctl.PaneTitle(ctx, target),
		SessionName: cfg.Tmux.SessionName,
		BotName:     bot.Name(),
		Connected:   true,
		StartedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	log.Info("bridge_started", "pane", string(target), "bot", bot.Name(), "pid", pid)

	b := New(bot, orch, bot, queue, store, base, Options{
		Debounce:          cfg.Outbox.Debounce.Duration,
		ReconcileInterval: cfg.Outbox.ReconcileInterval.Duration,
		BusyRetryDelay:    cfg.Outbox.BusyRetryDelay.Duration,
		MaxAttempts:       cfg.Outbox.MaxAttempts,
		NotifyOnStop:      cfg.Outbox.NotifyOnStop,
	})
	err = b.Run(ctx)
	log.Info("bridge_stopped")
	return err
}

// NewLock returns the pane lock shared by the bridge and notifiers.
func NewLock(cfg config.Config, store *state.Store) *lock.Lock {
	return lock.New(store.Dir(), cfg.Lock.Name, cfg.Lock.RetryInterval.Duration, cfg.Lock.MaxRetries)
}

// InjectTiming maps config to the controller's timing.
func InjectTiming(cfg config.Config) tmux.InjectTiming {
	return tmux.InjectTiming{
		CancelSettle:   cfg.Inject.CancelSettle.Duration,
		ClearSettle:    cfg.Inject.ClearSettle.Duration,
		PayloadSettle:  cfg.Inject.PayloadSettle.Duration,
		SubmitGap:      cfg.Inject.SubmitGap.Duration,
		KeystrokeDelay: cfg.Inject.KeystrokeDelay.Duration,
		PasteThreshold: cfg.Inject.PasteThreshold,
	}
}

func profile(p config.Profile) tmux.Profile {
	return tmux.Profile{
		StableWindow: p.StableWindow.Duration,
		PollInterval: p.PollInterval.Duration,
		Timeout:      p.Timeout.Duration,
	}
}

// RelayOptions maps config to orchestrator options.
func RelayOptions(cfg config.Config) relay.Options {
	return relay.Options{
		SourceTag:       cfg.Turn.SourceTag,
		Pre:             profile(cfg.Turn.Pre),
		Post:            profile(cfg.Turn.Post),
		ScrollbackLines: cfg.Turn.ScrollbackLines,
		TrimLines:       cfg.Turn.TrimLines,
		FallbackLines:   cfg.Turn.FallbackLines,
		ReplyLimit:      cfg.Chat.ReplyLimit,
		ChunkSize:       cfg.Chat.ReplyLimit,
	}
}
