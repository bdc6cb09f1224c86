// Package relay sequences chat turns and notifications through the pane lock
// and the terminal controller, and pulls replies out of the pane.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/martinwickman/panebridge/internal/lock"
	"github.com/martinwickman/panebridge/internal/logging"
	"github.com/martinwickman/panebridge/internal/outbox"
	"github.com/martinwickman/panebridge/internal/terminal"
	"github.com/martinwickman/panebridge/internal/tmux"
)

var log = logging.ForComponent(logging.CompRelay)

// ErrNoRecipient means a chat notification arrived before any chat spoke
// to the bridge.
var ErrNoRecipient = errors.New("no active recipient")

// Pane is the terminal surface a turn drives.
type Pane interface {
	WaitForQuiescence(ctx context.Context, p tmux.Profile) bool
	Inject(ctx context.Context, text string) error
	Capture(ctx context.Context, scrollbackLines int) (string, error)
}

// Locker hands out the pane lock.
type Locker interface {
	Acquire(ctx context.Context) (*lock.Lease, error)
}

// Sender delivers text to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Phase is a step of a turn.
type Phase string

const (
	PhaseReceived        Phase = "received"
	PhaseLockWait        Phase = "lock_wait"
	PhaseStabilizingPre  Phase = "stabilizing_pre"
	PhaseInjecting       Phase = "injecting"
	PhaseStabilizingPost Phase = "stabilizing_post"
	PhaseExtracting      Phase = "extracting"
	PhaseDelivered       Phase = "delivered"
	PhaseFailed          Phase = "failed"
)

// Outcome is how a chat turn ended.
type Outcome string

const (
	OutcomeReplied      Outcome = "replied"
	OutcomeNoOutput     Outcome = "no_output"
	OutcomeNotLocated   Outcome = "not_located"
	OutcomeEmptyCleaned Outcome = "empty_after_clean"
	OutcomeBusy         Outcome = "busy"
	OutcomeError        Outcome = "error"
)

// Kind tells chat turns from notifications in events.
type Kind string

const (
	KindTurn         Kind = "turn"
	KindNotification Kind = "notification"
)

// Event reports progress to an observer such as the status writer.
type Event struct {
	ID      uint64
	Kind    Kind
	Phase   Phase
	Outcome Outcome // set on PhaseDelivered / PhaseFailed of chat turns
}

// Options are the orchestrator's tunables.
type Options struct {
	SourceTag       string
	Pre             tmux.Profile
	Post            tmux.Profile
	ScrollbackLines int
	TrimLines       int
	FallbackLines   int
	ReplyLimit      int
	ChunkSize       int
}

// Inbound is one chat message.
type Inbound struct {
	ChatID int64
	Text   string
}

// Result is the end state of a chat turn.
type Result struct {
	Outcome Outcome
	Reply   string
	Err     error // transport or send failure, if any
}

// Orchestrator runs turns. It is safe for concurrent use; the lock
// serialises pane access.
type Orchestrator struct {
	pane      Pane
	lock      Locker
	sender    Sender
	recipient *Recipient
	opts      Options

	// Observe, when set, receives every phase change.
	Observe func(Event)

	seq atomic.Uint64
}

// New creates an Orchestrator.
func New(pane Pane, l Locker, sender Sender, recipient *Recipient, opts Options) *Orchestrator {
	return &Orchestrator{
		pane:      pane,
		lock:      l,
		sender:    sender,
		recipient: recipient,
		opts:      opts,
	}
}

// Recipient returns the active-recipient tracker.
func (o *Orchestrator) Recipient() *Recipient { return o.recipient }

func (o *Orchestrator) emit(ev Event) {
	if o.Observe != nil {
		o.Observe(ev)
	}
}

// HandleTurn runs one inbound chat message through the pane and replies to
// the sender. The lock is released before the reply is sent.
func (o *Orchestrator) HandleTurn(ctx context.Context, in Inbound) Result {
	id := o.seq.Add(1)
	tlog := log.With("turn", id, "chat_id", in.ChatID)
	o.emit(Event{ID: id, Kind: KindTurn, Phase: PhaseReceived})

	o.recipient.Set(in.ChatID)
	key := EchoKey(o.opts.SourceTag, in.Text)

	res := o.runTurn(ctx, id, key)

	phase := PhaseDelivered
	if res.Outcome == OutcomeBusy || res.Outcome == OutcomeError {
		phase = PhaseFailed
	}
	if err := o.sender.Send(ctx, in.ChatID, res.Reply); err != nil {
		tlog.Error("reply_send_failed", "error", err.Error())
		res.Err = errors.Join(res.Err, fmt.Errorf("sending reply: %w", err))
		phase = PhaseFailed
	}
	o.emit(Event{ID: id, Kind: KindTurn, Phase: phase, Outcome: res.Outcome})
	tlog.Info("turn_finished", "outcome", string(res.Outcome), "reply_runes", len([]rune(res.Reply)))
	return res
}

// runTurn holds the lock for the pane work only.
func (o *Orchestrator) runTurn(ctx context.Context, id uint64, key string) Result {
	tlog := log.With("turn", id)

	o.emit(Event{ID: id, Kind: KindTurn, Phase: PhaseLockWait})
	lease, err := o.lock.Acquire(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			tlog.Info("turn_busy")
			return Result{Outcome: OutcomeBusy, Reply: ReplyBusy}
		}
		tlog.Error("lock_failed", "error", err.Error())
		return Result{Outcome: OutcomeError, Reply: "Error: " + err.Error(), Err: err}
	}
	defer lease.Release()

	o.emit(Event{ID: id, Kind: KindTurn, Phase: PhaseStabilizingPre})
	if !o.pane.WaitForQuiescence(ctx, o.opts.Pre) {
		tlog.Info("pre_quiescence_timeout")
	}

	o.emit(Event{ID: id, Kind: KindTurn, Phase: PhaseInjecting})
	if err := o.pane.Inject(ctx, key); err != nil {
		tlog.Error("inject_failed", "error", err.Error())
		return Result{Outcome: OutcomeError, Reply: "Error: " + err.Error(), Err: err}
	}

	o.emit(Event{ID: id, Kind: KindTurn, Phase: PhaseStabilizingPost})
	if !o.pane.WaitForQuiescence(ctx, o.opts.Post) {
		tlog.Info("post_quiescence_timeout")
	}

	o.emit(Event{ID: id, Kind: KindTurn, Phase: PhaseExtracting})
	captured, err := o.pane.Capture(ctx, o.opts.ScrollbackLines)
	if err != nil {
		tlog.Error("capture_failed", "error", err.Error())
		return Result{Outcome: OutcomeError, Reply: "Error: " + err.Error(), Err: err}
	}
	return o.reply(tlog, captured, key)
}

func (o *Orchestrator) reply(tlog *slog.Logger, captured, key string) Result {
	raw, found := Extract(captured, key, o.opts.TrimLines, o.opts.FallbackLines)
	if !found {
		tlog.Info("echo_key_not_found", "fallback_lines", o.opts.FallbackLines)
	}
	if raw == "" {
		if found {
			return Result{Outcome: OutcomeNoOutput, Reply: ReplyNoOutput}
		}
		return Result{Outcome: OutcomeNotLocated, Reply: ReplyNotLocated}
	}
	clean := terminal.Clean(raw)
	if clean == "" {
		return Result{Outcome: OutcomeEmptyCleaned, Reply: ReplyEmptyCleaned}
	}
	return Result{Outcome: OutcomeReplied, Reply: FitReply(clean, o.opts.ReplyLimit)}
}

// HandleNotification delivers one queued notification. It waits for the
// pane to settle under the lock, then either types the message into the pane
// or sends it to the active recipient in ordered chunks. It returns
// lock.ErrBusy when the lock could not be taken and ErrNoRecipient when a
// chat notification has nowhere to go.
func (o *Orchestrator) HandleNotification(ctx context.Context, n outbox.Notification) error {
	id := o.seq.Add(1)
	nlog := log.With("notification", id, "inject", n.Inject)
	o.emit(Event{ID: id, Kind: KindNotification, Phase: PhaseReceived})

	chatID, known := o.recipient.Get()
	if !n.Inject && !known {
		o.emit(Event{ID: id, Kind: KindNotification, Phase: PhaseFailed})
		return ErrNoRecipient
	}

	err := o.runNotification(ctx, id, n)
	if err == nil && !n.Inject {
		err = o.sendChunks(ctx, chatID, terminal.Clean(n.Message))
	}
	if err != nil {
		o.emit(Event{ID: id, Kind: KindNotification, Phase: PhaseFailed})
		if !errors.Is(err, lock.ErrBusy) {
			nlog.Error("notification_failed", "error", err.Error())
		}
		return err
	}
	o.emit(Event{ID: id, Kind: KindNotification, Phase: PhaseDelivered})
	nlog.Info("notification_delivered")
	return nil
}

func (o *Orchestrator) runNotification(ctx context.Context, id uint64, n outbox.Notification) error {
	o.emit(Event{ID: id, Kind: KindNotification, Phase: PhaseLockWait})
	lease, err := o.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	o.emit(Event{ID: id, Kind: KindNotification, Phase: PhaseStabilizingPre})
	if !o.pane.WaitForQuiescence(ctx, o.opts.Pre) {
		log.Info("pre_quiescence_timeout", "notification", id)
	}
	if !n.Inject {
		return nil
	}

	o.emit(Event{ID: id, Kind: KindNotification, Phase: PhaseInjecting})
	if err := o.pane.Inject(ctx, Neutralize(n.Message)); err != nil {
		return fmt.Errorf("injecting notification: %w", err)
	}
	return nil
}

func (o *Orchestrator) sendChunks(ctx context.Context, chatID int64, text string) error {
	if text == "" {
		return nil
	}
	for i, chunk := range SplitChunks(text, o.opts.ChunkSize) {
		if err := o.sender.Send(ctx, chatID, chunk); err != nil {
			return fmt.Errorf("sending chunk %d: %w", i+1, err)
		}
	}
	return nil
}
