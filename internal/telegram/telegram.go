// Package telegram is the chat transport: it receives text messages from the
// Telegram Bot API and sends replies at a bounded rate.
package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/martinwickman/panebridge/internal/logging"
	"github.com/martinwickman/panebridge/internal/relay"
)

var log = logging.ForComponent(logging.CompChat)

// UnauthorizedReply is sent to chats outside the allow list.
const UnauthorizedReply = "Unauthorized"

// api is the part of *tgbotapi.BotAPI the bridge uses.
type api interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Options configure a Bot.
type Options struct {
	// AllowedChats restricts who may drive the pane. Empty allows everyone.
	AllowedChats []int64
	// SendRate is messages per second, SendBurst the bucket size.
	SendRate  float64
	SendBurst int
	// MaxMessageLen is the hard transport limit. Longer texts are cut.
	MaxMessageLen int
}

// Bot wraps the Bot API client.
type Bot struct {
	api     api
	name    string
	allowed map[int64]bool
	limiter *rate.Limiter
	maxLen  int
}

type slogAdapter struct{}

func (slogAdapter) Println(v ...any) {
	log.Debug("bot_api", "msg", strings.TrimSpace(fmt.Sprintln(v...)))
}

func (slogAdapter) Printf(format string, v ...any) {
	log.Debug("bot_api", "msg", fmt.Sprintf(format, v...))
}

// Connect authenticates with token and returns a ready Bot.
func Connect(token string, opts Options) (*Bot, error) {
	_ = tgbotapi.SetLogger(slogAdapter{})
	botAPI, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connecting to Telegram: %w", err)
	}
	return newBot(botAPI, botAPI.Self.UserName, opts), nil
}

func newBot(a api, name string, opts Options) *Bot {
	if opts.SendRate <= 0 {
		opts.SendRate = 1
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 1
	}
	b := &Bot{
		api:     a,
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendBurst),
		maxLen:  opts.MaxMessageLen,
	}
	if len(opts.AllowedChats) > 0 {
		b.allowed = make(map[int64]bool, len(opts.AllowedChats))
		for _, id := range opts.AllowedChats {
			b.allowed[id] = true
		}
	}
	return b
}

// Name returns the bot's username.
func (b *Bot) Name() string { return b.name }

// Allowed reports whether chatID may drive the pane.
func (b *Bot) Allowed(chatID int64) bool {
	return b.allowed == nil || b.allowed[chatID]
}

// Send delivers text as a plain message. Empty text is skipped since the
// API rejects it.
func (b *Bot) Send(ctx context.Context, chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if b.maxLen > 0 {
		if r := []rune(text); len(r) > b.maxLen {
			text = string(r[:b.maxLen])
		}
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("sending to chat %d: %w", chatID, err)
	}
	return nil
}

// Listen long-polls for updates until ctx is cancelled, calling handle for
// each text message from an allowed chat. handle must not block for long;
// the bridge runs each turn on its own goroutine.
func (b *Bot) Listen(ctx context.Context, handle func(relay.Inbound)) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.dispatch(ctx, update, handle)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, update tgbotapi.Update, handle func(relay.Inbound)) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || msg.Text == "" {
		return
	}
	chatID := msg.Chat.ID
	if !b.Allowed(chatID) {
		user := ""
		if msg.From != nil {
			user = msg.From.UserName
		}
		log.Warn("unauthorized_chat", "chat_id", chatID, "user", user)
		if err := b.Send(ctx, chatID, UnauthorizedReply); err != nil {
			log.Debug("unauthorized_reply_failed", "error", err.Error())
		}
		return
	}
	log.Info("message_received", "chat_id", chatID, "message_id", msg.MessageID, "runes", len([]rune(msg.Text)))
	handle(relay.Inbound{ChatID: chatID, Text: msg.Text})
}
