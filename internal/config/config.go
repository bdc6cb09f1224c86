// Package config loads panebridge settings from config.toml and the environment.
//
// Every timing, threshold, and size limit the bridge uses is a named field here.
// The defaults are the values the bridge was tuned against with Gemini CLI; other
// target programs may need different settle delays.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrNotConfigured is returned when no bot token is available.
var ErrNotConfigured = errors.New("no Telegram bot token configured")

// Duration wraps time.Duration so config.toml can say "500ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Profile is a quiescence profile: how long the pane must stay unchanged,
// how often to look, and when to give up.
type Profile struct {
	StableWindow Duration `toml:"stable_window"`
	PollInterval Duration `toml:"poll_interval"`
	Timeout      Duration `toml:"timeout"`
}

// Tmux holds target discovery settings.
type Tmux struct {
	SessionName string `toml:"session_name"`
	Socket      string `toml:"socket"`
}

// Inject holds the injection protocol delays.
type Inject struct {
	CancelSettle   Duration `toml:"cancel_settle"`
	ClearSettle    Duration `toml:"clear_settle"`
	PayloadSettle  Duration `toml:"payload_settle"`
	SubmitGap      Duration `toml:"submit_gap"`
	KeystrokeDelay Duration `toml:"keystroke_delay"`
	PasteThreshold int      `toml:"paste_threshold"`
}

// Lock holds the cross-process lock settings.
type Lock struct {
	Name          string   `toml:"name"`
	RetryInterval Duration `toml:"retry_interval"`
	MaxRetries    int      `toml:"max_retries"`
}

// Turn holds the orchestrator settings.
type Turn struct {
	SourceTag       string  `toml:"source_tag"`
	Pre             Profile `toml:"pre"`
	Post            Profile `toml:"post"`
	ScrollbackLines int     `toml:"scrollback_lines"`
	TrimLines       int     `toml:"trim_lines"`
	FallbackLines   int     `toml:"fallback_lines"`
}

// Chat holds transport settings.
type Chat struct {
	MaxMessageLen int     `toml:"max_message_len"`
	ReplyLimit    int     `toml:"reply_limit"`
	AllowedChats  []int64 `toml:"allowed_chats"`
	SendRate      float64 `toml:"send_rate"`
	SendBurst     int     `toml:"send_burst"`
}

// Outbox holds notification queue settings.
type Outbox struct {
	Debounce          Duration `toml:"debounce"`
	ReconcileInterval Duration `toml:"reconcile_interval"`
	BusyRetryDelay    Duration `toml:"busy_retry_delay"`
	MaxAttempts       int      `toml:"max_attempts"`
	NotifyOnStop      bool     `toml:"notify_on_stop"`
}

// Log holds logging settings.
type Log struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Config is the full panebridge configuration.
type Config struct {
	StateDir string `toml:"state_dir"`
	Tmux     Tmux   `toml:"tmux"`
	Inject   Inject `toml:"inject"`
	Lock     Lock   `toml:"lock"`
	Turn     Turn   `toml:"turn"`
	Chat     Chat   `toml:"chat"`
	Outbox   Outbox `toml:"outbox"`
	Log      Log    `toml:"log"`
}

func ms(n int) Duration { return Duration{time.Duration(n) * time.Millisecond} }

// Default returns the reference configuration.
func Default() Config {
	return Config{
		Tmux: Tmux{SessionName: "gemini-cli"},
		Inject: Inject{
			CancelSettle:   ms(100),
			ClearSettle:    ms(100),
			PayloadSettle:  ms(500),
			SubmitGap:      ms(200),
			KeystrokeDelay: ms(10),
			PasteThreshold: 200,
		},
		Lock: Lock{
			Name:          "gemini-telegram-bridge",
			RetryInterval: ms(500),
			MaxRetries:    10,
		},
		Turn: Turn{
			SourceTag:       "[Telegram]: ",
			Pre:             Profile{StableWindow: ms(2000), PollInterval: ms(500), Timeout: ms(30000)},
			Post:            Profile{StableWindow: ms(3000), PollInterval: ms(500), Timeout: ms(20000)},
			ScrollbackLines: 200,
			TrimLines:       5,
			FallbackLines:   20,
		},
		Chat: Chat{
			MaxMessageLen: 4096,
			ReplyLimit:    4000,
			SendRate:      1,
			SendBurst:     3,
		},
		Outbox: Outbox{
			Debounce:          ms(50),
			ReconcileInterval: ms(30000),
			BusyRetryDelay:    ms(2000),
			MaxAttempts:       10,
		},
		Log: Log{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Dir returns the configuration directory, respecting PANEBRIDGE_CONFIG_DIR.
func Dir() string {
	if dir := os.Getenv("PANEBRIDGE_CONFIG_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "panebridge")
}

// Path returns the config.toml location.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// Load reads config.toml (a missing file is fine), fills defaults, and applies
// environment overrides.
func Load() (Config, error) {
	return LoadFile(Path())
}

// LoadFile is Load for an explicit path.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("decoding %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.fillZero()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PANEBRIDGE_SESSION_NAME"); v != "" {
		c.Tmux.SessionName = v
	} else if v := os.Getenv("GEMINI_TMUX_SESSION_NAME"); v != "" {
		c.Tmux.SessionName = v
	}
	if v := os.Getenv("PANEBRIDGE_TMUX_SOCKET"); v != "" {
		c.Tmux.Socket = v
	}
	if v := os.Getenv("PANEBRIDGE_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("PANEBRIDGE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// fillZero restores defaults for values a partial config.toml left unusable.
func (c *Config) fillZero() {
	d := Default()
	if c.Tmux.SessionName == "" {
		c.Tmux.SessionName = d.Tmux.SessionName
	}
	if c.Lock.Name == "" {
		c.Lock.Name = d.Lock.Name
	}
	if c.Lock.MaxRetries <= 0 {
		c.Lock.MaxRetries = d.Lock.MaxRetries
	}
	if c.Turn.Pre.PollInterval.Duration <= 0 {
		c.Turn.Pre.PollInterval = d.Turn.Pre.PollInterval
	}
	if c.Turn.Post.PollInterval.Duration <= 0 {
		c.Turn.Post.PollInterval = d.Turn.Post.PollInterval
	}
	if c.Chat.MaxMessageLen <= 0 {
		c.Chat.MaxMessageLen = d.Chat.MaxMessageLen
	}
	if c.Chat.ReplyLimit <= 0 || c.Chat.ReplyLimit > c.Chat.MaxMessageLen {
		c.Chat.ReplyLimit = min(d.Chat.ReplyLimit, c.Chat.MaxMessageLen)
	}
	if c.Chat.SendRate <= 0 {
		c.Chat.SendRate = d.Chat.SendRate
	}
	if c.Chat.SendBurst <= 0 {
		c.Chat.SendBurst = d.Chat.SendBurst
	}
	if c.Outbox.MaxAttempts <= 0 {
		c.Outbox.MaxAttempts = d.Outbox.MaxAttempts
	}
}

// TokenPath returns the persisted bot token location.
func TokenPath() string {
	return filepath.Join(Dir(), "bot_token")
}

// LoadToken returns the bot token from TELEGRAM_BOT_TOKEN or the token file.
func LoadToken() (string, error) {
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		return v, nil
	}
	data, err := os.ReadFile(TokenPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotConfigured
		}
		return "", fmt.Errorf("reading token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNotConfigured
	}
	return token, nil
}

// SaveToken persists the bot token with owner-only permissions.
func SaveToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNotConfigured
	}
	if err := os.MkdirAll(Dir(), 0700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(TokenPath(), []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token: %w", err)
	}
	return nil
}

// Configured reports whether a token is available.
func Configured() bool {
	_, err := LoadToken()
	return err == nil
}
