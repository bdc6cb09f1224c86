package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/martinwickman/panebridge/internal/config"
	"github.com/martinwickman/panebridge/internal/logging"
	"github.com/martinwickman/panebridge/internal/relay"
	"github.com/martinwickman/panebridge/internal/state"
	"github.com/martinwickman/panebridge/internal/tmux"
)

// Exit codes shared with whatever starts us.
const (
	exitOK            = 0
	exitFailure       = 1
	exitNotConfigured = 2
	exitNotInSession  = 3
	exitNoRecipient   = 4
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "panebridge",
	Short: "Relay a Telegram chat to an agent running in a tmux pane",
	Long: `panebridge forwards Telegram messages into one tmux pane, waits for the
program there to answer, and sends the answer back. Other processes can queue
notifications for the chat with "panebridge notify".`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.Path()+")")
}

// env is what every subcommand needs.
type env struct {
	cfg   config.Config
	store *state.Store
}

func loadEnv() (env, error) {
	path := configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return env{}, err
	}
	store, err := state.Open(state.Dir(cfg.StateDir))
	if err != nil {
		return env{}, err
	}
	logging.Init(logging.Config{
		Dir:        store.Dir(),
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return env{cfg: cfg, store: store}, nil
}

func (e env) controller() *tmux.Controller {
	return tmux.New(tmux.ExecRunner{Socket: e.cfg.Tmux.Socket}, tmux.InjectTiming{})
}

// exitCode maps sentinel errors to process exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrNotConfigured):
		return exitNotConfigured
	case errors.Is(err, tmux.ErrNotInTmux), errors.Is(err, tmux.ErrSessionMismatch):
		return exitNotInSession
	case errors.Is(err, relay.ErrNoRecipient):
		return exitNoRecipient
	default:
		return exitFailure
	}
}

// hint explains the operator action for errors that have one.
func hint(err error) string {
	switch exitCode(err) {
	case exitNotConfigured:
		return "run: panebridge configure <bot token>"
	case exitNotInSession:
		return "start the agent inside tmux, e.g.: tmux new -s gemini-cli gemini"
	default:
		return ""
	}
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "panebridge: %v\n", err)
		if h := hint(err); h != "" {
			fmt.Fprintln(os.Stderr, h)
		}
	}
	logging.Close()
	os.Exit(exitCode(err))
}
