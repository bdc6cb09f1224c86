package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinwickman/panebridge/internal/config"
	"github.com/martinwickman/panebridge/internal/logging"
)

const (
	startWait = 10 * time.Second
	stopWait  = 5 * time.Second
	pollEvery = 100 * time.Millisecond
)

var startToken string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bridge in the background if it is not running",
	Long: `Checks that this shell is inside the expected tmux session, that a bot
token is configured, and starts "panebridge serve" detached from the terminal.
Does nothing when a bridge is already running.

Examples:
  panebridge start
  panebridge start --token 123456:ABC-DEF`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startToken, "token", "", "bot token to save before starting")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	if startToken != "" {
		if err := config.SaveToken(startToken); err != nil {
			return err
		}
	}
	return startBridge(cmd.Context(), e)
}

// startBridge ensures a bridge is running for the current pane.
func startBridge(ctx context.Context, e env) error {
	if _, err := config.LoadToken(); err != nil {
		return err
	}
	target, err := e.controller().ResolveTarget(ctx, e.cfg.Tmux.SessionName)
	if err != nil {
		return err
	}
	if pid, ok := e.store.Running(); ok {
		fmt.Printf("Bridge already running (PID %d).\n", pid)
		return nil
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	serveArgs := []string{"serve"}
	if configPath != "" {
		serveArgs = append(serveArgs, "--config", configPath)
	}
	child := exec.Command(self, serveArgs...)
	child.Env = os.Environ()
	detach(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	deadline := time.Now().Add(startWait)
	for time.Now().Before(deadline) {
		if pid, ok := e.store.Running(); ok && pid == child.Process.Pid {
			fmt.Printf("Telegram bridge started! (PID: %d)\nTarget Pane: %s\nLogs: %s\n",
				pid, target, logging.Path(e.store.Dir()))
			return nil
		}
		select {
		case err := <-exited:
			return fmt.Errorf("bridge exited during startup (%v), see %s", err, logging.Path(e.store.Dir()))
		case <-time.After(pollEvery):
		}
	}
	return fmt.Errorf("bridge did not report in within %s, see %s", startWait, logging.Path(e.store.Dir()))
}
