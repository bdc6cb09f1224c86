package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/martinwickman/panebridge/internal/bridge"
	"github.com/martinwickman/panebridge/internal/config"
	"github.com/martinwickman/panebridge/internal/state"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge in the foreground",
	Long: `Runs the bridge for the current tmux pane until interrupted. Most users
want "panebridge start", which runs this in the background.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	token, err := config.LoadToken()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = bridge.Serve(ctx, e.cfg, token)
	if errors.Is(err, state.ErrAlreadyRunning) {
		pid, _ := e.store.Running()
		fmt.Printf("Bridge already running (PID %d).\n", pid)
		return nil
	}
	return err
}
