package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinwickman/panebridge/internal/state"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running bridge",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	pid, stopped, err := stopBridge(e.store)
	if err != nil {
		return err
	}
	if !stopped {
		fmt.Println("Bridge is not running.")
		return nil
	}
	fmt.Printf("Bridge stopped (PID %d).\n", pid)
	return nil
}

// stopBridge signals the bridge named by the PID marker and waits for it to
// remove the marker.
func stopBridge(store *state.Store) (int, bool, error) {
	pid, ok := store.Running()
	if !ok {
		return 0, false, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false, fmt.Errorf("finding PID %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return pid, false, fmt.Errorf("signalling PID %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if _, ok := store.Running(); !ok {
			return pid, true, nil
		}
		time.Sleep(pollEvery)
	}
	return pid, false, fmt.Errorf("bridge (PID %d) did not stop within %s", pid, stopWait)
}
