package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/martinwickman/panebridge/internal/bridge"
	"github.com/martinwickman/panebridge/internal/config"
	"github.com/martinwickman/panebridge/internal/monitor"
	"github.com/martinwickman/panebridge/internal/switcher"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the bridge is configured, running and connected",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "open a live dashboard")
	rootCmd.AddCommand(statusCmd)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	paneLock := bridge.NewLock(e.cfg, e.store)
	load := func() monitor.Snapshot { return monitor.Load(e.store, paneLock) }

	if statusWatch {
		ctl := e.controller()
		switchTo := func(pane string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return switcher.Switch(ctx, ctl, pane)
		}
		p := tea.NewProgram(monitor.New(load, switchTo), tea.WithAltScreen(), tea.WithMouseCellMotion())
		_, err := p.Run()
		return err
	}

	snap := load()
	fmt.Printf("configured: %s\n", yesNo(config.Configured()))
	if snap.Running {
		fmt.Printf("running:    yes (PID %d)\n", snap.PID)
	} else {
		fmt.Println("running:    no")
	}
	fmt.Printf("connected:  %s\n\n", yesNo(snap.Running && snap.HasStatus && snap.Status.Connected))

	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	fmt.Println(monitor.RenderOnce(snap, width))
	return nil
}
