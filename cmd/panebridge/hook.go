package main

import (
	"github.com/spf13/cobra"

	"github.com/martinwickman/panebridge/internal/hook"
)

var hookOnStop bool

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Agent hook entry point (reads hook JSON on stdin)",
	Long: `Install as a Notification (and optionally Stop) hook of the agent running
in the bridged pane. Permission prompts and questions are forwarded to the chat.

Example hook command:
  panebridge hook --on-stop`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		_, err = hook.Run(cmd.InOrStdin(), e.store, e.controller(), hook.Options{OnStop: hookOnStop})
		return err
	},
}

func init() {
	hookCmd.Flags().BoolVar(&hookOnStop, "on-stop", false, "also notify when the agent finishes responding")
	rootCmd.AddCommand(hookCmd)
}
