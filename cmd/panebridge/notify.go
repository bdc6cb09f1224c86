package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/martinwickman/panebridge/internal/outbox"
	"github.com/martinwickman/panebridge/internal/relay"
	"github.com/martinwickman/panebridge/internal/state"
)

var notifyInject bool

var notifyCmd = &cobra.Command{
	Use:   "notify [message...]",
	Short: "Queue a notification for the chat",
	Long: `Queues a message for the running bridge. By default it is sent to the
last chat that talked to the bot; with --inject it is typed into the pane
instead. Without arguments the message is read from stdin.

Exits with 4 when no chat has talked to the bot yet. The message stays queued
and is delivered once one does and the bridge drains the queue.

Examples:
  panebridge notify "Build finished"
  make test 2>&1 | tail -5 | panebridge notify
  panebridge notify --inject "continue with the next step"`,
	RunE: runNotify,
}

func init() {
	notifyCmd.Flags().BoolVar(&notifyInject, "inject", false, "type the message into the pane instead of sending it to chat")
	rootCmd.AddCommand(notifyCmd)
}

func runNotify(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}

	msg := strings.Join(args, " ")
	if len(args) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		msg = string(data)
	}

	name, err := queueNotification(e.store, outbox.Notification{Message: msg, Inject: notifyInject})
	if name != "" {
		fmt.Println("Notification queued.")
		if _, running := e.store.Running(); !running {
			fmt.Fprintln(os.Stderr, "Bridge is not running; it will be delivered after the next start.")
		}
	}
	return err
}

// queueNotification writes n to the outbox. It returns relay.ErrNoRecipient,
// after queueing, when a chat message has nowhere to go yet.
func queueNotification(store *state.Store, n outbox.Notification) (string, error) {
	if strings.TrimSpace(n.Message) == "" {
		return "", fmt.Errorf("empty message")
	}
	q, err := outbox.Open(store.OutboxDir())
	if err != nil {
		return "", err
	}
	name, err := q.Enqueue(n)
	if err != nil {
		return "", err
	}
	if _, ok := store.LoadRecipient(); !ok && !n.Inject {
		return name, relay.ErrNoRecipient
	}
	return name, nil
}
