// Package hook turns agent hook events into outbox notifications, so a chat
// user learns when the agent in the bridged pane is waiting on them.
package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinwickman/panebridge/internal/logging"
	"github.com/martinwickman/panebridge/internal/outbox"
	"github.com/martinwickman/panebridge/internal/state"
	"github.com/martinwickman/panebridge/internal/tmux"
)

var log = logging.ForComponent(logging.CompHook)

const (
	kindWaiting  = "waiting"
	kindFinished = "finished"
)

type hookInput struct {
	SessionID        string          `json:"session_id"`
	CWD              string          `json:"cwd"`
	HookEventName    string          `json:"hook_event_name"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	NotificationType string          `json:"notification_type"`
	Message          string          `json:"message"`
	Title            string          `json:"title"`
}

// Options select which events become notifications.
type Options struct {
	// OnStop also reports when the agent finishes responding.
	OnStop bool
}

type enqueuer interface {
	Enqueue(n outbox.Notification) (string, error)
}

// actionable reports whether a notification type needs the user.
// idle_prompt and friends fire on plain inactivity and are skipped.
func actionable(notifType string) bool {
	switch notifType {
	case "permission_prompt", "elicitation_dialog", "ToolPermission":
		return true
	default:
		return false
	}
}

func mapEvent(event, toolDetail, notifType, title, message string) (kind, detail string) {
	switch event {
	case "Notification":
		if !actionable(notifType) {
			return "", ""
		}
		return kindWaiting, notificationDetail(notifType, title, message)
	case "PermissionRequest":
		if toolDetail == "" {
			return kindWaiting, "Permission needed"
		}
		return kindWaiting, "Permission needed: " + toolDetail
	case "Stop", "AfterAgent":
		return kindFinished, "Finished responding"
	default:
		return "", ""
	}
}

func buildToolDetail(toolName string, toolInput json.RawMessage) string {
	if toolName == "" {
		return ""
	}

	var input map[string]any
	if len(toolInput) > 0 {
		json.Unmarshal(toolInput, &input) // best-effort
	}

	getString := func(keys ...string) string {
		for _, key := range keys {
			if s, ok := input[key].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}

	switch toolName {
	case "Bash", "run_shell_command":
		cmd := getString("command")
		if len(cmd) > 80 {
			cmd = cmd[:80]
		}
		if cmd != "" {
			return toolName + ": " + cmd
		}
		return toolName
	case "Edit", "Write", "Read", "replace", "write_file", "read_file":
		fp := getString("file_path", "absolute_path")
		if fp != "" {
			return toolName + " " + filepath.Base(fp)
		}
		return toolName
	case "WebFetch", "web_fetch":
		if u := getString("url", "prompt"); u != "" {
			return toolName + " " + u
		}
		return toolName
	default:
		return toolName
	}
}

func notificationDetail(notifType, title, message string) string {
	if title != "" {
		return title
	}
	if message != "" {
		return message
	}
	return "Awaiting response"
}

func formatMessage(label, kind, detail string) string {
	switch kind {
	case kindWaiting:
		return fmt.Sprintf("[%s] Waiting for input: %s", label, detail)
	default:
		return fmt.Sprintf("[%s] %s", label, detail)
	}
}

// projectLabel is the last path element of the agent's working directory.
func projectLabel(cwd string) string {
	if cwd == "" {
		return "agent"
	}
	name := filepath.Base(cwd)
	if i := strings.LastIndex(name, "\\"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == string(filepath.Separator) {
		return cwd
	}
	return name
}

// paneLabel prefers the pane title the agent set, since it names the task.
func paneLabel(ctl *tmux.Controller) func(cwd string) string {
	return func(cwd string) string {
		pane := os.Getenv("TMUX_PANE")
		if pane == "" || ctl == nil {
			return projectLabel(cwd)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if title := ctl.PaneTitle(ctx, tmux.Target(pane)); title != "" {
			return title
		}
		return projectLabel(cwd)
	}
}

// Run reads one hook event from stdin and queues a notification for it. It
// returns false when the event was ignored or no bridge is running.
func Run(stdin io.Reader, store *state.Store, ctl *tmux.Controller, opts Options) (bool, error) {
	q, err := outbox.Open(store.OutboxDir())
	if err != nil {
		return false, err
	}
	running := func() bool {
		_, ok := store.Running()
		return ok
	}
	return run(stdin, q, running, paneLabel(ctl), opts)
}

func run(stdin io.Reader, q enqueuer, running func() bool, label func(cwd string) string, opts Options) (bool, error) {
	data, err := io.ReadAll(stdin)
	if err != nil {
		return false, fmt.Errorf("reading stdin: %w", err)
	}

	var input hookInput
	if err := json.Unmarshal(data, &input); err != nil {
		return false, fmt.Errorf("parsing hook input: %w", err)
	}

	toolDetail := buildToolDetail(input.ToolName, input.ToolInput)
	kind, detail := mapEvent(input.HookEventName, toolDetail, input.NotificationType, input.Title, input.Message)
	if kind == "" {
		return false, nil
	}
	if kind == kindFinished && !opts.OnStop {
		return false, nil
	}

	// queued messages would pile up with nobody to drain them
	if !running() {
		log.Debug("hook_skipped_bridge_down", "event", input.HookEventName)
		return false, nil
	}

	msg := formatMessage(label(input.CWD), kind, detail)
	name, err := q.Enqueue(outbox.Notification{Message: msg})
	if err != nil {
		return false, fmt.Errorf("queueing notification: %w", err)
	}
	log.Info("hook_queued", "event", input.HookEventName, "session_id", input.SessionID, "name", name)
	return true, nil
}
