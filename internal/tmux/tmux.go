// Package tmux drives the target pane: discovery, quiescence detection,
// input injection, and scrollback capture.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/martinwickman/panebridge/internal/logging"
	"github.com/martinwickman/panebridge/internal/terminal"
)

var log = logging.ForComponent(logging.CompTmux)

var (
	// ErrNotInTmux means the process is not running inside tmux.
	ErrNotInTmux = errors.New("not running inside tmux")
	// ErrSessionMismatch means tmux is running but under a different session name.
	ErrSessionMismatch = errors.New("tmux session name does not match")
)

// Target identifies a pane, e.g. "%3". It is resolved once at startup.
type Target string

// Runner executes a tmux subcommand. stdin may be empty.
type Runner interface {
	Run(ctx context.Context, stdin string, args ...string) (string, error)
}

// ExecRunner runs the real tmux binary.
type ExecRunner struct {
	Socket string // -L socket name, empty = default server
}

// Run executes tmux and returns its raw stdout.
func (r ExecRunner) Run(ctx context.Context, stdin string, args ...string) (string, error) {
	all := []string{"-u"}
	if r.Socket != "" {
		all = append(all, "-L", r.Socket)
	}
	all = append(all, args...)

	cmd := exec.CommandContext(ctx, "tmux", all...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("tmux %s: %s", args[0], msg)
		}
		return "", fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return stdout.String(), nil
}

// Profile describes how quiescence is detected.
type Profile struct {
	StableWindow time.Duration
	PollInterval time.Duration
	Timeout      time.Duration
}

// RequiredChecks is ceil(StableWindow / PollInterval), at least 1.
func (p Profile) RequiredChecks() int {
	if p.PollInterval <= 0 {
		return 1
	}
	n := int((p.StableWindow + p.PollInterval - 1) / p.PollInterval)
	return max(n, 1)
}

// InjectTiming holds the settle delays of the injection protocol.
type InjectTiming struct {
	CancelSettle   time.Duration // after Escape
	ClearSettle    time.Duration // after C-u
	PayloadSettle  time.Duration // after the payload, before the first Enter
	SubmitGap      time.Duration // between the two Enters
	KeystrokeDelay time.Duration // between typed characters
	PasteThreshold int           // payloads of at least this many runes are pasted
}

// Controller drives panes through a Runner.
type Controller struct {
	run    Runner
	timing InjectTiming

	// sleep and now are replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Controller.
func New(run Runner, timing InjectTiming) *Controller {
	return &Controller{
		run:    run,
		timing: timing,
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Controller) display(ctx context.Context, target Target, format string) (string, error) {
	args := []string{"display-message", "-p"}
	if target != "" {
		args = append(args, "-t", string(target))
	}
	out, err := c.run.Run(ctx, "", append(args, format)...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ResolveTarget finds the pane hosting this process. It fails with
// ErrNotInTmux or ErrSessionMismatch when the bridge should stay disabled.
func (c *Controller) ResolveTarget(ctx context.Context, sessionName string) (Target, error) {
	if os.Getenv("TMUX") == "" {
		return "", ErrNotInTmux
	}
	name, err := c.display(ctx, "", "#S")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotInTmux, err)
	}
	if sessionName != "" && name != sessionName {
		return "", fmt.Errorf("%w: in %q, want %q", ErrSessionMismatch, name, sessionName)
	}
	if pane := os.Getenv("TMUX_PANE"); pane != "" {
		return Target(pane), nil
	}
	pane, err := c.display(ctx, "", "#{pane_id}")
	if err != nil || pane == "" {
		return "", fmt.Errorf("%w: no pane id", ErrNotInTmux)
	}
	return Target(pane), nil
}

// Capture returns the pane's visible text, extended backward by
// scrollbackLines rows of history when scrollbackLines > 0. Soft-wrapped
// rows are joined so a long input line can still be found whole.
func (c *Controller) Capture(ctx context.Context, target Target, scrollbackLines int) (string, error) {
	args := []string{"capture-pane", "-p", "-J", "-t", string(target)}
	if scrollbackLines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", scrollbackLines))
	}
	return c.run.Run(ctx, "", args...)
}

// Cursor returns "x,y" for the pane's cursor.
func (c *Controller) Cursor(ctx context.Context, target Target) (string, error) {
	return c.display(ctx, target, "#{cursor_x},#{cursor_y}")
}

// snapshot is the text+cursor signal compared between polls.
func (c *Controller) snapshot(ctx context.Context, target Target) (string, error) {
	text, err := c.Capture(ctx, target, 0)
	if err != nil {
		return "", err
	}
	cursor, err := c.Cursor(ctx, target)
	if err != nil {
		return "", err
	}
	return text + "\n__CURSOR__:" + cursor, nil
}

// WaitForQuiescence polls the pane until text and cursor have been identical
// for p.RequiredChecks() consecutive polls. It returns false when p.Timeout
// elapses first or ctx is cancelled. Polls that fail are skipped.
func (c *Controller) WaitForQuiescence(ctx context.Context, target Target, p Profile) bool {
	required := p.RequiredChecks()
	start := c.now()

	var last string
	seen := false
	stable := 0
	polls := 0
	for c.now().Sub(start) < p.Timeout {
		if err := c.sleep(ctx, p.PollInterval); err != nil {
			return false
		}
		polls++

		cur, err := c.snapshot(ctx, target)
		if err != nil {
			log.Debug("quiescence_poll_failed", "target", string(target), "error", err.Error())
			continue
		}

		if seen && cur == last {
			stable++
		} else {
			stable = 0
			last = cur
			seen = true
		}

		if stable >= required {
			log.Debug("pane_quiescent", "target", string(target), "polls", polls)
			return true
		}
	}
	log.Info("quiescence_timeout", "target", string(target), "timeout", p.Timeout.String(), "polls", polls)
	return false
}

// Inject types text into the pane the way a person would: cancel any
// partial input mode, clear the line, deliver the payload, then submit twice.
// The second Enter leaves multi-line composers that swallow the first one.
func (c *Controller) Inject(ctx context.Context, target Target, text string) error {
	t := string(target)
	if err := c.sendKeys(ctx, t, "Escape"); err != nil {
		return fmt.Errorf("sending cancel: %w", err)
	}
	if err := c.sleep(ctx, c.timing.CancelSettle); err != nil {
		return err
	}

	if err := c.sendKeys(ctx, t, "C-u"); err != nil {
		return fmt.Errorf("clearing line: %w", err)
	}
	if err := c.sleep(ctx, c.timing.ClearSettle); err != nil {
		return err
	}

	if c.shouldPaste(text) {
		if err := c.paste(ctx, t, text); err != nil {
			return fmt.Errorf("pasting payload: %w", err)
		}
	} else if err := c.typeText(ctx, t, text); err != nil {
		return fmt.Errorf("typing payload: %w", err)
	}
	if err := c.sleep(ctx, c.timing.PayloadSettle); err != nil {
		return err
	}

	if err := c.sendKeys(ctx, t, "Enter"); err != nil {
		return fmt.Errorf("submitting: %w", err)
	}
	if err := c.sleep(ctx, c.timing.SubmitGap); err != nil {
		return err
	}
	if err := c.sendKeys(ctx, t, "Enter"); err != nil {
		return fmt.Errorf("submitting: %w", err)
	}
	return nil
}

// shouldPaste reports whether the payload goes through a paste buffer.
// Typed newlines would act as Enter, so multi-line text is always pasted.
func (c *Controller) shouldPaste(text string) bool {
	if strings.Contains(text, "\n") {
		return true
	}
	return len([]rune(text)) >= c.timing.PasteThreshold
}

func (c *Controller) sendKeys(ctx context.Context, target string, keys ...string) error {
	args := append([]string{"send-keys", "-t", target}, keys...)
	_, err := c.run.Run(ctx, "", args...)
	return err
}

func (c *Controller) typeText(ctx context.Context, target, text string) error {
	for i, r := range text {
		if i > 0 {
			if err := c.sleep(ctx, c.timing.KeystrokeDelay); err != nil {
				return err
			}
		}
		key := string(r)
		if r == ';' {
			// a bare ; ends the tmux command
			key = `\;`
		}
		if err := c.sendKeys(ctx, target, "-l", key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) paste(ctx context.Context, target, text string) error {
	buffer := fmt.Sprintf("panebridge-%d", c.now().UnixNano())
	if _, err := c.run.Run(ctx, text, "load-buffer", "-b", buffer, "-"); err != nil {
		return err
	}
	if _, err := c.run.Run(ctx, "", "paste-buffer", "-p", "-d", "-b", buffer, "-t", target); err != nil {
		_, _ = c.run.Run(ctx, "", "delete-buffer", "-b", buffer)
		return err
	}
	return nil
}

// PaneTitle returns the pane title with any status glyph prefix removed.
func (c *Controller) PaneTitle(ctx context.Context, target Target) string {
	title, err := c.display(ctx, target, "#{pane_title}")
	if err != nil {
		return ""
	}
	return terminal.StripTitlePrefix(title)
}

// Select switches the attached client to the given pane.
func (c *Controller) Select(ctx context.Context, target Target) error {
	if _, err := c.run.Run(ctx, "", "switch-client", "-t", string(target)); err != nil {
		log.Debug("switch_client_failed", "target", string(target), "error", err.Error())
	}
	_, err := c.run.Run(ctx, "", "select-pane", "-t", string(target))
	return err
}

// Pane binds a Controller to one Target.
type Pane struct {
	ctl    *Controller
	target Target
}

// Pane returns a handle for target.
func (c *Controller) Pane(target Target) *Pane {
	return &Pane{ctl: c, target: target}
}

// Target returns the bound pane id.
func (p *Pane) Target() Target { return p.target }

// WaitForQuiescence is Controller.WaitForQuiescence for the bound pane.
func (p *Pane) WaitForQuiescence(ctx context.Context, prof Profile) bool {
	return p.ctl.WaitForQuiescence(ctx, p.target, prof)
}

// Inject is Controller.Inject for the bound pane.
func (p *Pane) Inject(ctx context.Context, text string) error {
	return p.ctl.Inject(ctx, p.target, text)
}

// Capture is Controller.Capture for the bound pane.
func (p *Pane) Capture(ctx context.Context, scrollbackLines int) (string, error) {
	return p.ctl.Capture(ctx, p.target, scrollbackLines)
}
