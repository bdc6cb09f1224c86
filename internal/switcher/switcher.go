package switcher

import (
	"context"
	"fmt"

	"github.com/martinwickman/panebridge/internal/tmux"
)

// Selector focuses a tmux pane.
type Selector interface {
	Select(ctx context.Context, target tmux.Target) error
}

// Switch focuses the pane the bridge is attached to.
func Switch(ctx context.Context, sel Selector, pane string) error {
	if pane == "" {
		return fmt.Errorf("no switching info available")
	}
	if err := sel.Select(ctx, tmux.Target(pane)); err != nil {
		return fmt.Errorf("selecting pane %s: %w", pane, err)
	}
	return nil
}
