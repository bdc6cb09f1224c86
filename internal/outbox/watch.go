package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher wakes the consumer when notifications may be pending. Filesystem
// events are only a hint: the consumer always lists the directory, and the
// watcher also wakes it at startup and on every reconcile tick.
type Watcher struct {
	q         *Queue
	debounce  time.Duration
	reconcile time.Duration
	wake      chan struct{}
}

// NewWatcher creates a watcher for q. A reconcile interval of zero disables
// the periodic listing.
func NewWatcher(q *Queue, debounce, reconcile time.Duration) *Watcher {
	return &Watcher{
		q:         q,
		debounce:  debounce,
		reconcile: reconcile,
		wake:      make(chan struct{}, 1),
	}
}

// C delivers wake-ups. Several events may coalesce into one.
func (w *Watcher) C() <-chan struct{} { return w.wake }

// Kick wakes the consumer without a filesystem event.
func (w *Watcher) Kick() { w.kick() }

func (w *Watcher) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.q.Dir()); err != nil {
		return fmt.Errorf("watching %s: %w", w.q.Dir(), err)
	}

	// startup reconcile
	w.kick()

	var tick <-chan time.Time
	if w.reconcile > 0 {
		t := time.NewTicker(w.reconcile)
		defer t.Stop()
		tick = t.C
	}

	// stopped timer, armed by the first relevant event
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isPending(filepath.Base(ev.Name)) {
				continue
			}
			debounce.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			// overflow and friends: fall back to a listing
			log.Warn("outbox_watch_error", "error", err.Error())
			w.kick()

		case <-debounce.C:
			w.kick()

		case <-tick:
			w.kick()
		}
	}
}
