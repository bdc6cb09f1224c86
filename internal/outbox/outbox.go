// Package outbox is a directory-backed notification queue. Producers drop
// files in, the bridge claims them one at a time by renaming.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/martinwickman/panebridge/internal/logging"
)

var log = logging.ForComponent(logging.CompOutbox)

// ErrClaimed means another consumer claimed (or removed) the file first.
var ErrClaimed = errors.New("notification already claimed")

const (
	prefix        = "msg_"
	ext           = ".json"
	processingExt = ".processing"
)

// Notification is one queued outbound message.
type Notification struct {
	Message string `json:"message"`
	// Inject types the message into the pane instead of sending it to chat.
	Inject bool `json:"inject,omitempty"`
}

// Queue is a notification directory.
type Queue struct {
	dir string
	now func() time.Time
}

// Open returns the queue rooted at dir, creating it if needed.
func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating outbox: %w", err)
	}
	return &Queue{dir: dir, now: time.Now}, nil
}

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// isPending reports whether name is a queued, unclaimed notification.
func isPending(name string) bool {
	return strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext)
}

// Enqueue writes n atomically and returns the file name. Names sort in
// enqueue order.
func (q *Queue) Enqueue(n Notification) (string, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("encoding notification: %w", err)
	}

	tmp, err := os.CreateTemp(q.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing notification: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing notification: %w", err)
	}

	name := fmt.Sprintf("%s%019d_%s%s", prefix, q.now().UnixNano(), uuid.NewString(), ext)
	if err := os.Rename(tmp.Name(), filepath.Join(q.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publishing notification: %w", err)
	}
	return name, nil
}

// Pending lists unclaimed notifications, oldest first.
func (q *Queue) Pending() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading outbox: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isPending(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Claim takes ownership of a pending notification by renaming it. It fails
// with ErrClaimed if the file is gone.
func (q *Queue) Claim(name string) (*Claim, error) {
	src := filepath.Join(q.dir, name)
	dst := src + processingExt
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrClaimed
		}
		return nil, fmt.Errorf("claiming %s: %w", name, err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return &Claim{
		Name:         name,
		Notification: decode(data),
		path:         dst,
		orig:         src,
	}, nil
}

// decode accepts the JSON form and falls back to treating the whole file as
// the message text.
func decode(data []byte) Notification {
	var n Notification
	if err := json.Unmarshal(data, &n); err == nil && n.Message != "" {
		return n
	}
	return Notification{Message: strings.TrimSpace(string(data))}
}

// Recover returns files left in the claimed state by a crashed consumer to
// the queue. Only call it while holding the single-consumer guarantee.
func (q *Queue) Recover() int {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, processingExt) {
			continue
		}
		orig := strings.TrimSuffix(name, processingExt)
		if !isPending(orig) {
			continue
		}
		if err := os.Rename(filepath.Join(q.dir, name), filepath.Join(q.dir, orig)); err == nil {
			n++
		}
	}
	if n > 0 {
		log.Info("outbox_recovered", "count", n)
	}
	return n
}

// Claim is a notification owned by the caller.
type Claim struct {
	Name string
	Notification

	path string
	orig string
}

// Done deletes the claimed file.
func (c *Claim) Done() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", c.Name, err)
	}
	return nil
}

// Requeue puts the notification back under its original name.
func (c *Claim) Requeue() error {
	if err := os.Rename(c.path, c.orig); err != nil {
		return fmt.Errorf("requeueing %s: %w", c.Name, err)
	}
	return nil
}
