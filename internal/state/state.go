// Package state owns the bridge's small on-disk records: the active
// recipient, the PID marker, and the status snapshot.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	ps "github.com/mitchellh/go-ps"
)

// ErrAlreadyRunning is returned when another bridge holds the singleton lock.
var ErrAlreadyRunning = errors.New("bridge is already running")

const (
	recipientFile = "chat_id"
	pidFile       = "bridge.pid"
	statusFile    = "status.json"
	outboxDir     = "outbox"
)

// Dir returns the state directory. An empty override means
// $TMPDIR/panebridge.
func Dir(override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(os.TempDir(), "panebridge")
}

// Store reads and writes records under one state directory. Every record is
// optional: a missing file is a normal state.
type Store struct {
	dir string
}

// Open returns a store rooted at dir, creating the directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

// OutboxDir returns the notification queue directory.
func (s *Store) OutboxDir() string { return filepath.Join(s.dir, outboxDir) }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// writeAtomic replaces path through a temp file in the same directory.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadRecipient returns the persisted chat id.
func (s *Store) LoadRecipient() (int64, bool) {
	data, err := os.ReadFile(s.path(recipientFile))
	if err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// SaveRecipient persists the chat id as a single line.
func (s *Store) SaveRecipient(id int64) error {
	if err := writeAtomic(s.path(recipientFile), []byte(strconv.FormatInt(id, 10)+"\n"), 0644); err != nil {
		return fmt.Errorf("saving recipient: %w", err)
	}
	return nil
}

// WritePID records pid as the running bridge.
func (s *Store) WritePID(pid int) error {
	if err := writeAtomic(s.path(pidFile), []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("writing pid marker: %w", err)
	}
	return nil
}

// ReadPID returns the recorded bridge PID.
func (s *Store) ReadPID() (int, bool) {
	data, err := os.ReadFile(s.path(pidFile))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// RemovePID deletes the marker if it still names pid.
func (s *Store) RemovePID(pid int) {
	if cur, ok := s.ReadPID(); ok && cur != pid {
		return
	}
	os.Remove(s.path(pidFile))
}

// Running returns the PID of a live bridge. A marker naming a dead process
// is removed.
func (s *Store) Running() (int, bool) {
	pid, ok := s.ReadPID()
	if !ok {
		return 0, false
	}
	proc, err := ps.FindProcess(pid)
	if err != nil {
		return pid, true // can't check, trust the marker
	}
	if proc == nil {
		os.Remove(s.path(pidFile))
		return 0, false
	}
	return pid, true
}

// Singleton holds the bridge's exclusive startup lock.
type Singleton struct {
	fl *flock.Flock
}

// AcquireSingleton takes the per-state-dir bridge lock without blocking.
func (s *Store) AcquireSingleton() (*Singleton, error) {
	fl := flock.New(s.path(pidFile + ".lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return &Singleton{fl: fl}, nil
}

// Release drops the singleton lock.
func (sg *Singleton) Release() {
	if sg != nil && sg.fl != nil {
		sg.fl.Unlock()
	}
}

// Status is the snapshot the bridge publishes for `status`.
type Status struct {
	PID          int    `json:"pid"`
	Pane         string `json:"pane"`
	PaneTitle    string `json:"pane_title,omitempty"`
	SessionName  string `json:"session_name"`
	BotName      string `json:"bot_name,omitempty"`
	Connected    bool   `json:"connected"`
	Recipient    int64  `json:"recipient,omitempty"`
	Phase        string `json:"phase"`
	LastOutcome  string `json:"last_outcome,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
	StartedAt    string `json:"started_at"`
	UpdatedAt    string `json:"updated_at"`

	Turns         int `json:"turns"`
	Busy          int `json:"busy"`
	Failures      int `json:"failures"`
	Notifications int `json:"notifications"`
	Pending       int `json:"pending"`
}

// WriteStatus replaces the snapshot.
func (s *Store) WriteStatus(st Status) error {
	st.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(st, "", "    ")
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	if err := writeAtomic(s.path(statusFile), data, 0644); err != nil {
		return fmt.Errorf("writing status: %w", err)
	}
	return nil
}

// LoadStatus reads the snapshot.
func (s *Store) LoadStatus() (Status, error) {
	data, err := os.ReadFile(s.path(statusFile))
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("parsing status: %w", err)
	}
	return st, nil
}

// RemoveStatus deletes the snapshot on shutdown.
func (s *Store) RemoveStatus() {
	os.Remove(s.path(statusFile))
}

// TimeSince returns a human-readable duration since the given RFC3339 timestamp.
func TimeSince(timestamp string) string {
	return timeSince(timestamp, time.Now())
}

func timeSince(timestamp string, now time.Time) string {
	t, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return "?"
	}

	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
