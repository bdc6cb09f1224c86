// Package lock provides a named mutual-exclusion lock shared by separate
// processes through a record file, with recovery from owners that died
// without releasing.
package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	ps "github.com/mitchellh/go-ps"

	"github.com/martinwickman/panebridge/internal/logging"
)

var log = logging.ForComponent(logging.CompLock)

// ErrBusy is returned when the retry budget runs out while another live
// owner holds the lock. Callers report it as "try again", not as a failure.
var ErrBusy = errors.New("lock is busy")

// unreadableGrace is how long an empty or corrupt record is treated as
// "being written" before it is considered abandoned.
const unreadableGrace = 5 * time.Second

// Record is the content of a lock file.
type Record struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	Hostname   string    `json:"hostname,omitempty"`
	Token      string    `json:"token,omitempty"`
}

// parseRecord reads JSON records and the bare decimal PID form.
func parseRecord(data []byte) (Record, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Record{}, false
	}
	if data[0] == '{' {
		var r Record
		if err := json.Unmarshal(data, &r); err != nil || r.PID <= 0 {
			return Record{}, false
		}
		return r, true
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil || pid <= 0 {
		return Record{}, false
	}
	return Record{PID: pid}, true
}

// Lock is a named cross-process lock. The zero value is not usable; use New.
type Lock struct {
	path          string
	retryInterval time.Duration
	maxRetries    int

	hostname string
	alive    func(pid int) bool
	sleep    func(ctx context.Context, d time.Duration) error
}

// New returns a lock whose record lives at <dir>/<name>.lock.
func New(dir, name string, retryInterval time.Duration, maxRetries int) *Lock {
	host, _ := os.Hostname()
	return &Lock{
		path:          filepath.Join(dir, name+".lock"),
		retryInterval: retryInterval,
		maxRetries:    max(maxRetries, 1),
		hostname:      host,
		alive:         processAlive,
		sleep:         sleepCtx,
	}
}

// Path returns the lock record location.
func (l *Lock) Path() string { return l.path }

// processAlive probes the process table without signalling the process.
func processAlive(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	proc, err := ps.FindProcess(pid)
	if err != nil {
		return true // can't check, assume alive
	}
	return proc != nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire takes the lock. It makes up to maxRetries attempts, waiting
// retryInterval after each conflict with a live owner. A record left by a dead
// owner is deleted and the attempt is repeated at once.
func (l *Lock) Acquire(ctx context.Context) (*Lease, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	for attempt := 1; ; {
		lease, err := l.tryCreate()
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("creating lock record: %w", err)
		}

		if l.reclaimIfStale(ctx) {
			continue
		}

		if attempt >= l.maxRetries {
			return nil, ErrBusy
		}
		attempt++
		if err := l.sleep(ctx, l.retryInterval); err != nil {
			return nil, err
		}
	}
}

func (l *Lock) tryCreate() (*Lease, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	rec := Record{
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
		Hostname:   l.hostname,
		Token:      uuid.NewString(),
	}
	data, _ := json.Marshal(rec)
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(l.path)
		return nil, fmt.Errorf("writing lock record: %w", errors.Join(werr, cerr))
	}
	return &Lease{lock: l, token: rec.Token}, nil
}

// stale reports whether the record content belongs to an owner that is gone.
func (l *Lock) stale(data []byte, modTime time.Time) (bool, Record) {
	rec, ok := parseRecord(data)
	if !ok {
		return time.Since(modTime) > unreadableGrace, rec
	}
	if rec.Hostname != "" && l.hostname != "" && rec.Hostname != l.hostname {
		return false, rec // owner on another host, can't probe it
	}
	return !l.alive(rec.PID), rec
}

// reclaimIfStale deletes a stale record and reports whether it did. The
// check-then-delete runs under a guard lock and re-reads the record so a
// fresh record written by a faster reclaimer is never removed.
func (l *Lock) reclaimIfStale(ctx context.Context) bool {
	data, info, err := readRecord(l.path)
	if err != nil {
		// vanished between create and read: just retry
		return errors.Is(err, os.ErrNotExist)
	}
	if isStale, _ := l.stale(data, info.ModTime()); !isStale {
		return false
	}

	guard := flock.New(l.path + ".guard")
	locked, err := guard.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil || !locked {
		return false
	}
	defer guard.Unlock()

	again, info, err := readRecord(l.path)
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	if !bytes.Equal(again, data) {
		return false
	}
	isStale, rec := l.stale(again, info.ModTime())
	if !isStale {
		return false
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("stale_lock_remove_failed", "path", l.path, "error", err.Error())
		return false
	}
	log.Info("stale_lock_reclaimed", "path", l.path, "owner_pid", rec.PID)
	return true
}

func readRecord(path string) ([]byte, os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, info, nil
}

// Owner returns the current record, if any. Used by status reporting.
func (l *Lock) Owner() (Record, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return Record{}, false
	}
	return parseRecord(data)
}

// Lease is a held lock.
type Lease struct {
	lock  *Lock
	token string
	once  sync.Once
}

// Release removes the lock record if it is still ours. Calling it more than
// once is a no-op.
func (le *Lease) Release() {
	if le == nil {
		return
	}
	le.once.Do(func() {
		data, err := os.ReadFile(le.lock.path)
		if err != nil {
			return
		}
		rec, ok := parseRecord(data)
		if !ok || rec.Token != le.token {
			log.Warn("lock_record_replaced", "path", le.lock.path)
			return
		}
		if err := os.Remove(le.lock.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("lock_release_failed", "path", le.lock.path, "error", err.Error())
		}
	})
}

// String describes the owner for logs and status output.
func (r Record) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid %d", r.PID)
	if r.Hostname != "" {
		fmt.Fprintf(&b, " on %s", r.Hostname)
	}
	if !r.AcquiredAt.IsZero() {
		fmt.Fprintf(&b, " since %s", r.AcquiredAt.Format(time.RFC3339))
	}
	return b.String()
}
