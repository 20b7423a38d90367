package coord

import (
	"context"
	"encoding/json"
	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/clock"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// microLockRetry is how long a contender waits between attempts to take a
// micro lock held by a live owner. Micro locks guard critical sections a
// few syscalls long, so contenders poll fast.
const microLockRetry = 5 * clock.Millisecond

// lockPayload identifies the owner of a lock file so the reaper and
// operators can decide whether the owner is still alive. Created is kept
// for observability; age alone never condemns a lock.
type lockPayload struct {
	PID     int        `json:"pid"`
	Created clock.Time `json:"created"`
}

// TryCreate atomically creates a lock file at path recording the owning
// pid. Returns false without error when the lock already exists. Creation
// is exclusive at the OS level; there is no check-then-create window.
// Never blocks.
func TryCreate(path string, pid int, now clock.Time) (bool, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, errors.Errorf("while creating lock '%s': %w", path, err)
	}
	buf, _ := json.Marshal(lockPayload{PID: pid, Created: now})
	if _, err := fd.Write(buf); err != nil {
		_ = fd.Close()
		_ = os.Remove(path)
		return false, errors.Errorf("while writing lock '%s': %w", path, err)
	}
	if err := fd.Close(); err != nil {
		return false, errors.Errorf("while closing lock '%s': %w", path, err)
	}
	return true, nil
}

// Remove deletes the lock at path. Removing a lock that does not exist is
// not an error; release must be idempotent.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("while removing lock '%s': %w", path, err)
	}
	return nil
}

// lockOwner reports the pid that owns the lock at path. The payload is
// authoritative; a truncated or unreadable payload falls back to the pid
// encoded in the file name.
func lockOwner(path string) (int, bool) {
	buf, err := os.ReadFile(path)
	if err == nil {
		var p lockPayload
		if json.Unmarshal(buf, &p) == nil && p.PID > 0 {
			return p.PID, true
		}
	}
	return ownerFromName(filepath.Base(path))
}

// ownerFromName extracts the pid prefix from lock names of the form
// "{pid}" or "{pid}.{ticket}".
func ownerFromName(name string) (int, bool) {
	s, _, _ := strings.Cut(name, ".")
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// ticketFromName extracts the ticket suffix from lock names of the form
// "{pid}.{ticket}".
func ticketFromName(name string) (int64, bool) {
	_, s, ok := strings.Cut(name, ".")
	if !ok {
		return 0, false
	}
	t, err := strconv.ParseInt(s, 10, 64)
	if err != nil || t <= 0 {
		return 0, false
	}
	return t, true
}

// countLocks counts the lock files present in dir. A missing dir counts
// as empty; admission always reads the directory fresh, never a cached
// value.
func countLocks(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Errorf("while scanning lock dir '%s': %w", dir, err)
	}
	var n int
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n, nil
}

// acquireMicroLock takes the exclusive lock file at path, polling until
// the current holder releases it. A lock whose recorded holder is dead is
// broken on sight; a holder that is alive is waited on no matter how long
// it has held the lock.
func acquireMicroLock(ctx context.Context, path string, cl *clock.Provider, probe ProcessProbe, log *slog.Logger) (func(), error) {
	for {
		ok, err := TryCreate(path, os.Getpid(), cl.Now().UTC())
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { _ = Remove(path) }, nil
		}
		if pid, found := lockOwner(path); found && !probe.Alive(pid) {
			log.Warn("breaking micro lock abandoned by dead process",
				"path", path, "pid", pid)
			_ = Remove(path)
			continue
		}
		timer := cl.NewTimer(microLockRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C():
		}
	}
}
