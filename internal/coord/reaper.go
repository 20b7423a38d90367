package coord

import (
	"context"
	"github.com/kapetan-io/errors"
	"log/slog"
	"os"
	"path/filepath"
)

// Reaper removes locks owned by processes that no longer exist, so a
// crashed worker cannot shrink available capacity forever. Every
// admission decision runs a prune first. Locks owned by live processes
// are never removed, no matter how old; on a single host the pid check is
// authoritative and lock age is only reported, never acted on.
type Reaper struct {
	// dir is the lock namespace to scan.
	dir string
	// serving, when set, advances once per reaped ticket lock. A dead
	// owner can never release its ticket, so the reaper performs the
	// release on its behalf to keep the admission window moving.
	serving *Counter
	probe   ProcessProbe
	log     *slog.Logger
}

// Prune scans the namespace and removes every lock whose owner is dead.
// Returns how many locks were reclaimed.
func (r *Reaper) Prune(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Errorf("while scanning lock dir '%s': %w", r.dir, err)
	}
	var removed int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		pid, ok := lockOwner(path)
		if ok && r.probe.Alive(pid) {
			continue
		}
		// Another prune may have won the race; only the actual remover
		// releases the dead owner's ticket.
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, errors.Errorf("while reaping lock '%s': %w", path, err)
		}
		removed++
		r.log.Warn("reaped lock abandoned by dead process",
			"path", path, "pid", pid)
		if _, isTicket := ticketFromName(entry.Name()); isTicket && r.serving != nil {
			if _, err := r.serving.Increment(ctx); err != nil {
				return removed, errors.Errorf("while releasing reaped ticket: %w", err)
			}
		}
	}
	return removed, nil
}
