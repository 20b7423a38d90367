package coord

import (
	"context"
	"fmt"
	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrAdmissionTimeout is returned when a caller's patience budget runs
// out before a slot or turn becomes available. It is a normal, retryable
// condition, to be treated the same as a remote 429 or 503.
var ErrAdmissionTimeout = errors.New("admission timed out waiting for a free slot")

// slotSeq distinguishes concurrent acquisitions inside one process, where
// every goroutine shares a pid.
var slotSeq atomic.Int64

type SemaphoreConfig struct {
	// Dir is the namespace directory. Slot locks live under Dir/locks,
	// the admission micro lock at Dir/admit.lock.
	Dir string
	// Limit is the maximum number of concurrently held slots.
	Limit int
	// PollInterval is how long a waiter sleeps between admission checks.
	PollInterval clock.Duration
	// Clock is a time provider used to preform time related calculations.
	// It is configurable so that it can be overridden for testing.
	Clock *clock.Provider
	// Probe decides process liveness for the reaper.
	Probe ProcessProbe
	// Log is used to log warnings and errors
	Log *slog.Logger
}

// Semaphore caps how many operations of one class run at once across
// every process sharing the namespace directory. It gives no ordering
// guarantee; the first waiter to observe a free slot wins.
type Semaphore struct {
	conf   SemaphoreConfig
	locks  string
	admit  string
	reaper *Reaper
}

func NewSemaphore(conf SemaphoreConfig) (*Semaphore, error) {
	set.Default(&conf.Log, slog.Default())
	set.Default(&conf.Clock, clock.NewProvider())
	set.Default(&conf.Probe, ProcessProbe(OSProbe{}))
	set.Default(&conf.PollInterval, clock.Second)
	set.Default(&conf.Limit, 1)

	if conf.Dir == "" {
		return nil, errors.New("SemaphoreConfig.Dir cannot be empty")
	}
	locks := filepath.Join(conf.Dir, "locks")
	if err := os.MkdirAll(locks, 0o755); err != nil {
		return nil, errors.Errorf("while creating lock dir '%s': %w", locks, err)
	}
	return &Semaphore{
		conf:  conf,
		locks: locks,
		admit: filepath.Join(conf.Dir, "admit.lock"),
		reaper: &Reaper{
			dir:   locks,
			probe: conf.Probe,
			log:   conf.Log,
		},
	}, nil
}

// Acquire takes a slot, polling up to maxWaitAttempts times for one to
// free up. Stale locks are reaped before every check so a crashed holder
// cannot starve waiters.
func (s *Semaphore) Acquire(ctx context.Context, maxWaitAttempts int) (*Slot, error) {
	for attempt := 1; ; attempt++ {
		if _, err := s.reaper.Prune(ctx); err != nil {
			s.conf.Log.Warn("prune before admission failed", "error", err)
		}
		slot, err := s.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if slot != nil {
			return slot, nil
		}
		if attempt >= maxWaitAttempts {
			return nil, ErrAdmissionTimeout
		}
		s.conf.Log.LogAttrs(ctx, slog.LevelDebug, "no slot free, waiting",
			slog.Int("attempt", attempt),
			slog.String("interval", s.conf.PollInterval.String()))
		timer := s.conf.Clock.NewTimer(s.conf.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C():
		}
	}
}

// tryAcquire admits the caller only while holding the admission micro
// lock, so the count and the create are one critical section and Limit is
// a hard bound.
func (s *Semaphore) tryAcquire(ctx context.Context) (*Slot, error) {
	release, err := acquireMicroLock(ctx, s.admit, s.conf.Clock, s.conf.Probe, s.conf.Log)
	if err != nil {
		return nil, err
	}
	defer release()

	active, err := countLocks(s.locks)
	if err != nil {
		return nil, err
	}
	if active >= s.conf.Limit {
		return nil, nil
	}
	pid := os.Getpid()
	path := filepath.Join(s.locks, fmt.Sprintf("%d.%d", pid, slotSeq.Add(1)))
	ok, err := TryCreate(path, pid, s.conf.Clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Slot{path: path}, nil
}

// Active counts the slot locks currently present in the namespace.
func (s *Semaphore) Active() (int, error) {
	return countLocks(s.locks)
}

// PruneStale removes slot locks owned by dead processes.
func (s *Semaphore) PruneStale(ctx context.Context) (int, error) {
	return s.reaper.Prune(ctx)
}

// Slot is a held semaphore slot.
type Slot struct {
	path string
}

// Release frees the slot. Releasing twice is not an error.
func (s *Slot) Release() error {
	return Remove(s.path)
}
