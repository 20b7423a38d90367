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
)

// Throttle reports how long ticket admission should hold off before its
// next check. Zero means proceed. The Overpass status poller implements
// this to keep ticket holders from hammering a server that is already
// throttling us.
type Throttle interface {
	Wait(ctx context.Context) clock.Duration
}

type TicketQueueConfig struct {
	// Dir is the namespace directory. Counters live at Dir/ticket.counter
	// and Dir/serving.counter, waiting registrations under Dir/waiting,
	// active locks under Dir/locks.
	Dir string
	// Limit caps how many tickets are active at once.
	Limit int
	// PollInterval is how long a waiter sleeps between turn checks.
	PollInterval clock.Duration
	// Throttle, when set, is consulted before each admission check; a
	// positive wait postpones the check by that long.
	Throttle Throttle
	// Clock is a time provider used to preform time related calculations.
	// It is configurable so that it can be overridden for testing.
	Clock *clock.Provider
	// Probe decides process liveness for the reaper.
	Probe ProcessProbe
	// Log is used to log warnings and errors
	Log *slog.Logger
}

// TicketQueue is ordered admission control shared across processes.
// Callers draw a strictly increasing ticket, which registers them as a
// waiter, then block until they are the oldest registered waiter and a
// slot is free. Admission is FIFO relative to issuance for the start of
// work; completion order is up to the workers. A waiter that crashes is
// deregistered by the reaper, so a dead predecessor can never stall the
// queue.
type TicketQueue struct {
	conf       TicketQueueConfig
	locks      string
	waiting    string
	admit      string
	tickets    *Counter
	serving    *Counter
	reaper     *Reaper
	waitReaper *Reaper
}

func NewTicketQueue(conf TicketQueueConfig) (*TicketQueue, error) {
	set.Default(&conf.Log, slog.Default())
	set.Default(&conf.Clock, clock.NewProvider())
	set.Default(&conf.Probe, ProcessProbe(OSProbe{}))
	set.Default(&conf.PollInterval, clock.Second)
	set.Default(&conf.Limit, 1)

	if conf.Dir == "" {
		return nil, errors.New("TicketQueueConfig.Dir cannot be empty")
	}
	locks := filepath.Join(conf.Dir, "locks")
	waiting := filepath.Join(conf.Dir, "waiting")
	for _, dir := range []string{locks, waiting} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Errorf("while creating dir '%s': %w", dir, err)
		}
	}
	tickets := &Counter{
		Path:  filepath.Join(conf.Dir, "ticket.counter"),
		Clock: conf.Clock,
		Probe: conf.Probe,
		Log:   conf.Log,
	}
	// serving starts at 1, the next ticket eligible to become active.
	serving := &Counter{
		Path:    filepath.Join(conf.Dir, "serving.counter"),
		Initial: 1,
		Clock:   conf.Clock,
		Probe:   conf.Probe,
		Log:     conf.Log,
	}
	return &TicketQueue{
		conf:    conf,
		locks:   locks,
		waiting: waiting,
		admit:   filepath.Join(conf.Dir, "admit.lock"),
		tickets: tickets,
		serving: serving,
		// Reaping an active lock releases the dead owner's ticket; the
		// owner can never do it, and without it the serving counter
		// stops reflecting completed work.
		reaper: &Reaper{
			dir:     locks,
			serving: serving,
			probe:   conf.Probe,
			log:     conf.Log,
		},
		// Reaping a waiting registration frees the queue position of a
		// waiter that died before admission. Nothing was served, so the
		// serving counter is untouched.
		waitReaper: &Reaper{
			dir:   waiting,
			probe: conf.Probe,
			log:   conf.Log,
		},
	}, nil
}

// Draw issues the caller a ticket and registers it as a waiter. Tickets
// are strictly increasing and never reused; N concurrent callers get
// exactly the next N values.
func (q *TicketQueue) Draw(ctx context.Context) (int64, error) {
	t, err := q.tickets.Increment(ctx)
	if err != nil {
		return 0, errors.Errorf("while drawing ticket: %w", err)
	}
	ok, err := TryCreate(q.waitingPath(t), os.Getpid(), q.conf.Clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Errorf("ticket %d is already registered, queue state is corrupt", t)
	}
	q.conf.Log.LogAttrs(ctx, slog.LevelDebug, "ticket drawn", slog.Int64("ticket", t))
	return t, nil
}

// WaitTurn blocks until the ticket is admitted or timeout elapses. On
// admission the caller holds an active lock named {pid}.{ticket} and must
// Release it when done. Any failure deregisters the ticket; the caller
// retries by drawing a fresh one. A timeout surfaces as
// ErrAdmissionTimeout, a normal retryable outcome, exactly like a remote
// 429.
func (q *TicketQueue) WaitTurn(ctx context.Context, ticket int64, timeout clock.Duration) (err error) {
	defer func() {
		if err != nil {
			_ = Remove(q.waitingPath(ticket))
		}
	}()

	deadline := q.conf.Clock.Now().UTC().Add(timeout)
	for {
		if _, err := q.reaper.Prune(ctx); err != nil {
			q.conf.Log.Warn("prune of active locks failed", "error", err)
		}
		if _, err := q.waitReaper.Prune(ctx); err != nil {
			q.conf.Log.Warn("prune of waiting registrations failed", "error", err)
		}
		if q.conf.Throttle != nil {
			if wait := q.conf.Throttle.Wait(ctx); wait > 0 {
				q.conf.Log.LogAttrs(ctx, slog.LevelDebug, "upstream throttled, holding off",
					slog.Int64("ticket", ticket),
					slog.String("wait", wait.String()))
				if err := q.sleep(ctx, wait); err != nil {
					return err
				}
			}
		}
		ok, err := q.tryAdmit(ctx, ticket)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if q.conf.Clock.Now().UTC().After(deadline) {
			return ErrAdmissionTimeout
		}
		if err := q.sleep(ctx, q.conf.PollInterval); err != nil {
			return err
		}
	}
}

// tryAdmit holds the admission micro lock so the oldest-waiter check, the
// active count and the lock creation are one critical section.
func (q *TicketQueue) tryAdmit(ctx context.Context, ticket int64) (bool, error) {
	release, err := acquireMicroLock(ctx, q.admit, q.conf.Clock, q.conf.Probe, q.conf.Log)
	if err != nil {
		return false, err
	}
	defer release()

	oldest, found, err := q.oldestWaiting()
	if err != nil {
		return false, err
	}
	// FIFO: admission goes to the oldest registered waiter.
	if found && ticket > oldest {
		return false, nil
	}
	active, err := countLocks(q.locks)
	if err != nil {
		return false, err
	}
	if active >= q.conf.Limit {
		return false, nil
	}
	ok, err := TryCreate(q.lockPath(ticket), os.Getpid(), q.conf.Clock.Now().UTC())
	if err != nil || !ok {
		return ok, err
	}
	return true, Remove(q.waitingPath(ticket))
}

// Release removes the caller's active lock and advances the serving
// counter by one. Releasing a ticket that was already released does
// nothing; the counter never advances twice for one ticket. Releasing a
// ticket that was never admitted only deregisters it.
func (q *TicketQueue) Release(ctx context.Context, ticket int64) error {
	if err := Remove(q.waitingPath(ticket)); err != nil {
		return err
	}
	if err := os.Remove(q.lockPath(ticket)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Errorf("while removing ticket lock %d: %w", ticket, err)
	}
	if _, err := q.serving.Increment(ctx); err != nil {
		return errors.Errorf("while advancing serving counter: %w", err)
	}
	return nil
}

// PruneStale removes active locks and waiting registrations owned by
// dead processes, releasing reaped active tickets.
func (q *TicketQueue) PruneStale(ctx context.Context) (int, error) {
	removed, err := q.reaper.Prune(ctx)
	if err != nil {
		return removed, err
	}
	waiters, err := q.waitReaper.Prune(ctx)
	return removed + waiters, err
}

// oldestWaiting scans the registrations for the smallest waiting ticket.
func (q *TicketQueue) oldestWaiting() (int64, bool, error) {
	entries, err := os.ReadDir(q.waiting)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, errors.Errorf("while scanning waiting dir '%s': %w", q.waiting, err)
	}
	var oldest int64
	var found bool
	for _, e := range entries {
		t, ok := ticketFromName(e.Name())
		if !ok {
			continue
		}
		if !found || t < oldest {
			oldest, found = t, true
		}
	}
	return oldest, found, nil
}

// Stats is a point in time snapshot of the queue for operators.
type Stats struct {
	// LastTicket is the most recently issued ticket.
	LastTicket int64
	// Serving is one more than the count of released tickets.
	Serving int64
	// Waiting is how many tickets are registered and not yet admitted.
	Waiting int
	// Active is how many tickets currently hold locks.
	Active int
}

func (q *TicketQueue) Stats() (Stats, error) {
	var stats Stats
	var err error
	if stats.LastTicket, err = q.tickets.Load(); err != nil {
		return stats, err
	}
	if stats.Serving, err = q.serving.Load(); err != nil {
		return stats, err
	}
	if stats.Waiting, err = countLocks(q.waiting); err != nil {
		return stats, err
	}
	if stats.Active, err = countLocks(q.locks); err != nil {
		return stats, err
	}
	return stats, nil
}

func (q *TicketQueue) lockPath(ticket int64) string {
	return filepath.Join(q.locks, fmt.Sprintf("%d.%d", os.Getpid(), ticket))
}

func (q *TicketQueue) waitingPath(ticket int64) string {
	return filepath.Join(q.waiting, fmt.Sprintf("%d.%d", os.Getpid(), ticket))
}

func (q *TicketQueue) sleep(ctx context.Context, d clock.Duration) error {
	timer := q.conf.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}
