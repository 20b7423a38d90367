package remote

import (
	"context"
	"github.com/kapetan-io/tackle/clock"
	"github.com/osmsync/osmsync/internal/coord"
)

// SlotGate admits attempts through the unordered slot semaphore, for
// operation classes where ordering does not matter.
type SlotGate struct {
	Semaphore *coord.Semaphore
	// MaxWaitAttempts bounds how many polls one admission may wait
	// before it gives up with coord.ErrAdmissionTimeout.
	MaxWaitAttempts int
}

func (g *SlotGate) Admit(ctx context.Context) (func(), error) {
	slot, err := g.Semaphore.Acquire(ctx, g.MaxWaitAttempts)
	if err != nil {
		return nil, err
	}
	return func() { _ = slot.Release() }, nil
}

// TurnGate admits attempts through the FIFO ticket queue. Each attempt
// draws a fresh ticket; a ticket that timed out waiting is forfeited,
// never re-waited.
type TurnGate struct {
	Queue *coord.TicketQueue
	// Patience bounds how long one admission waits for its turn.
	Patience clock.Duration
}

func (g *TurnGate) Admit(ctx context.Context) (func(), error) {
	ticket, err := g.Queue.Draw(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.Queue.WaitTurn(ctx, ticket, g.Patience); err != nil {
		return nil, err
	}
	return func() {
		// Release must run even when the attempt's context is gone,
		// else the slot leaks until the reaper notices our death.
		_ = g.Queue.Release(context.Background(), ticket)
	}, nil
}
