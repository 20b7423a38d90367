// Package remote is the retry engine for every remote operation the
// pipeline performs: local file staging, generic HTTP fetches, Overpass
// queries, OSM API reads, GeoServer calls and database statements. One
// skeleton drives them all; operations differ only in their attempt body
// and in the admission gate consulted before each attempt.
package remote

import (
	"context"
	"fmt"
	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"log/slog"
)

// ErrAttemptsExhausted reports that every attempt in the budget failed.
// Test for it with errors.Is; the final attempt error stays wrapped.
var ErrAttemptsExhausted = errors.New("attempt budget exhausted")

// ExhaustedError carries the final failure once the budget is spent.
type ExhaustedError struct {
	Kind     string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Kind, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrAttemptsExhausted }

// Operation is one remote action the engine can drive.
type Operation interface {
	// Kind is a short label used in logs and metrics.
	Kind() string
	// Attempt performs a single try.
	Attempt(ctx context.Context) error
}

// Gate admits an attempt through shared admission control and returns
// the release to call when the attempt finishes. An admission timeout is
// an ordinary failed attempt, retried like a remote 429.
type Gate interface {
	Admit(ctx context.Context) (release func(), err error)
}

// Policy drives the retry skeleton shared by every operation kind.
type Policy struct {
	// Attempts is the total try budget, not a retry count.
	Attempts int
	// Delay is the fixed pause between attempts.
	Delay clock.Duration
	// Gate, when set, is consulted before every attempt.
	Gate Gate
	// Cleanup, when set, runs once after each failed attempt, before
	// the delay. It never runs after a successful attempt.
	Cleanup func(ctx context.Context) error
	// Clock is a time provider used to preform time related calculations.
	// It is configurable so that it can be overridden for testing.
	Clock *clock.Provider
	// Log is used to log warnings and errors
	Log *slog.Logger
}

// Do runs op under the policy. Transient failures inside the budget are
// invisible to the caller; once the budget is spent the final error
// surfaces wrapped in an ExhaustedError.
func Do(ctx context.Context, op Operation, p Policy) error {
	set.Default(&p.Log, slog.Default())
	set.Default(&p.Clock, clock.NewProvider())
	set.Default(&p.Attempts, 1)

	var last error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if last = p.attempt(ctx, op); last == nil {
			if attempt > 1 {
				p.Log.LogAttrs(ctx, slog.LevelDebug, "succeeded after retry",
					slog.String("operation", op.Kind()),
					slog.Int("attempt", attempt))
			}
			return nil
		}
		p.Log.LogAttrs(ctx, slog.LevelDebug, "attempt failed",
			slog.String("operation", op.Kind()),
			slog.Int("attempt", attempt),
			slog.Int("budget", p.Attempts),
			slog.String("error", last.Error()))
		if p.Cleanup != nil {
			if err := p.Cleanup(ctx); err != nil {
				p.Log.Warn("cleanup after failed attempt failed",
					"operation", op.Kind(), "error", err)
			}
		}
		if attempt == p.Attempts {
			break
		}
		if err := p.pause(ctx); err != nil {
			return err
		}
	}
	return &ExhaustedError{Kind: op.Kind(), Attempts: p.Attempts, Last: last}
}

func (p *Policy) attempt(ctx context.Context, op Operation) error {
	if p.Gate != nil {
		release, err := p.Gate.Admit(ctx)
		if err != nil {
			return err
		}
		defer release()
	}
	return op.Attempt(ctx)
}

func (p *Policy) pause(ctx context.Context) error {
	if p.Delay <= 0 {
		return nil
	}
	timer := p.Clock.NewTimer(p.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}
