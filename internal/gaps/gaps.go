// Package gaps compares downstream coverage against the authoritative
// source, journals what is missing, and replays unprocessed gaps on
// later runs. Recovery is strictly best effort; a failed recovery leaves
// the record unprocessed for the next cycle and never aborts the run
// that attempted it.
package gaps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"github.com/osmsync/osmsync/internal/store"
	"github.com/osmsync/osmsync/internal/types"
)

// Comparator measures one kind of coverage gap over a window.
type Comparator interface {
	// Kind labels the records this comparator produces.
	Kind() types.GapKind
	// Compare returns how many items upstream reports for the window
	// and how many of those are missing downstream.
	Compare(ctx context.Context, start, end clock.Time) (total, missing int, err error)
}

// RecoverFunc reprocesses one recorded gap. Returning nil means the gap
// is confirmed closed and the record may be marked processed.
type RecoverFunc func(ctx context.Context, rec types.GapRecord) error

type Config struct {
	// Journal persists gap records across runs.
	Journal store.Journal
	// Comparators are consulted in order by DetectAndLog.
	Comparators []Comparator
	// RunID, when set, is stamped on every record this detector writes.
	RunID string
	// Clock is a time provider used to preform time related calculations.
	// It is configurable so that it can be overridden for testing.
	Clock *clock.Provider
	// Log is used to log warnings and errors
	Log *slog.Logger
}

type Detector struct {
	conf Config
}

func NewDetector(conf Config) *Detector {
	set.Default(&conf.Log, slog.Default())
	set.Default(&conf.Clock, clock.NewProvider())
	return &Detector{conf: conf}
}

// DetectAndLog runs every comparator over the trailing window of
// windowDays. See DetectWindow.
func (d *Detector) DetectAndLog(ctx context.Context, windowDays int) ([]types.GapRecord, error) {
	end := d.conf.Clock.Now().UTC()
	return d.DetectWindow(ctx, end.AddDate(0, 0, -windowDays), end)
}

// DetectWindow runs every comparator over the given window and journals
// one record per comparator that found a gap. A comparator that errors
// is journaled too, with the error in Details and zero counts, so
// operators see the blind spot. The returned error is non nil only when
// the journal itself failed.
func (d *Detector) DetectWindow(ctx context.Context, start, end clock.Time) ([]types.GapRecord, error) {
	var recorded []types.GapRecord
	for _, cmp := range d.conf.Comparators {
		total, missing, err := cmp.Compare(ctx, start, end)

		rec := types.GapRecord{
			Kind:        cmp.Kind(),
			RunID:       d.conf.RunID,
			WindowStart: start,
			WindowEnd:   end,
		}
		switch {
		case err != nil:
			rec.Details = fmt.Sprintf("comparison failed: %s", err)
			d.conf.Log.LogAttrs(ctx, slog.LevelWarn, "gap comparison failed",
				slog.String("kind", string(cmp.Kind())),
				slog.String("error", err.Error()))
		case missing > 0:
			rec.GapCount = missing
			rec.TotalCount = total
			rec.GapPercent = types.Percent(missing, total)
			rec.Details = fmt.Sprintf("%d of %d missing downstream for window %s..%s",
				missing, total, start.Format("2006-01-02"), end.Format("2006-01-02"))
			d.conf.Log.LogAttrs(ctx, slog.LevelWarn, "coverage gap detected",
				slog.String("kind", string(cmp.Kind())),
				slog.Int("missing", missing),
				slog.Int("total", total))
		default:
			d.conf.Log.LogAttrs(ctx, slog.LevelDebug, "no coverage gap",
				slog.String("kind", string(cmp.Kind())),
				slog.Int("total", total))
			continue
		}

		if err := d.conf.Journal.AppendGap(ctx, &rec); err != nil {
			return recorded, err
		}
		recorded = append(recorded, rec)
	}
	return recorded, nil
}

// RecoveryStats summarizes one recovery pass.
type RecoveryStats struct {
	// Examined is how many unprocessed records fell inside the age cutoff.
	Examined int
	// Recovered is how many were confirmed closed and marked processed.
	Recovered int
	// Failed recoveries stay unprocessed for the next cycle.
	Failed int
	// Skipped records had no handler registered for their kind.
	Skipped int
}

// Recover replays every unprocessed gap newer than maxAge through the
// handler for its kind. A record is marked processed only after its
// handler confirms success; handler failures are counted, logged and
// otherwise swallowed. Only a journal read failure surfaces as an error.
func (d *Detector) Recover(ctx context.Context, maxAge clock.Duration, handlers map[types.GapKind]RecoverFunc) (RecoveryStats, error) {
	var stats RecoveryStats

	var recs []types.GapRecord
	opts := store.ListOptions{
		OnlyUnprocessed: true,
		Since:           d.conf.Clock.Now().UTC().Add(-maxAge),
	}
	if err := d.conf.Journal.ListGaps(ctx, &recs, opts); err != nil {
		return stats, err
	}

	for _, rec := range recs {
		stats.Examined++

		handler, ok := handlers[rec.Kind]
		if !ok {
			stats.Skipped++
			continue
		}

		if err := handler(ctx, rec); err != nil {
			stats.Failed++
			d.conf.Log.LogAttrs(ctx, slog.LevelWarn, "gap recovery failed, will retry next cycle",
				slog.String("id", rec.ID),
				slog.String("kind", string(rec.Kind)),
				slog.String("error", err.Error()))
			continue
		}

		if err := d.conf.Journal.MarkProcessed(ctx, rec.ID); err != nil {
			// Recovery ran but the flag did not land; the next cycle
			// will redo the work, which is safe because imports upsert.
			stats.Failed++
			d.conf.Log.Warn("unable to mark gap processed", "id", rec.ID, "error", err)
			continue
		}
		stats.Recovered++
	}

	d.conf.Log.LogAttrs(ctx, slog.LevelInfo, "gap recovery pass finished",
		slog.Int("examined", stats.Examined),
		slog.Int("recovered", stats.Recovered),
		slog.Int("failed", stats.Failed),
		slog.Int("skipped", stats.Skipped))
	return stats, nil
}
