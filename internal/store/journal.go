// Package store persists the pipeline journal: gap detections awaiting
// recovery and per-job outcomes for each run. Three embedded drivers
// share one interface; the postgres importer for the OSM payloads
// themselves also lives here.
package store

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/clock"
	"github.com/osmsync/osmsync/internal/types"
)

var ErrGapNotExist = errors.New("gap record does not exist")

// ListOptions narrows a gap listing.
type ListOptions struct {
	// OnlyUnprocessed returns only records not yet marked processed.
	OnlyUnprocessed bool
	// Since excludes records created before it when non zero.
	Since clock.Time
	// Limit caps the result; zero means no cap.
	Limit int
}

// Journal is storage for gap records and job outcomes. Implementations
// employ lazy storage initialization, touching the underlying file or
// server only upon first invocation.
type Journal interface {
	// AppendGap stores a new gap record, assigning ID and CreatedAt.
	AppendGap(ctx context.Context, rec *types.GapRecord) error

	// ListGaps appends matching records to recs in creation order.
	ListGaps(ctx context.Context, recs *[]types.GapRecord, opts ListOptions) error

	// MarkProcessed flags a record as recovered. Returns ErrGapNotExist
	// if the id is unknown.
	MarkProcessed(ctx context.Context, id string) error

	// RecordJob stores one job outcome under its run.
	RecordJob(ctx context.Context, out *types.JobOutcome) error

	// ListJobs appends the outcomes recorded for the run in the order
	// they were recorded.
	ListJobs(ctx context.Context, outs *[]types.JobOutcome, runID string) error

	// Close any open database connections or files
	Close(ctx context.Context) error
}

// JournalConfig is shared by the journal driver constructors.
type JournalConfig struct {
	// StorageDir is the directory where the driver keeps its data.
	StorageDir string
	// Clock is a time provider used to preform time related calculations.
	// It is configurable so that it can be overridden for testing.
	Clock *clock.Provider
	// Log is used to log warnings and errors
	Log *slog.Logger
}

// OpenJournal selects a journal driver from a storage spec of the form
// "memory", "bolt:<dir>" or "badger:<dir>".
func OpenJournal(spec string, cl *clock.Provider, log *slog.Logger) (Journal, error) {
	name, dir, _ := strings.Cut(spec, ":")
	conf := JournalConfig{StorageDir: dir, Clock: cl, Log: log}

	switch name {
	case "", "memory":
		return NewMemoryJournal(conf), nil
	case "bolt":
		if dir == "" {
			return nil, errors.New("journal spec 'bolt' requires a directory, use 'bolt:<dir>'")
		}
		return NewBoltJournal(conf), nil
	case "badger":
		if dir == "" {
			return nil, errors.New("journal spec 'badger' requires a directory, use 'badger:<dir>'")
		}
		return NewBadgerJournal(conf), nil
	default:
		return nil, errors.Errorf("unknown journal driver '%s'; expected memory, bolt or badger", name)
	}
}
