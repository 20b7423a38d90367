package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"github.com/osmsync/osmsync/internal/types"
	"github.com/segmentio/ksuid"
)

// MemoryJournal keeps the journal in process memory. Used by tests and
// by one-shot runs that do not need gap recovery across restarts.
type MemoryJournal struct {
	mu   sync.Mutex
	conf JournalConfig
	gaps []types.GapRecord
	jobs []types.JobOutcome
	uid  ksuid.KSUID
}

var _ Journal = &MemoryJournal{}

func NewMemoryJournal(conf JournalConfig) *MemoryJournal {
	set.Default(&conf.Log, slog.Default())
	set.Default(&conf.Clock, clock.NewProvider())
	return &MemoryJournal{
		gaps: make([]types.GapRecord, 0, 1_000),
		jobs: make([]types.JobOutcome, 0, 1_000),
		uid:  ksuid.New(),
		conf: conf,
	}
}

func (m *MemoryJournal) AppendGap(_ context.Context, rec *types.GapRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.uid = m.uid.Next()
	rec.ID = m.uid.String()
	rec.CreatedAt = m.conf.Clock.Now().UTC()
	m.gaps = append(m.gaps, *rec)
	return nil
}

func (m *MemoryJournal) ListGaps(_ context.Context, recs *[]types.GapRecord, opts ListOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	for _, rec := range m.gaps {
		if !matchGap(rec, opts) {
			continue
		}
		*recs = append(*recs, rec)
		count++
		if opts.Limit != 0 && count >= opts.Limit {
			return nil
		}
	}
	return nil
}

func (m *MemoryJournal) MarkProcessed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.gaps {
		if m.gaps[i].ID == id {
			m.gaps[i].Processed = true
			return nil
		}
	}
	return ErrGapNotExist
}

func (m *MemoryJournal) RecordJob(_ context.Context, out *types.JobOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	out.CreatedAt = m.conf.Clock.Now().UTC()
	m.jobs = append(m.jobs, *out)
	return nil
}

func (m *MemoryJournal) ListJobs(_ context.Context, outs *[]types.JobOutcome, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, out := range m.jobs {
		if out.RunID == runID {
			*outs = append(*outs, out)
		}
	}
	return nil
}

func (m *MemoryJournal) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gaps = nil
	m.jobs = nil
	return nil
}

// matchGap applies ListOptions to one record.
func matchGap(rec types.GapRecord, opts ListOptions) bool {
	if opts.OnlyUnprocessed && rec.Processed {
		return false
	}
	if !opts.Since.IsZero() && rec.CreatedAt.Before(opts.Since) {
		return false
	}
	return true
}
