package types

import (
	"github.com/kapetan-io/tackle/clock"
)

// JobKind identifies which ingestion driver a job belongs to.
type JobKind string

const (
	KindBoundary JobKind = "boundary"
	KindMaritime JobKind = "maritime"
	KindNotes    JobKind = "notes"
)

// JobPhase is the pipeline phase a journal outcome belongs to. A job id
// appears at most once per phase per run; progress is recorded by
// appending outcomes, never by mutating a previous record.
type JobPhase string

const (
	PhaseDownloaded JobPhase = "downloaded"
	PhaseImported   JobPhase = "imported"
)

// JobOutcome is the journal record written for each completed job phase.
type JobOutcome struct {
	// RunID is the ksuid of the pipeline run this outcome belongs to.
	RunID string
	// JobID is the external identifier of the work unit.
	JobID string
	// Phase is the phase that completed, PhaseDownloaded or PhaseImported.
	Phase JobPhase
	// Success is false if the phase exhausted all retry attempts.
	Success bool
	// Error holds the final attempt error when Success is false.
	Error string
	// Elapsed is the wall clock duration of the phase including retries.
	Elapsed clock.Duration
	// CreatedAt is when the outcome was recorded.
	CreatedAt clock.Time
}

// BatchStatus is the overall result of a batch pass.
type BatchStatus int

const (
	// BatchSuccess means every job in the batch succeeded.
	BatchSuccess BatchStatus = iota
	// BatchPartial means at least one job succeeded and at least one
	// failed. The batch is still useful; failures are retained for a
	// later retry pass.
	BatchPartial
	// BatchFailed means no job succeeded, or the input list was empty.
	BatchFailed
)

func (s BatchStatus) String() string {
	switch s {
	case BatchSuccess:
		return "success"
	case BatchPartial:
		return "success-with-failures"
	case BatchFailed:
		return "failure"
	}
	return "unknown"
}

// BatchResult reports one batch pass. Succeeded and Failed together cover
// every id that was attempted, in completion order.
type BatchResult struct {
	Status    BatchStatus
	Succeeded []string
	Failed    []string
}

// Classify derives the overall status from the success and failure lists.
// An empty batch classifies as failure; an empty input list usually means
// an upstream fetch failed, not that there was no work to do.
func (r *BatchResult) Classify() BatchStatus {
	switch {
	case len(r.Succeeded) == 0:
		r.Status = BatchFailed
	case len(r.Failed) != 0:
		r.Status = BatchPartial
	default:
		r.Status = BatchSuccess
	}
	return r.Status
}
