package types

import (
	"math"

	"github.com/kapetan-io/tackle/clock"
)

// GapKind enumerates the cause of a detected coverage gap.
type GapKind string

const (
	// GapMissingNotes means a trailing window holds fewer notes
	// downstream than the authoritative source reports.
	GapMissingNotes GapKind = "missing-notes-window"
	// GapMissingComments means note comments are present upstream but
	// absent downstream.
	GapMissingComments GapKind = "missing-comments"
	// GapMissingBoundaries means boundary rows expected from the last
	// import run are absent.
	GapMissingBoundaries GapKind = "missing-boundaries"
)

// GapRecord is one persisted gap detection. Records are append only; the
// only permitted mutation is flipping Processed to true after a confirmed
// recovery. Records are never deleted.
type GapRecord struct {
	// ID is a ksuid assigned by the journal on append. Sortable by
	// creation time.
	ID string
	// RunID is the pipeline run that detected the gap, when detection
	// ran inside a run. Recovery uses it to find retained payloads.
	RunID string
	// CreatedAt is when the detection pass found the gap.
	CreatedAt clock.Time
	// Kind is the enumerated cause of the gap.
	Kind GapKind
	// GapCount is how many expected items were absent downstream.
	GapCount int
	// TotalCount is how many items the authoritative source reported
	// for the window.
	TotalCount int
	// GapPercent is GapCount over TotalCount as a percentage, rounded
	// to two decimals. Zero when TotalCount is zero.
	GapPercent float64
	// Details is free text for operators, typically the window bounds
	// and the comparator's error output if any.
	Details string
	// Processed is true once a recovery attempt for this gap confirmed
	// success. A failed recovery leaves it false for the next cycle.
	Processed bool
	// WindowStart and WindowEnd bound the time range the comparator
	// examined. Recovery reprocesses exactly this range.
	WindowStart clock.Time
	WindowEnd   clock.Time
}

// Percent computes a gap percentage rounded to two decimal places.
func Percent(gap, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(gap)/float64(total)*100*100) / 100
}
