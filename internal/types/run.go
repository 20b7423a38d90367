package types

import (
	"github.com/kapetan-io/tackle/clock"
)

// RunInfo identifies one pipeline run. The ID is a ksuid so run
// directories and journal keys sort by start time.
type RunInfo struct {
	ID        string
	Kind      JobKind
	StartedAt clock.Time
}
