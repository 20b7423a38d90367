package daemon

import (
	"log/slog"
	"net"

	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"github.com/osmsync/osmsync"
)

type Config struct {
	// See osmsync.Config for the pipeline options
	osmsync.Config

	// MetricsAddress is the address:port the metrics and health
	// endpoints listen on.
	MetricsAddress string
	// Listener overrides the metrics listener; tests inject one.
	Listener net.Listener

	// BoundaryListURL is fetched at the start of every boundary cycle.
	// Empty disables the boundary cycle.
	BoundaryListURL string
	// MaritimeListURL, when set, runs a maritime pass after each
	// boundary pass.
	MaritimeListURL string

	// BoundaryInterval, NotesInterval and PruneInterval space the
	// cycles. Zero disables a cycle.
	BoundaryInterval clock.Duration
	NotesInterval    clock.Duration
	PruneInterval    clock.Duration

	// NotesWindowDays is the trailing window each notes cycle ingests.
	// Zero uses the pipeline's gap window.
	NotesWindowDays int

	// CycleAttempts is the total attempt budget for one cycle before it
	// is abandoned until the next interval.
	CycleAttempts int
	// CycleRetryDelay is the pause between attempts of a failed cycle.
	CycleRetryDelay clock.Duration
}

func (c *Config) SetDefaults() error {
	set.Default(&c.Log, slog.Default())
	set.Default(&c.Clock, clock.NewProvider())
	set.Default(&c.MetricsAddress, "localhost:2112")
	set.Default(&c.PruneInterval, 5*clock.Minute)
	set.Default(&c.CycleAttempts, 3)
	set.Default(&c.CycleRetryDelay, clock.Minute)
	return nil
}
