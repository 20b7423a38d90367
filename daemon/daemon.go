// Package daemon runs the pipeline on a schedule: boundary and notes
// cycles at configured intervals, stale lock pruning, and an HTTP
// listener exposing prometheus metrics and a health probe.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/duh-rpc/duh-go"
	"github.com/duh-rpc/duh-go/retry"
	"github.com/kapetan-io/tackle/clock"
	"github.com/osmsync/osmsync"
	"github.com/osmsync/osmsync/internal/telemetry"
	"github.com/osmsync/osmsync/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
)

type Daemon struct {
	pipeline *osmsync.Pipeline
	metrics  *telemetry.Metrics
	servers  []*http.Server
	wg       sync.WaitGroup
	runCtx   context.Context
	cancel   context.CancelFunc
	Listener net.Listener
	conf     Config
}

func NewDaemon(ctx context.Context, conf Config) (*Daemon, error) {
	if err := conf.SetDefaults(); err != nil {
		return nil, err
	}
	if conf.Metrics == nil {
		conf.Metrics = telemetry.NewMetrics()
	}

	p, err := osmsync.NewPipeline(conf.Config)
	if err != nil {
		return nil, err
	}

	conf.Log = conf.Log.With("code.namespace", "Daemon")
	d := &Daemon{
		conf:     conf,
		metrics:  conf.Metrics,
		pipeline: p,
	}
	return d, d.Start(ctx)
}

func (d *Daemon) Start(ctx context.Context) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(d.metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		registry, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	))
	mux.HandleFunc("/healthz", d.healthz)

	if err := d.spawnHTTP(ctx, mux); err != nil {
		return err
	}

	d.runCtx, d.cancel = context.WithCancel(context.Background())
	if d.conf.BoundaryListURL != "" {
		d.spawnCycle("boundaries", d.conf.BoundaryInterval, d.boundaryCycle)
	}
	if d.conf.OSMAPIURL != "" {
		d.spawnCycle("notes", d.conf.NotesInterval, d.notesCycle)
	}
	d.spawnCycle("prune", d.conf.PruneInterval, d.pruneCycle)
	d.conf.Log.Info("Daemon started", "address", d.servers[0].Addr)
	return nil
}

// Shutdown stops the cycles, drains the HTTP servers and closes the
// pipeline's storage. Cycles are stopped first so nothing touches the
// journal or database while they close.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	for _, srv := range d.servers {
		d.conf.Log.Info("Shutting down server", "address", srv.Addr)
		_ = srv.Shutdown(ctx)
	}
	d.wg.Wait()
	d.servers = nil

	if err := d.pipeline.Shutdown(ctx); err != nil {
		return err
	}
	d.conf.Log.LogAttrs(ctx, slog.LevelDebug, "Shutdown complete")
	return nil
}

func (d *Daemon) Pipeline() *osmsync.Pipeline {
	return d.pipeline
}

func (d *Daemon) boundaryCycle(ctx context.Context) error {
	if _, err := d.pipeline.RunBoundaries(ctx, osmsync.BoundariesRequest{
		ListURL: d.conf.BoundaryListURL,
	}); err != nil {
		return err
	}
	if d.conf.MaritimeListURL == "" {
		return nil
	}
	_, err := d.pipeline.RunBoundaries(ctx, osmsync.BoundariesRequest{
		ListURL: d.conf.MaritimeListURL,
		Kind:    types.KindMaritime,
	})
	return err
}

func (d *Daemon) notesCycle(ctx context.Context) error {
	_, err := d.pipeline.RunNotes(ctx, osmsync.NotesRequest{
		WindowDays: d.conf.NotesWindowDays,
	})
	return err
}

// pruneCycle reaps queue state owned by dead processes and refreshes
// the queue gauges.
func (d *Daemon) pruneCycle(ctx context.Context) error {
	if _, err := d.pipeline.Prune(ctx); err != nil {
		return err
	}
	_, err := d.pipeline.Status()
	return err
}

// spawnCycle runs fn immediately and then once per interval until
// shutdown. A failed cycle is retried on a fixed delay up to
// CycleAttempts total, then abandoned until the next interval.
func (d *Daemon) spawnCycle(name string, interval clock.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	log := d.conf.Log.With("cycle", name)
	policy := retry.Policy{
		Interval: retry.Sleep(d.conf.CycleRetryDelay),
		Attempts: d.conf.CycleAttempts,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			err := retry.On(d.runCtx, policy, func(ctx context.Context, attempt int) error {
				if attempt > 1 {
					log.Warn("retrying failed cycle", "attempt", attempt)
				}
				return fn(ctx)
			})
			if d.runCtx.Err() != nil {
				return
			}
			if err != nil {
				log.Error("cycle failed; waiting for the next interval", "error", err)
			}

			timer := d.conf.Clock.NewTimer(interval)
			select {
			case <-d.runCtx.Done():
				timer.Stop()
				return
			case <-timer.C():
			}
		}
	}()
}

// healthz reports whether the work directory is usable. A daemon that
// cannot read its own queue counters cannot admit anything.
func (d *Daemon) healthz(w http.ResponseWriter, _ *http.Request) {
	if _, err := d.pipeline.Status(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "work dir unusable: %s\n", err)
		return
	}
	_, _ = fmt.Fprintln(w, "ok")
}

func (d *Daemon) spawnHTTP(ctx context.Context, h http.Handler) error {
	srv := &http.Server{
		ErrorLog: slog.NewLogLogger(d.conf.Log.Handler(), slog.LevelError),
		Addr:     d.conf.MetricsAddress,
		Handler:  h,
	}

	injected := d.conf.Listener != nil
	if injected {
		d.Listener = d.conf.Listener
	} else {
		var err error
		d.Listener, err = net.Listen("tcp", d.conf.MetricsAddress)
		if err != nil {
			return fmt.Errorf("while starting metrics listener: %w", err)
		}
	}
	srv.Addr = d.Listener.Addr().String()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.conf.Log.Info("Metrics listening ...", "address", srv.Addr)
		if err := srv.Serve(d.Listener); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				d.conf.Log.Error("while serving metrics HTTP", "error", err)
			}
		}
	}()

	// An injected listener has no dialable address to probe.
	if !injected {
		if err := duh.WaitForConnect(ctx, d.Listener.Addr().String(), nil); err != nil {
			return err
		}
	}
	d.servers = append(d.servers, srv)
	return nil
}
