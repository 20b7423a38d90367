package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/osmsync/osmsync"
	"github.com/osmsync/osmsync/daemon"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workDir, err := os.MkdirTemp("", "osmsync-example-")
	if err != nil {
		log.Fatalf("Failed to create work dir: %v", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	// Create daemon with default config (in-memory journal, metrics on
	// localhost:2112). A database and the upstream endpoints are only
	// needed once boundary or notes cycles are scheduled.
	d, err := daemon.NewDaemon(ctx, daemon.Config{
		Config: osmsync.Config{WorkDir: workDir},
	})
	if err != nil {
		log.Fatalf("Failed to create daemon: %v", err)
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Shutdown signal received, gracefully shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := d.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
		os.Exit(0)
	}()

	// Drive the embedded pipeline directly
	p := d.Pipeline()

	log.Printf("osmsync daemon started on %s", d.Listener.Addr().String())

	// Inspect the admission queues shared through the work dir
	status, err := p.Status()
	if err != nil {
		log.Fatalf("Failed to read queue state: %v", err)
	}
	log.Printf("Overpass queue: ticket=%d serving=%d waiting=%d active=%d",
		status.Overpass.LastTicket, status.Overpass.Serving,
		status.Overpass.Waiting, status.Overpass.Active)

	// Remove queue state left behind by dead processes
	counts, err := p.Prune(ctx)
	if err != nil {
		log.Fatalf("Failed to prune queues: %v", err)
	}
	for class, n := range counts {
		log.Printf("Pruned %d stale entries from the '%s' class", n, class)
	}

	log.Println("Example completed successfully. Press Ctrl+C to shutdown.")

	// Keep the program running until shutdown signal
	<-ctx.Done()
}
