package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/osmsync/osmsync/daemon"
	"github.com/spf13/cobra"
)

var daemonCommand = &cobra.Command{
	Use:   "daemon",
	Short: "Run the pipeline on a schedule",
	Long: `Run the pipeline as a long lived daemon. The daemon serves Prometheus
metrics and a health probe, runs boundary and notes cycles at their configured
intervals, and prunes stale queue state between runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return StartDaemon(context.Background(), flags, os.Stdout)
	},
}

func StartDaemon(ctx context.Context, flags FlagParams, w io.Writer) error {
	conf, err := loadConfig(ctx, flags, w)
	if err != nil {
		return err
	}
	conf.Log.Info(fmt.Sprintf("osmsync %s (%s/%s)", Version, runtime.GOARCH, runtime.GOOS))

	d, err := daemon.NewDaemon(ctx, conf)
	if err != nil {
		return fmt.Errorf("while creating daemon: %w", err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-c:
		return d.Shutdown(ctx)
	case <-ctx.Done():
		return d.Shutdown(context.Background())
	}
}
