package main

import (
	"context"
	"io"
	"os"

	"github.com/osmsync/osmsync"
	"github.com/osmsync/osmsync/config"
	"github.com/osmsync/osmsync/daemon"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// FlagParams holds every flag the subcommands accept. Run functions take
// it as a parameter so tests can drive them without the cobra layer.
type FlagParams struct {
	ConfigFile string
	ListURL    string
	ListPath   string
	Kind       string
	WindowDays int
}

var flags FlagParams

var rootCommand = &cobra.Command{
	Use:   "osmsync",
	Short: "OSM boundary and notes ingestion pipeline",
	Long: `osmsync ingests OSM administrative boundaries and map notes into a
PostGIS database, pacing every upstream call through filesystem backed
admission queues so concurrent runs never exceed the per service limits.`,
	SilenceUsage: true,
}

func init() {
	rootCommand.PersistentFlags().StringVar(&flags.ConfigFile, "config",
		"", "Path to the YAML config file")
	rootCommand.AddCommand(runCommand, notesCommand, gapsCommand,
		pruneCommand, statusCommand, daemonCommand, versionCommand)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(ctx context.Context, flags FlagParams, w io.Writer) (daemon.Config, error) {
	file, err := config.Load(flags.ConfigFile)
	if err != nil {
		return daemon.Config{}, err
	}

	var conf daemon.Config
	if err := config.ApplyConfigFile(ctx, &conf, file, w); err != nil {
		return daemon.Config{}, err
	}
	return conf, nil
}

// loadPipeline builds the pipeline for one-shot commands, which bypass
// the daemon. Config logs go to stderr so stdout stays clean JSON.
func loadPipeline(ctx context.Context, flags FlagParams) (*osmsync.Pipeline, daemon.Config, error) {
	conf, err := loadConfig(ctx, flags, os.Stderr)
	if err != nil {
		return nil, conf, err
	}

	p, err := osmsync.NewPipeline(conf.Config)
	if err != nil {
		return nil, conf, err
	}
	return p, conf, nil
}
