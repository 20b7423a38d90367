package main

import (
	"context"
	"fmt"
	"os"

	"github.com/osmsync/osmsync"
	"github.com/spf13/cobra"
)

var notesCommand = &cobra.Command{
	Use:   "notes [flags]",
	Short: "Run one notes ingestion pass",
	Long: `Fetch the trailing window of map notes from the OSM API, import the
notes and their comments, then compare downstream counts for gaps.

Outputs the run report as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunNotes(flags)
	},
}

func init() {
	notesCommand.Flags().IntVar(&flags.WindowDays, "window-days",
		0, "Trailing window of note activity to ingest (default from config)")
}

func RunNotes(flags FlagParams) error {
	ctx := context.Background()
	p, conf, err := loadPipeline(ctx, flags)
	if err != nil {
		return err
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	days := flags.WindowDays
	if days == 0 {
		days = conf.NotesWindowDays
	}

	report, runErr := p.RunNotes(ctx, osmsync.NotesRequest{WindowDays: days})
	if report != nil {
		if err := printReport(report); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("notes run failed: %w", runErr)
	}

	fmt.Fprintf(os.Stderr, "Run %s imported %d note(s)\n",
		report.Run.ID, report.Imported)
	return nil
}
