package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var pruneCommand = &cobra.Command{
	Use:   "prune",
	Short: "Remove queue state owned by dead processes",
	Long: `Scan every queue class for locks and waiter registrations whose owning
process is gone and remove them. Prints the per class counts as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunPrune(flags)
	},
}

func RunPrune(flags FlagParams) error {
	ctx := context.Background()
	p, _, err := loadPipeline(ctx, flags)
	if err != nil {
		return err
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	counts, err := p.Prune(ctx)
	if err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}

	jsonBytes, err := json.MarshalIndent(counts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal counts: %w", err)
	}
	fmt.Println(string(jsonBytes))

	var total int
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(os.Stderr, "Reaped %d stale entries\n", total)
	return nil
}
