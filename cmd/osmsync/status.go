package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCommand = &cobra.Command{
	Use:   "status",
	Short: "Show queue counters and active locks",
	Long: `Show the ticket counters, waiter counts and held locks for every
queue class as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunStatus(flags)
	},
}

func RunStatus(flags FlagParams) error {
	ctx := context.Background()
	p, _, err := loadPipeline(ctx, flags)
	if err != nil {
		return err
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	status, err := p.Status()
	if err != nil {
		return fmt.Errorf("failed to read queue state: %w", err)
	}

	type queueOutput struct {
		LastTicket int64 `json:"last_ticket"`
		Serving    int64 `json:"serving"`
		Waiting    int   `json:"waiting"`
		Active     int   `json:"active"`
	}
	output := struct {
		Overpass queueOutput `json:"overpass"`
		OSMAPI   queueOutput `json:"osmapi"`
		HTTP     int         `json:"http_active"`
		DB       int         `json:"db_active"`
	}{
		Overpass: queueOutput{
			LastTicket: status.Overpass.LastTicket,
			Serving:    status.Overpass.Serving,
			Waiting:    status.Overpass.Waiting,
			Active:     status.Overpass.Active,
		},
		OSMAPI: queueOutput{
			LastTicket: status.OSMAPI.LastTicket,
			Serving:    status.OSMAPI.Serving,
			Waiting:    status.OSMAPI.Waiting,
			Active:     status.OSMAPI.Active,
		},
		HTTP: status.HTTPActive,
		DB:   status.DBActive,
	}

	jsonBytes, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	fmt.Println(string(jsonBytes))
	return nil
}
