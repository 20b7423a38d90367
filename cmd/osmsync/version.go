package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Print the osmsync version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("osmsync %s (%s/%s)\n", Version, runtime.GOARCH, runtime.GOOS)
	},
}
