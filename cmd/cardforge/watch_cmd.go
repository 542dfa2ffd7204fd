package main

import (
	"github.com/spf13/cobra"

	"github.com/cardforge/cardforge/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the interactive orders and workers dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		return tui.NewWatch(apiClient()).Run()
	},
}
