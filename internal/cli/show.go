package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"listing-gate/internal/app"
)

var (
	showLimit    int
	showListings bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent gate verdicts or listing signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:    showLimit,
			Listings: showListings,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showListings, "listings", false, "Show listing signals instead of gate verdicts")
}
