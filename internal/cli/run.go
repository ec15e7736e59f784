package cli

import (
	"github.com/spf13/cobra"
)

var (
	runVenues      []string
	runInstruments []string
	runNoNotices   bool
	runNoAlerts    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run ingestion, aggregation and the listing gate",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if cmd.Flags().Changed("venues") {
			a.Config.Ingest.Venues = runVenues
		}
		if cmd.Flags().Changed("instruments") {
			a.Config.Ingest.Instruments = runInstruments
		}
		if runNoNotices {
			a.Config.Ingest.NoticesEnabled = false
		}
		if runNoAlerts {
			a.Config.Alerting.Enabled = false
		}
		if err := a.Config.Validate(); err != nil {
			return err
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runVenues, "venues", nil, "Override the domestic venues to watch (upbit, bithumb)")
	runCmd.Flags().StringSliceVar(&runInstruments, "instruments", nil, "Override the instruments streamed from startup")
	runCmd.Flags().BoolVar(&runNoNotices, "no-notices", false, "Disable announcement polling")
	runCmd.Flags().BoolVar(&runNoAlerts, "no-alerts", false, "Log alerts instead of sending them")
}
