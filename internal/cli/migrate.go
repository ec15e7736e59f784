package cli

import (
	"github.com/spf13/cobra"
)

var (
	migrateDown   bool
	migrateTarget int64
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context(), migrateDown, migrateTarget)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "Roll back instead of applying")
	migrateCmd.Flags().Int64Var(&migrateTarget, "to", 0, "Target version when rolling back")
}
