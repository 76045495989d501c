package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"pumptrader/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database tables",
	Long: `Apply the schema of the trade journal, equity snapshots and symbol blacklist.
Statements are idempotent; running migrate on an up-to-date database is a no-op.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, logger, err := openTooling()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := repository.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		logger.Info("database schema is up to date")
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
