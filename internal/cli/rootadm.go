package cli

import (
	"github.com/spf13/cobra"
)

// NewAdminCmd builds the ingestadm command tree
func NewAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingestadm",
		Short: "Administrative CLI for the ingest database",
		Long: `ingestadm is the administrative companion to ingest. It creates and
migrates the local database that records ingests and their tasks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("db", "", "Path to database file (overrides INGEST_DB_PATH)")
	cmd.PersistentFlags().String("log-level", "", "Log level (overrides INGEST_LOG_LEVEL)")

	cmd.AddCommand(
		newInitAdmCmd(),
		newMigrateAdmCmd(),
		newVersionCmd("ingestadm"),
	)
	return cmd
}

// ExecuteAdmin runs the admin root command
func ExecuteAdmin() error {
	return NewAdminCmd().Execute()
}
