package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd(binary string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Displays version, commit, and build date information.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(map[string]interface{}{
					"binary":     binary,
					"version":    Version,
					"commit":     GitCommit,
					"build_date": BuildDate,
				})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", binary, Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", GitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", BuildDate)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
