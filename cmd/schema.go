package cmd

import (
	"github.com/spf13/cobra"
)

// newSchemaCmd creates the 'schema' subcommand, which (re)creates the
// storage schema for the configured backend.
func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the storage schema",
		Long:  `Creates the sighting log and backlog tables (or collection indexes) if they do not already exist.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore(st, logger)

			if err := st.InitSchema(cmd.Context()); err != nil {
				return err
			}
			logger.Info("schema created")
			return nil
		},
	}
}
