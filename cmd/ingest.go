package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dhtscout/metadl/internal/ingest"
)

// newIngestCmd creates the 'ingest' subcommand, which parses a sighting log
// file and folds it into the backlog.
func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <sighting-log>",
		Short: "Ingest a sighting log into the backlog",
		Long: `Parses a sighting log file, deduplicates (fingerprint, timestamp) pairs
and merges the result into the backlog store. Malformed lines are skipped
and reported, never fatal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			stats, err := ingest.New(st, logger).IngestFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			logger.Info("ingestion finished",
				zap.String("path", args[0]),
				zap.Int("parsed", stats.Parsed),
				zap.Int("skipped", stats.Skipped),
				zap.Int("new_entries", stats.NewEntries),
				zap.Int("updated_entries", stats.UpdatedEntries),
			)
			return nil
		},
	}
}
