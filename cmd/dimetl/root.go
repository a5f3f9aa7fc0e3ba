package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dimetl/internal/config"
	"dimetl/internal/logging"
	"dimetl/internal/version"
	"dimetl/internal/warehouse"
)

var (
	// rootFlag is the CLI --root flag value: the directory holding
	// dimetl.yaml, mapping files and (by default) the warehouse.
	rootFlag string
)

var rootCmd = &cobra.Command{
	Use:   "dimetl",
	Short: "dimetl - incremental star-schema ETL",
	Long: `dimetl runs incremental batches from file sources into a star-schema
warehouse, reconciling slowly changing dimensions and appending facts with
exactly-once batch semantics.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate("dimetl version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", ".",
		"Project root containing dimetl.yaml")
}

// loadConfig loads and validates the project configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootFlag)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the logger from configuration, letting a command's
// --format flag force JSON so log lines do not interleave with JSON output.
func newLogger(cfg *config.Config, outputFormat string) *logging.Logger {
	format := logging.Format(cfg.Logging.Format)
	if outputFormat == "json" {
		format = logging.JSONFormat
	}
	return logging.NewLogger(logging.Config{
		Format: format,
		Level:  logging.LogLevel(cfg.Logging.Level),
	})
}

// openWarehouse opens the configured warehouse database.
func openWarehouse(cfg *config.Config, logger *logging.Logger) (*warehouse.DB, error) {
	db, err := warehouse.Open(cfg.Warehouse, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}
	return db, nil
}
