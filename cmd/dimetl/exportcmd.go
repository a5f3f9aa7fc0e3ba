package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"dimetl/internal/warehouse"
)

var (
	exportOutput   string
	exportCompress bool
	exportEntities []string
	exportFacts    []string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export warehouse contents as newline-delimited JSON",
	Long: `Writes every dimension version and fact record to a JSON-lines file.
An output path ending in .zst, or --compress, enables zstd compression.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "export.jsonl", "Output file path")
	exportCmd.Flags().BoolVar(&exportCompress, "compress", false, "Compress output with zstd")
	exportCmd.Flags().StringSliceVar(&exportEntities, "entity", nil, "Dimension entities to include (default all)")
	exportCmd.Flags().StringSliceVar(&exportFacts, "fact", nil, "Fact tables to include (default all)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, "human")

	db, err := openWarehouse(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	summary, err := warehouse.NewExporter(db, logger).Export(context.Background(), warehouse.ExportOptions{
		Path:     exportOutput,
		Compress: exportCompress,
		Entities: exportEntities,
		Facts:    exportFacts,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Exported %d dimension versions and %d facts to %s\n",
		summary.Dimensions, summary.Facts, summary.Path)
	return nil
}
