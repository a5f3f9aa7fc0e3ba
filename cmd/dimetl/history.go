package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"dimetl/internal/warehouse"
)

var (
	historyFormat string
	historySource string
	historyLimit  int
	historyEntity string
	historyKey    string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show batch run history or a dimension's version history",
	Long: `Without flags, lists recent batch runs. With --entity and --key,
shows every version of one dimension record instead.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyFormat, "format", "human", "Output format (json, human)")
	historyCmd.Flags().StringVar(&historySource, "source", "", "Only show runs for this source")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries to show")
	historyCmd.Flags().StringVar(&historyEntity, "entity", "", "Entity type for version history")
	historyCmd.Flags().StringVar(&historyKey, "key", "", "Encoded natural key for version history")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	if (historyEntity == "") != (historyKey == "") {
		return fmt.Errorf("--entity and --key must be used together")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, historyFormat)

	db, err := openWarehouse(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if historyEntity != "" {
		return printVersionHistory(db, historyEntity, historyKey)
	}

	runs, err := db.RunHistory(historySource, historyLimit)
	if err != nil {
		return err
	}

	if historyFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	if len(runs) == 0 {
		fmt.Println("No batch runs recorded.")
		return nil
	}
	for _, run := range runs {
		line := fmt.Sprintf("%s  %-20s %-8s extracted=%d loaded=%d rejected=%d",
			run.StartedAt.Format(time.RFC3339), run.Source, run.Status,
			run.Extracted, run.Loaded, run.Rejected)
		if run.Error != "" {
			line += "  error: " + run.Error
		}
		fmt.Println(line)
	}
	return nil
}

func printVersionHistory(db *warehouse.DB, entity, key string) error {
	history, err := db.VersionHistory(entity, key)
	if err != nil {
		return err
	}

	if historyFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(history)
	}

	if len(history) == 0 {
		fmt.Printf("No versions for %s %q.\n", entity, key)
		return nil
	}
	for _, rec := range history {
		to := "open"
		if rec.EffectiveTo != 0 {
			to = time.UnixMilli(rec.EffectiveTo).UTC().Format(time.RFC3339)
		}
		marker := " "
		if rec.IsCurrent {
			marker = "*"
		}
		fmt.Printf("%s v%-3d %s  %s .. %s\n", marker, rec.Version, rec.SurrogateKey,
			time.UnixMilli(rec.EffectiveFrom).UTC().Format(time.RFC3339), to)
	}
	return nil
}
