package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	rejectedFormat string
	rejectedSource string
	rejectedLimit  int
)

var rejectedCmd = &cobra.Command{
	Use:   "rejected",
	Short: "Show recently rejected rows",
	Long:  "Lists rows that failed validation, arrived out of order or referenced missing dimensions",
	RunE:  runRejected,
}

func init() {
	rejectedCmd.Flags().StringVar(&rejectedFormat, "format", "human", "Output format (json, human)")
	rejectedCmd.Flags().StringVar(&rejectedSource, "source", "", "Only show rejects for this source")
	rejectedCmd.Flags().IntVar(&rejectedLimit, "limit", 50, "Maximum rows to show")
	rootCmd.AddCommand(rejectedCmd)
}

func runRejected(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, rejectedFormat)

	db, err := openWarehouse(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	rejects, err := db.RejectedRows(rejectedSource, rejectedLimit)
	if err != nil {
		return err
	}

	if rejectedFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rejects)
	}

	if len(rejects) == 0 {
		fmt.Println("No rejected rows.")
		return nil
	}
	for _, rej := range rejects {
		fmt.Printf("%s  %-20s %-26s %s\n",
			rej.RejectedAt.Format(time.RFC3339), rej.Source, rej.Reason, rej.Detail)
	}
	return nil
}
