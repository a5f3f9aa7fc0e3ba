package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dimetl/internal/model"
	"dimetl/internal/pipeline"
)

var (
	runFormat string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one batch over all configured sources",
	Long: `Extracts every configured source from its resume point, reconciles
dimensions, loads facts and commits each source atomically. Dimension
sources complete before fact sources start.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runFormat, "format", "human", "Output format (json, human)")
	rootCmd.AddCommand(runCmd)
}

// runResultCLI is one source's outcome for CLI output.
type runResultCLI struct {
	Source    string `json:"source"`
	BatchID   string `json:"batchId"`
	Status    string `json:"status"`
	Extracted int    `json:"extracted"`
	Loaded    int    `json:"loaded"`
	Rejected  int    `json:"rejected"`
	Error     string `json:"error,omitempty"`
}

func runRun(cmd *cobra.Command, args []string) error {
	start := time.Now()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, runFormat)

	db, err := openWarehouse(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := pipeline.New(cfg, db, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := p.Run(ctx)
	if err != nil {
		return err
	}

	cliResults := make([]runResultCLI, 0, len(results))
	failed := 0
	for _, res := range results {
		out := runResultCLI{
			Source:    res.Source,
			BatchID:   res.BatchID,
			Status:    string(res.Status),
			Extracted: res.Extracted,
			Loaded:    res.Loaded,
			Rejected:  res.Rejected,
		}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		if res.Status == model.BatchFailed {
			failed++
		}
		cliResults = append(cliResults, out)
	}

	if runFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cliResults); err != nil {
			return err
		}
	} else {
		for _, res := range cliResults {
			fmt.Printf("%-20s %-8s extracted=%d loaded=%d rejected=%d\n",
				res.Source, res.Status, res.Extracted, res.Loaded, res.Rejected)
			if res.Error != "" {
				fmt.Printf("%-20s   error: %s\n", "", res.Error)
			}
		}
		fmt.Printf("\n(Run took %dms)\n", time.Since(start).Milliseconds())
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed", failed, len(results))
	}
	return nil
}
