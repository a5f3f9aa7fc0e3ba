package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"dimetl/internal/version"
	"dimetl/internal/warehouse"
)

var (
	statusFormat string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show warehouse status",
	Long:  "Display dimension counts, fact counts and each source's resume point",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "human", "Output format (json, human)")
	rootCmd.AddCommand(statusCmd)
}

// statusResponseCLI contains the warehouse status for CLI output
type statusResponseCLI struct {
	Version   string                  `json:"version"`
	Warehouse string                  `json:"warehouse"`
	Entities  []warehouse.EntityCount `json:"entities"`
	Facts     map[string]int          `json:"facts"`
	Sources   []sourceStatusCLI       `json:"sources"`
}

type sourceStatusCLI struct {
	Name        string `json:"name"`
	Target      string `json:"target"`
	ResumePoint string `json:"resumePoint,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, statusFormat)

	db, err := openWarehouse(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	resp := statusResponseCLI{
		Version:   version.Version,
		Warehouse: db.Path(),
		Facts:     make(map[string]int),
	}

	resp.Entities, err = db.CurrentCounts()
	if err != nil {
		return err
	}

	for name := range cfg.Facts {
		n, err := db.FactCount(name)
		if err != nil {
			return err
		}
		resp.Facts[name] = n
	}

	for name, src := range cfg.Sources {
		st := sourceStatusCLI{Name: name, Target: src.Entity}
		if st.Target == "" {
			st.Target = src.Fact
		}
		resume, err := db.ResumePoint(name)
		if err != nil {
			return err
		}
		if resume != nil {
			st.ResumePoint = resume.Format(time.RFC3339)
		}
		resp.Sources = append(resp.Sources, st)
	}

	if statusFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	fmt.Printf("dimetl %s\n", resp.Version)
	fmt.Printf("Warehouse: %s\n\n", resp.Warehouse)

	fmt.Println("Dimensions:")
	if len(resp.Entities) == 0 {
		fmt.Println("  (empty)")
	}
	for _, ent := range resp.Entities {
		fmt.Printf("  %-20s current=%d versions=%d\n", ent.Entity, ent.Current, ent.Total)
	}

	fmt.Println("\nFacts:")
	if len(resp.Facts) == 0 {
		fmt.Println("  (none configured)")
	}
	for name, n := range resp.Facts {
		fmt.Printf("  %-20s records=%d\n", name, n)
	}

	fmt.Println("\nSources:")
	if len(resp.Sources) == 0 {
		fmt.Println("  (none configured)")
	}
	for _, src := range resp.Sources {
		resume := src.ResumePoint
		if resume == "" {
			resume = "never ran"
		}
		fmt.Printf("  %-20s -> %-15s resume: %s\n", src.Name, src.Target, resume)
	}

	return nil
}
