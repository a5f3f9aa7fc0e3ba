package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	initForce bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a dimetl project",
	Long:  "Creates a dimetl.yaml skeleton and a mappings/ directory in the project root",
	RunE:  runInitCmd,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing dimetl.yaml")
	rootCmd.AddCommand(initCmd)
}

// initSkeleton is written verbatim so the generated file keeps its comments.
const initSkeleton = `# dimetl project configuration.
warehouse: warehouse.db

# Each source feeds exactly one dimension entity or one fact table.
sources: {}
#  customers:
#    entity: customer
#    kind: csv
#    path: data/customers.csv
#    mode: full_refresh        # full_refresh enables delete detection
#    watermarkField: updated_at
#    mapping: mappings/customers.yaml

entities: {}
#  customer:
#    policy: type2             # type1 overwrites, type2 versions
#    tracked: [email, city]
#    type1Fields: []           # attributes overwritten in place under type2
#    deletePolicy: ignore      # ignore | flag | close

facts: {}
#  orders:
#    dimensions:
#      customer_ref: customer
#    measures: [amount, quantity]
#    derived:
#      - name: total
#        op: multiply
#        left: amount
#        right: quantity

retry:
  maxAttempts: 3
  backoffMs: 250

logging:
  format: human
  level: info
`

func runInitCmd(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(rootFlag)
	if err != nil {
		return fmt.Errorf("failed to resolve project root: %w", err)
	}

	configPath := filepath.Join(root, "dimetl.yaml")
	if _, statErr := os.Stat(configPath); statErr == nil && !initForce {
		// Idempotent behavior: already initialized is success (CI-friendly)
		fmt.Println("dimetl already initialized.")
		fmt.Printf("Configuration at: %s\n", configPath)
		fmt.Println("\nRun 'dimetl init --force' to overwrite.")
		return nil
	}

	if err := os.MkdirAll(filepath.Join(root, "mappings"), 0755); err != nil {
		return fmt.Errorf("failed to create mappings directory: %w", err)
	}

	// The skeleton must stay parseable.
	var check map[string]interface{}
	if err := yaml.Unmarshal([]byte(initSkeleton), &check); err != nil {
		return fmt.Errorf("config skeleton is invalid: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(initSkeleton), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Println("dimetl initialized successfully!")
	fmt.Printf("Configuration written to: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Declare sources, entities and facts in dimetl.yaml")
	fmt.Println("  2. Add a schema mapping per source under mappings/")
	fmt.Println("  3. Run 'dimetl run' to load the first batch")
	return nil
}
