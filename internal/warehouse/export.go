package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"dimetl/internal/logging"
	"dimetl/internal/model"
)

// ExportOptions controls a warehouse export.
type ExportOptions struct {
	Path     string   // output file; ".zst" suffix implies compression
	Compress bool     // force zstd compression regardless of suffix
	Entities []string // dimension entities to include, empty = all
	Facts    []string // fact tables to include, empty = all
}

// ExportSummary reports what an export wrote.
type ExportSummary struct {
	Path       string `json:"path"`
	Dimensions int    `json:"dimensions"`
	Facts      int    `json:"facts"`
	Compressed bool   `json:"compressed"`
}

// Exporter writes warehouse contents as newline-delimited JSON, one object
// per record, so downstream tooling can stream it without loading the whole
// file.
type Exporter struct {
	db     *DB
	logger *logging.Logger
}

// NewExporter creates a new exporter
func NewExporter(db *DB, logger *logging.Logger) *Exporter {
	return &Exporter{db: db, logger: logger}
}

type exportLine struct {
	Kind      string                 `json:"kind"` // dimension | fact
	Dimension *model.DimensionRecord `json:"dimension,omitempty"`
	Fact      *model.FactRecord      `json:"fact,omitempty"`
}

// Export writes the selected records to opts.Path.
func (e *Exporter) Export(ctx context.Context, opts ExportOptions) (*ExportSummary, error) {
	compress := opts.Compress || strings.HasSuffix(opts.Path, ".zst")

	f, err := os.Create(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	var out io.Writer = f
	var zw *zstd.Encoder
	if compress {
		zw, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		out = zw
	}

	started := time.Now()
	summary := &ExportSummary{Path: opts.Path, Compressed: compress}
	enc := json.NewEncoder(out)

	if err := e.exportDimensions(ctx, enc, opts.Entities, summary); err != nil {
		return nil, err
	}
	if err := e.exportFacts(ctx, enc, opts.Facts, summary); err != nil {
		return nil, err
	}

	if zw != nil {
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish compressed export: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close export file: %w", err)
	}

	e.logger.Info("Export complete", map[string]interface{}{
		"path":        opts.Path,
		"dimensions":  summary.Dimensions,
		"facts":       summary.Facts,
		"compressed":  compress,
		"duration_ms": time.Since(started).Milliseconds(),
	})

	return summary, nil
}

func (e *Exporter) exportDimensions(ctx context.Context, enc *json.Encoder, entities []string, summary *ExportSummary) error {
	query := `
		SELECT surrogate_key, entity, natural_key, attributes_json,
		       effective_from, effective_to, is_current, version
		FROM dimension_records
	`
	var args []interface{}
	if len(entities) > 0 {
		query += " WHERE entity IN (" + placeholders(len(entities)) + ")"
		for _, ent := range entities {
			args = append(args, ent)
		}
	}
	query += " ORDER BY entity, natural_key, version"

	rows, err := e.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("failed to query dimension records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := scanDimensionRecord(rows)
		if err != nil {
			return err
		}
		if err := enc.Encode(exportLine{Kind: "dimension", Dimension: &rec}); err != nil {
			return fmt.Errorf("failed to write export line: %w", err)
		}
		summary.Dimensions++
	}
	return rows.Err()
}

func (e *Exporter) exportFacts(ctx context.Context, enc *json.Encoder, facts []string, summary *ExportSummary) error {
	query := `
		SELECT fact_id, fact, measures_json, event_timestamp, batch_id
		FROM fact_records
	`
	var args []interface{}
	if len(facts) > 0 {
		query += " WHERE fact IN (" + placeholders(len(facts)) + ")"
		for _, f := range facts {
			args = append(args, f)
		}
	}
	query += " ORDER BY fact, event_timestamp"

	rows, err := e.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("failed to query fact records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var rec model.FactRecord
		var measuresJSON string
		if err := rows.Scan(&rec.FactID, &rec.Fact, &measuresJSON,
			&rec.EventTimestamp, &rec.BatchID); err != nil {
			return fmt.Errorf("failed to scan fact record: %w", err)
		}
		if err := json.Unmarshal([]byte(measuresJSON), &rec.Measures); err != nil {
			return fmt.Errorf("failed to decode measures: %w", err)
		}

		keys, err := e.factKeys(rec.FactID)
		if err != nil {
			return err
		}
		rec.Keys = keys

		if err := enc.Encode(exportLine{Kind: "fact", Fact: &rec}); err != nil {
			return fmt.Errorf("failed to write export line: %w", err)
		}
		summary.Facts++
	}
	return rows.Err()
}

func (e *Exporter) factKeys(factID string) (map[string]string, error) {
	rows, err := e.db.Query(
		"SELECT entity, surrogate_key FROM fact_keys WHERE fact_id = ?", factID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fact keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]string)
	for rows.Next() {
		var entity, sk string
		if err := rows.Scan(&entity, &sk); err != nil {
			return nil, fmt.Errorf("failed to scan fact key: %w", err)
		}
		keys[entity] = sk
	}
	return keys, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
