package extract

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"iter"
	"os"
	"time"
)

// CSVExtractor reads a header-first CSV file. Every value is yielded as a
// string; the normalizer coerces types from the schema mapping.
type CSVExtractor struct {
	path           string
	watermarkField string
}

// NewCSV creates a CSV extractor for the file at path.
func NewCSV(path, watermarkField string) *CSVExtractor {
	return &CSVExtractor{path: path, watermarkField: watermarkField}
}

// Extract yields one map per data row, keyed by the header columns.
func (e *CSVExtractor) Extract(ctx context.Context, since *time.Time) iter.Seq2[map[string]interface{}, error] {
	return func(yield func(map[string]interface{}, error) bool) {
		f, err := os.Open(e.path)
		if err != nil {
			yield(nil, fmt.Errorf("failed to open source file: %w", err))
			return
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.TrimLeadingSpace = true

		header, err := r.Read()
		if err != nil {
			yield(nil, fmt.Errorf("failed to read header: %w", err))
			return
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			fields, err := r.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("failed to read record: %w", err))
				return
			}

			record := make(map[string]interface{}, len(header))
			for i, col := range header {
				if i < len(fields) {
					record[col] = fields[i]
				}
			}

			if !afterWatermark(record, e.watermarkField, since) {
				continue
			}
			if !yield(record, nil) {
				return
			}
		}
	}
}
