package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"time"
)

// JSONExtractor reads a file holding either a JSON array of objects or a
// stream of newline-delimited objects. Both forms are detected from the
// first token.
type JSONExtractor struct {
	path           string
	watermarkField string
}

// NewJSON creates a JSON extractor for the file at path.
func NewJSON(path, watermarkField string) *JSONExtractor {
	return &JSONExtractor{path: path, watermarkField: watermarkField}
}

// Extract yields one map per object.
func (e *JSONExtractor) Extract(ctx context.Context, since *time.Time) iter.Seq2[map[string]interface{}, error] {
	return func(yield func(map[string]interface{}, error) bool) {
		f, err := os.Open(e.path)
		if err != nil {
			yield(nil, fmt.Errorf("failed to open source file: %w", err))
			return
		}
		defer f.Close()

		dec := json.NewDecoder(f)

		tok, err := dec.Token()
		if err == io.EOF {
			return
		}
		if err != nil {
			yield(nil, fmt.Errorf("failed to read source: %w", err))
			return
		}

		array := false
		if delim, ok := tok.(json.Delim); ok && delim == '[' {
			array = true
		} else {
			// Object stream: rewind and decode whole objects.
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				yield(nil, fmt.Errorf("failed to rewind source: %w", err))
				return
			}
			dec = json.NewDecoder(f)
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			if array && !dec.More() {
				return
			}

			var record map[string]interface{}
			if err := dec.Decode(&record); err != nil {
				if !array && err == io.EOF {
					return
				}
				yield(nil, fmt.Errorf("failed to decode record: %w", err))
				return
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
