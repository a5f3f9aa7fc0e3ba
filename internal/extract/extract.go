// Package extract reads raw records from configured sources as single-pass
// sequences. Extractors yield each record as a loosely typed map; all
// validation and coercion happens downstream in the normalizer.
//
// Incremental extraction is watermark based: when a source has a watermark
// field and a resume point exists, records at or before the resume point are
// skipped at the extractor. A record whose watermark value cannot be parsed
// is passed through unfiltered so the normalizer can reject it visibly
// instead of the extractor dropping it in silence.
package extract

import (
	"context"
	"iter"
	"time"

	"dimetl/internal/config"
	"dimetl/internal/errors"
	"dimetl/internal/normalize"
)

// Extractor is a single-pass source reader. A nil since means full extract.
type Extractor interface {
	Extract(ctx context.Context, since *time.Time) iter.Seq2[map[string]interface{}, error]
}

// FromConfig builds the extractor for a configured source.
func FromConfig(src config.SourceConfig) (Extractor, error) {
	switch src.Kind {
	case "csv":
		return NewCSV(src.Path, src.WatermarkField), nil
	case "json":
		return NewJSON(src.Path, src.WatermarkField), nil
	default:
		return nil, errors.Newf(errors.FatalConfig, "unknown source kind %q", src.Kind)
	}
}

// afterWatermark reports whether a record passes the incremental filter.
func afterWatermark(record map[string]interface{}, field string, since *time.Time) bool {
	if since == nil || field == "" {
		return true
	}
	raw, ok := record[field]
	if !ok {
		return true
	}
	s, ok := raw.(string)
	if !ok {
		return true
	}
	ts, err := normalize.ParseTime(s)
	if err != nil {
		return true
	}
	return ts.After(*since)
}
