// Package normalize converts heterogeneous extracted records into canonical
// rows with declared natural keys.
//
// Canonical attribute values are restricted to string, float64 and bool.
// Ints are widened to float64 after an integral check and times are stored
// as RFC3339 strings, so values compare equal after the JSON round trip
// through the warehouse. String values are trimmed of surrounding
// whitespace; fields flagged fold_case are additionally lower-cased. This is
// the documented comparison normalization rule: it is applied once here, and
// the change detector compares the normalized forms verbatim.
package normalize

import (
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"
	"time"

	"dimetl/internal/config"
	"dimetl/internal/errors"
	"dimetl/internal/model"
)

// Accepted layouts for time fields, tried in order.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalizer turns raw source records into canonical rows for one source.
type Normalizer struct {
	source         string
	target         string // entity or fact name
	mapping        *config.SchemaMapping
	fact           *config.FactConfig // nil for dimension sources
	dimKeyFields   map[string]string  // entity -> its natural-key canonical field
	watermarkField string
}

// NewDimension creates a normalizer for a dimension source.
func NewDimension(source, entity string, mapping *config.SchemaMapping, watermarkField string) *Normalizer {
	return &Normalizer{
		source:         source,
		target:         entity,
		mapping:        mapping,
		watermarkField: watermarkField,
	}
}

// NewFact creates a normalizer for a fact source. dimKeyFields maps each
// referenced dimension entity to the canonical field that carries its
// natural key in the dimension's own mapping; fact refs are encoded with
// that field name so they match the dimension's stored keys.
func NewFact(source, fact string, mapping *config.SchemaMapping, factCfg *config.FactConfig,
	dimKeyFields map[string]string, watermarkField string) *Normalizer {
	return &Normalizer{
		source:         source,
		target:         fact,
		mapping:        mapping,
		fact:           factCfg,
		dimKeyFields:   dimKeyFields,
		watermarkField: watermarkField,
	}
}

// Normalize consumes the raw record sequence in a single pass. Rows that
// fail validation are returned as rejects, never silently dropped. A non-nil
// error means the source itself failed mid-extraction and the batch cannot
// be trusted.
func (n *Normalizer) Normalize(records iter.Seq2[map[string]interface{}, error]) ([]model.CanonicalRow, []model.RejectedRow, error) {
	var rows []model.CanonicalRow
	var rejects []model.RejectedRow

	for raw, err := range records {
		if err != nil {
			return nil, nil, errors.Wrap(errors.Internal, "source read failed", err)
		}

		row, rejErr := n.normalizeOne(raw)
		if rejErr != nil {
			rejects = append(rejects, model.RejectedRow{
				Source: n.source,
				Reason: string(errors.CodeOf(rejErr)),
				Detail: rejErr.Error(),
				Row:    raw,
			})
			continue
		}
		rows = append(rows, row)
	}

	return rows, rejects, nil
}

func (n *Normalizer) normalizeOne(raw map[string]interface{}) (model.CanonicalRow, error) {
	row := model.CanonicalRow{
		Entity:     n.target,
		Attributes: make(map[string]interface{}),
	}
	if n.fact != nil {
		row.Measures = make(map[string]float64)
		row.Refs = make(map[string]model.NaturalKey)
	}

	for _, f := range n.mapping.Fields {
		rawVal, present := raw[f.Source]
		if !present || rawVal == nil || rawVal == "" {
			if f.NaturalKey {
				return model.CanonicalRow{}, errors.Newf(errors.Validation,
					"natural key field %q missing in source %q", f.Canonical, n.source)
			}
			continue
		}

		val, err := coerce(rawVal, f.Type, f.FoldCase)
		if err != nil {
			return model.CanonicalRow{}, errors.Newf(errors.Validation,
				"field %q: %v", f.Canonical, err)
		}

		if f.Measure && n.fact != nil {
			row.Measures[f.Canonical] = val.(float64)
		} else {
			row.Attributes[f.Canonical] = val
		}
	}

	// Natural key in mapping declaration order.
	for _, field := range n.mapping.NaturalKeyFields() {
		v, ok := row.Attributes[field]
		if !ok {
			return model.CanonicalRow{}, errors.Newf(errors.Validation,
				"natural key field %q missing after coercion", field)
		}
		row.NaturalKey = append(row.NaturalKey, model.KeyPart{Field: field, Value: keyString(v)})
	}

	if err := n.applyWatermark(&row); err != nil {
		return model.CanonicalRow{}, err
	}

	if n.fact != nil {
		if err := n.applyFactShape(&row); err != nil {
			return model.CanonicalRow{}, err
		}
	}

	return row, nil
}

// applyWatermark extracts the source timestamp from the configured field.
func (n *Normalizer) applyWatermark(row *model.CanonicalRow) error {
	if n.watermarkField == "" {
		return nil
	}

	v, ok := row.Attributes[n.watermarkField]
	if !ok {
		return errors.Newf(errors.Validation,
			"watermark field %q missing", n.watermarkField)
	}
	s, ok := v.(string)
	if !ok {
		return errors.Newf(errors.Validation,
			"watermark field %q is not a time value", n.watermarkField)
	}
	ts, err := ParseTime(s)
	if err != nil {
		return errors.Newf(errors.Validation,
			"watermark field %q: %v", n.watermarkField, err)
	}
	row.SourceTimestamp = ts
	return nil
}

// applyFactShape resolves dimension references and derived measures.
func (n *Normalizer) applyFactShape(row *model.CanonicalRow) error {
	for field, entity := range n.fact.Dimensions {
		v, ok := row.Attributes[field]
		if !ok {
			return errors.Newf(errors.Validation,
				"dimension reference field %q missing", field)
		}
		keyField, ok := n.dimKeyFields[entity]
		if !ok {
			return errors.Newf(errors.FatalConfig,
				"no natural-key field known for entity %q", entity)
		}
		row.Refs[entity] = model.NaturalKey{{Field: keyField, Value: keyString(v)}}
	}

	// Derived measures are computed only when both operands are present;
	// a row that lacks an operand simply does not carry the derivation.
	for _, d := range n.fact.Derived {
		left, lok := row.Measures[d.Left]
		right, rok := row.Measures[d.Right]
		if !lok || !rok {
			continue
		}
		switch d.Op {
		case "multiply":
			row.Measures[d.Name] = left * right
		case "add":
			row.Measures[d.Name] = left + right
		}
	}

	return nil
}

// coerce converts a raw scalar into its canonical form. Lossy or ambiguous
// conversions fail rather than guessing.
func coerce(raw interface{}, typ string, foldCase bool) (interface{}, error) {
	switch typ {
	case config.TypeString:
		s, err := stringValue(raw)
		if err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		if foldCase {
			s = strings.ToLower(s)
		}
		return s, nil

	case config.TypeInt:
		switch v := raw.(type) {
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to int", v)
			}
			return float64(i), nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("cannot coerce %v to int without loss", v)
			}
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to int", raw)
		}

	case config.TypeFloat:
		switch v := raw.(type) {
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to float", v)
			}
			return f, nil
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to float", raw)
		}

	case config.TypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1":
				return true, nil
			case "false", "0":
				return false, nil
			}
			return nil, fmt.Errorf("cannot coerce %q to bool", v)
		default:
			return nil, fmt.Errorf("cannot coerce %T to bool", raw)
		}

	case config.TypeTime:
		s, err := stringValue(raw)
		if err != nil {
			return nil, err
		}
		ts, err := ParseTime(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		return ts.UTC().Format(time.RFC3339), nil

	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
}

func stringValue(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	default:
		return "", fmt.Errorf("cannot represent %T as string", raw)
	}
}

// ParseTime parses a source time value, trying the accepted layouts in
// order. Extractors use it for watermark comparison on the raw field value.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// keyString renders a coerced value for use inside an encoded natural key.
func keyString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
