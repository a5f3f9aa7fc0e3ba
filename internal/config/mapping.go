package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"dimetl/internal/errors"
)

// Scalar types a source field can be coerced to. Times are normalized to
// RFC3339 strings and ints to float64 so canonical attribute values survive
// the JSON round trip through the warehouse without changing type.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeTime   = "time"
)

// FieldMapping declares how one source field becomes a canonical field.
type FieldMapping struct {
	Source     string `yaml:"source"`
	Canonical  string `yaml:"canonical"`
	Type       string `yaml:"type"`
	NaturalKey bool   `yaml:"natural_key,omitempty"`
	Tracked    bool   `yaml:"tracked,omitempty"`
	FoldCase   bool   `yaml:"fold_case,omitempty"`
	Measure    bool   `yaml:"measure,omitempty"`
}

// SchemaMapping is the full per-source mapping file.
type SchemaMapping struct {
	Fields []FieldMapping `yaml:"fields"`
}

// LoadMapping reads and validates a schema mapping YAML file.
func LoadMapping(path string) (*SchemaMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.FatalConfig, "failed to read schema mapping", err)
	}

	var m SchemaMapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(errors.FatalConfig, "failed to parse schema mapping", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the mapping declares a usable schema.
func (m *SchemaMapping) Validate() error {
	if len(m.Fields) == 0 {
		return errors.New(errors.FatalConfig, "schema mapping declares no fields")
	}

	seen := make(map[string]bool, len(m.Fields))
	hasNaturalKey := false

	for _, f := range m.Fields {
		if f.Source == "" || f.Canonical == "" {
			return errors.New(errors.FatalConfig,
				"schema mapping field needs both source and canonical names")
		}
		if seen[f.Canonical] {
			return errors.Newf(errors.FatalConfig,
				"duplicate canonical field %q in schema mapping", f.Canonical)
		}
		seen[f.Canonical] = true

		switch f.Type {
		case TypeString, TypeInt, TypeFloat, TypeBool, TypeTime:
		default:
			return errors.Newf(errors.FatalConfig,
				"field %q has unknown type %q", f.Canonical, f.Type)
		}

		if f.NaturalKey {
			hasNaturalKey = true
		}
		if f.Measure && f.Type != TypeInt && f.Type != TypeFloat {
			return errors.Newf(errors.FatalConfig,
				"measure field %q must be numeric, got %q", f.Canonical, f.Type)
		}
	}

	if !hasNaturalKey {
		return errors.New(errors.FatalConfig,
			"schema mapping declares no natural key field")
	}

	return nil
}

// NaturalKeyFields returns canonical names of natural-key fields in
// declaration order. That order fixes the encoded key layout.
func (m *SchemaMapping) NaturalKeyFields() []string {
	var fields []string
	for _, f := range m.Fields {
		if f.NaturalKey {
			fields = append(fields, f.Canonical)
		}
	}
	return fields
}

// TrackedFields returns canonical names of SCD-tracked fields in
// declaration order. An entity policy's tracked list, when non-empty,
// overrides this.
func (m *SchemaMapping) TrackedFields() []string {
	var fields []string
	for _, f := range m.Fields {
		if f.Tracked {
			fields = append(fields, f.Canonical)
		}
	}
	return fields
}
