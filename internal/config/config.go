// Package config loads and validates the pipeline configuration.
//
// The main config lives at <root>/dimetl.yaml and is loaded with viper.
// Per-source schema mappings live in their own YAML files (see mapping.go)
// so connector teams can own them independently of the warehouse config.
package config

import (
	"path/filepath"

	"github.com/spf13/viper"

	"dimetl/internal/errors"
)

// SCD policies per entity type.
const (
	PolicyType1 = "type1"
	PolicyType2 = "type2"
)

// Delete policies for keys that vanish from a full-refresh source.
const (
	DeleteIgnore = "ignore"
	DeleteFlag   = "flag"
	DeleteClose  = "close"
)

// Source modes. Delete detection is only ever enabled for full_refresh
// sources, and only because the config says so explicitly.
const (
	ModeFullRefresh = "full_refresh"
	ModeAppendOnly  = "append_only"
)

// Config is the complete pipeline configuration.
type Config struct {
	Warehouse string                  `json:"warehouse" mapstructure:"warehouse"`
	Sources   map[string]SourceConfig `json:"sources" mapstructure:"sources"`
	Entities  map[string]EntityPolicy `json:"entities" mapstructure:"entities"`
	Facts     map[string]FactConfig   `json:"facts" mapstructure:"facts"`
	Retry     RetryConfig             `json:"retry" mapstructure:"retry"`
	Logging   LoggingConfig           `json:"logging" mapstructure:"logging"`
}

// SourceConfig describes one extract source. Exactly one of Entity or Fact
// is set: a source feeds either a dimension table or a fact table.
type SourceConfig struct {
	Entity         string `json:"entity,omitempty" mapstructure:"entity"`
	Fact           string `json:"fact,omitempty" mapstructure:"fact"`
	Kind           string `json:"kind" mapstructure:"kind"` // csv | json
	Path           string `json:"path" mapstructure:"path"`
	Mode           string `json:"mode" mapstructure:"mode"`
	WatermarkField string `json:"watermarkField" mapstructure:"watermarkField"`
	Mapping        string `json:"mapping" mapstructure:"mapping"`
}

// EntityPolicy is the SCD policy for one dimension entity type.
type EntityPolicy struct {
	Policy       string   `json:"policy" mapstructure:"policy"`
	Tracked      []string `json:"tracked,omitempty" mapstructure:"tracked"`
	Type1Fields  []string `json:"type1Fields,omitempty" mapstructure:"type1Fields"`
	DeletePolicy string   `json:"deletePolicy" mapstructure:"deletePolicy"`
}

// IsType1Field reports whether the attribute overwrites in place even when
// the entity policy is type2.
func (p *EntityPolicy) IsType1Field(field string) bool {
	for _, f := range p.Type1Fields {
		if f == field {
			return true
		}
	}
	return false
}

// FactConfig describes one fact table.
type FactConfig struct {
	// Dimensions maps the canonical field carrying a dimension's natural
	// key to that dimension's entity type.
	Dimensions map[string]string `json:"dimensions" mapstructure:"dimensions"`
	Measures   []string          `json:"measures" mapstructure:"measures"`
	Derived    []DerivedMeasure  `json:"derived,omitempty" mapstructure:"derived"`
}

// DerivedMeasure computes a measure from two others at normalize time.
type DerivedMeasure struct {
	Name  string `json:"name" mapstructure:"name"`
	Op    string `json:"op" mapstructure:"op"` // multiply | add
	Left  string `json:"left" mapstructure:"left"`
	Right string `json:"right" mapstructure:"right"`
}

// RetryConfig bounds automatic retries of transient writer failures.
type RetryConfig struct {
	MaxAttempts int `json:"maxAttempts" mapstructure:"maxAttempts"`
	BackoffMs   int `json:"backoffMs" mapstructure:"backoffMs"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format string `json:"format" mapstructure:"format"`
	Level  string `json:"level" mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Warehouse: "warehouse.db",
		Sources:   map[string]SourceConfig{},
		Entities:  map[string]EntityPolicy{},
		Facts:     map[string]FactConfig{},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BackoffMs:   250,
		},
		Logging: LoggingConfig{
			Format: "human",
			Level:  "info",
		},
	}
}

// Load reads dimetl.yaml from root. A missing file yields the defaults.
func Load(root string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("dimetl")
	v.SetConfigType("yaml")
	v.AddConfigPath(root)

	v.SetDefault("warehouse", "warehouse.db")
	v.SetDefault("retry.maxAttempts", 3)
	v.SetDefault("retry.backoffMs", 250)
	v.SetDefault("logging.format", "human")
	v.SetDefault("logging.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return DefaultConfig(), nil
		}
		return nil, errors.Wrap(errors.FatalConfig, "failed to read config", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.FatalConfig, "failed to parse config", err)
	}

	// Paths are relative to the config root.
	if cfg.Warehouse != "" && !filepath.IsAbs(cfg.Warehouse) {
		cfg.Warehouse = filepath.Join(root, cfg.Warehouse)
	}
	for name, src := range cfg.Sources {
		if src.Mapping != "" && !filepath.IsAbs(src.Mapping) {
			src.Mapping = filepath.Join(root, src.Mapping)
		}
		if src.Path != "" && !filepath.IsAbs(src.Path) {
			src.Path = filepath.Join(root, src.Path)
		}
		cfg.Sources[name] = src
	}

	return &cfg, nil
}

// Validate checks the configuration before any I/O happens. All failures
// carry the FATAL_CONFIG code.
func (c *Config) Validate() error {
	if c.Warehouse == "" {
		return errors.New(errors.FatalConfig, "warehouse path is required")
	}

	for name, src := range c.Sources {
		if (src.Entity == "") == (src.Fact == "") {
			return errors.Newf(errors.FatalConfig,
				"source %q must set exactly one of entity or fact", name)
		}
		if src.Kind != "csv" && src.Kind != "json" {
			return errors.Newf(errors.FatalConfig,
				"source %q has unknown kind %q", name, src.Kind)
		}
		if src.Path == "" {
			return errors.Newf(errors.FatalConfig, "source %q has no path", name)
		}
		if src.Mapping == "" {
			return errors.Newf(errors.FatalConfig, "source %q has no schema mapping", name)
		}
		if src.Mode != ModeFullRefresh && src.Mode != ModeAppendOnly {
			return errors.Newf(errors.FatalConfig,
				"source %q has unknown mode %q (want %s or %s)",
				name, src.Mode, ModeFullRefresh, ModeAppendOnly)
		}
		if src.Entity != "" {
			if _, ok := c.Entities[src.Entity]; !ok {
				return errors.Newf(errors.FatalConfig,
					"source %q references undeclared entity %q", name, src.Entity)
			}
		}
		if src.Fact != "" {
			if _, ok := c.Facts[src.Fact]; !ok {
				return errors.Newf(errors.FatalConfig,
					"source %q references undeclared fact %q", name, src.Fact)
			}
		}
	}

	for name, pol := range c.Entities {
		if pol.Policy != PolicyType1 && pol.Policy != PolicyType2 {
			return errors.Newf(errors.FatalConfig,
				"entity %q has unknown SCD policy %q", name, pol.Policy)
		}
		switch pol.DeletePolicy {
		case "", DeleteIgnore, DeleteFlag, DeleteClose:
		default:
			return errors.Newf(errors.FatalConfig,
				"entity %q has unknown delete policy %q", name, pol.DeletePolicy)
		}
	}

	for name, fact := range c.Facts {
		if len(fact.Dimensions) == 0 {
			return errors.Newf(errors.FatalConfig, "fact %q declares no dimensions", name)
		}
		for _, entity := range fact.Dimensions {
			if _, ok := c.Entities[entity]; !ok {
				return errors.Newf(errors.FatalConfig,
					"fact %q references undeclared entity %q", name, entity)
			}
		}
		for _, d := range fact.Derived {
			if d.Op != "multiply" && d.Op != "add" {
				return errors.Newf(errors.FatalConfig,
					"fact %q derived measure %q has unknown op %q", name, d.Name, d.Op)
			}
			if d.Name == "" || d.Left == "" || d.Right == "" {
				return errors.Newf(errors.FatalConfig,
					"fact %q has an incomplete derived measure", name)
			}
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.New(errors.FatalConfig, "retry.maxAttempts must be at least 1")
	}
	if c.Retry.BackoffMs < 0 {
		return errors.New(errors.FatalConfig, "retry.backoffMs must not be negative")
	}

	return nil
}

// EntityFor returns the policy for an entity type.
func (c *Config) EntityFor(entity string) (EntityPolicy, error) {
	pol, ok := c.Entities[entity]
	if !ok {
		return EntityPolicy{}, errors.Newf(errors.FatalConfig, "unknown entity %q", entity)
	}
	return pol, nil
}

// FactFor returns the config for a fact table.
func (c *Config) FactFor(fact string) (FactConfig, error) {
	f, ok := c.Facts[fact]
	if !ok {
		return FactConfig{}, errors.Newf(errors.FatalConfig, "unknown fact %q", fact)
	}
	return f, nil
}

// DimensionSources returns the names of sources feeding dimension tables,
// and FactSources those feeding fact tables. Fact sources run only after
// every dimension source of the batch has committed.
func (c *Config) DimensionSources() []string {
	return c.sourceNames(func(s SourceConfig) bool { return s.Entity != "" })
}

// FactSources returns the names of sources feeding fact tables.
func (c *Config) FactSources() []string {
	return c.sourceNames(func(s SourceConfig) bool { return s.Fact != "" })
}

func (c *Config) sourceNames(keep func(SourceConfig) bool) []string {
	var names []string
	for name, src := range c.Sources {
		if keep(src) {
			names = append(names, name)
		}
	}
	return names
}
