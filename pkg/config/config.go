// Package config loads the run configuration file: engine tuning,
// state location, input variables, and telemetry settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"

	"github.com/stratusiac/stratus/pkg/telemetry"
)

// Duration parses yaml values like "2m" or "45s".
type Duration time.Duration

// UnmarshalYAML accepts duration strings and bare nanosecond integers.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(n)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RunConfig is the top-level configuration, typically stratus.yaml next
// to the descriptors. Every field has a working default; the file is
// optional.
type RunConfig struct {
	// StatePath is the SQLite state file location.
	StatePath string `yaml:"state_path" validate:"required"`

	// Concurrency bounds node tasks in flight per run.
	Concurrency int `yaml:"concurrency" validate:"min=1,max=256"`

	// MaxRetries bounds retry attempts per provider call.
	MaxRetries int `yaml:"max_retries" validate:"min=0,max=20"`

	// WaiterTimeout overrides provider readiness deadlines when set.
	WaiterTimeout Duration `yaml:"waiter_timeout" validate:"min=0"`

	// Variables are the var.* values available to descriptor expressions.
	// Scalars, lists, and string maps are supported.
	Variables map[string]interface{} `yaml:"variables"`

	Logging telemetry.LoggingConfig `yaml:"logging"`
	Metrics telemetry.MetricsConfig `yaml:"metrics"`
}

// Default returns the configuration used when no file is present.
func Default() *RunConfig {
	tel := telemetry.DefaultConfig()
	return &RunConfig{
		StatePath:   "stratus.db",
		Concurrency: 4,
		MaxRetries:  3,
		Logging:     tel.Logging,
		Metrics:     tel.Metrics,
	}
}

// Load reads and validates a configuration file. A missing path yields
// the defaults.
func Load(path string) (*RunConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the struct-level constraints.
func (c *RunConfig) Validate() error {
	return validator.New().Struct(c)
}

// CtyVariables converts the variable map into the value set descriptor
// expressions evaluate against.
func (c *RunConfig) CtyVariables() (map[string]cty.Value, error) {
	vars := make(map[string]cty.Value, len(c.Variables))
	for name, raw := range c.Variables {
		val, err := toCty(raw)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		vars[name] = val
	}
	return vars, nil
}

func toCty(raw interface{}) (cty.Value, error) {
	switch v := raw.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(v), nil
	case bool:
		return cty.BoolVal(v), nil
	case int:
		return cty.NumberIntVal(int64(v)), nil
	case int64:
		return cty.NumberIntVal(v), nil
	case float64:
		return cty.NumberFloatVal(v), nil
	case []interface{}:
		if len(v) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(v))
		for i, item := range v {
			elem, err := toCty(item)
			if err != nil {
				return cty.NilVal, err
			}
			elems[i] = elem
		}
		return cty.TupleVal(elems), nil
	case map[string]interface{}:
		if len(v) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(v))
		for key, item := range v {
			attr, err := toCty(item)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[key] = attr
		}
		return cty.ObjectVal(attrs), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported value type %T", raw)
	}
}
