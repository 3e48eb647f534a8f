// Package telemetry provides structured logging and Prometheus metrics
// for the reconciliation engine.
package telemetry

// Config bundles the telemetry settings.
type Config struct {
	Logging LoggingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected at all.
	Enabled bool `yaml:"enabled"`

	// Listen is the address the /metrics endpoint binds to,
	// e.g. "127.0.0.1:9464". Empty means collect but do not serve.
	Listen string `yaml:"listen"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the settings used when no config file overrides
// them.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "stratus",
		},
	}
}
