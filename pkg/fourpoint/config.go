package fourpoint

import (
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/app/config"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

// Config re-exports the root configuration struct so callers can build or
// modify it in code.
type Config = config.Config

type (
	// Policy controls journal and export queue thresholds.
	Policy = ports.Policy
	// InstrumentConfig selects the connection to the SMU.
	InstrumentConfig = config.InstrumentConfig
	// ProbeConfig holds probe spacing, drive and compliance settings.
	ProbeConfig = config.ProbeConfig
	// SampleConfig describes the sample under the probe.
	SampleConfig = config.SampleConfig
	// AcquisitionConfig sets the polling interval and capture length.
	AcquisitionConfig = config.AcquisitionConfig
	// ExportConfig selects CSV outputs, the journal and Postgres.
	ExportConfig = config.ExportConfig
	// PostgresConfig configures the database sink.
	PostgresConfig = config.PostgresConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
)

// LoadConfig loads YAML from disk.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return config.Default()
}
