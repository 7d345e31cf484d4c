// Package loader handles configuration file loading and validation.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Validating the result before any component starts
package loader

import (
	"fmt"
	"os"

	"github.com/xtxerr/tiplot/internal/errors"
	"github.com/xtxerr/tiplot/internal/export"
	"github.com/xtxerr/tiplot/internal/interp"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file. Fields absent from the file
// keep their DefaultConfig values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML bytes on top of DefaultConfig.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if cfg.Receiver.Listen == "" {
		errs.AddMissing("receiver.listen")
	}
	if (cfg.Receiver.TLS.CertFile == "") != (cfg.Receiver.TLS.KeyFile == "") {
		errs.AddField("receiver.tls", "cert_file and key_file must be set together")
	}
	if cfg.Receiver.MaxMetadataSize <= 0 {
		errs.AddField("receiver.max_metadata_size", "must be positive")
	}
	if cfg.Receiver.MaxTableSize <= 0 {
		errs.AddField("receiver.max_table_size", "must be positive")
	}

	if cfg.Ingest.MaxBatchesPerCycle <= 0 {
		errs.AddField("ingest.max_batches_per_cycle", "must be positive")
	}
	if cfg.Ingest.CycleInterval <= 0 {
		errs.AddField("ingest.cycle_interval", "must be positive")
	}
	if cfg.Ingest.QueueCapacity < 0 {
		errs.AddField("ingest.queue_capacity", "cannot be negative")
	}

	if cfg.Session.AutosaveOnExit && cfg.Session.SavePath == "" {
		errs.AddMissing("session.save_path")
	}

	if _, err := interp.ParseMode(cfg.Interpolation.DefaultMode); err != nil {
		errs.AddField("interpolation.default_mode", err.Error())
	}

	if _, err := export.ParseCompressionType(cfg.Export.Compression); err != nil {
		errs.AddField("export.compression", fmt.Sprintf("unknown codec %q", cfg.Export.Compression))
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs.AddMissing("metrics.listen")
	}

	switch cfg.Logging.Format {
	case "", "text", "json":
	default:
		errs.AddField("logging.format", fmt.Sprintf("unknown format %q", cfg.Logging.Format))
	}

	return errs.Err()
}
