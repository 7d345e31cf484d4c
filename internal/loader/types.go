// Package loader - Configuration Types
//
// Defines the YAML configuration structure for tiplotd and tiplotctl.
//
// ARCHITECTURE:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                        config.yaml                           │
//	├──────────────────────────────────────────────────────────────┤
//	│  receiver:       listen address, TLS, frame size limits      │
//	│  ingest:         per-cycle batch cap, refresh interval       │
//	│  session:        load on start, save on exit                 │
//	│  interpolation:  default mode for value queries              │
//	│  export:         parquet output directory and codec          │
//	│  metrics:        prometheus endpoint                         │
//	│  logging:        level and format                            │
//	└──────────────────────────────────────────────────────────────┘
package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/tiplot/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure.
type Config struct {
	// Receiver configures the producer-facing TCP endpoint.
	Receiver ReceiverConfig `yaml:"receiver"`

	// Ingest configures the single consumer that feeds the store.
	Ingest IngestConfig `yaml:"ingest"`

	// Session configures automatic load/save of the store file.
	Session SessionConfig `yaml:"session"`

	// Interpolation configures value queries.
	Interpolation InterpolationConfig `yaml:"interpolation"`

	// Export configures parquet export.
	Export ExportConfig `yaml:"export"`

	// Metrics configures the prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging configures the global logger.
	Logging LoggingConfig `yaml:"logging"`

	// Shutdown configures graceful shutdown behavior.
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// =============================================================================
// Receiver Configuration
// =============================================================================

// ReceiverConfig configures the wire protocol listener.
type ReceiverConfig struct {
	// Listen is the TCP listen address.
	// Default: "127.0.0.1:9999"
	Listen string `yaml:"listen"`

	// TLS configures transport layer security.
	TLS TLSConfig `yaml:"tls"`

	// MaxMetadataSize bounds the JSON metadata frame.
	// Default: 16MB
	MaxMetadataSize ByteSize `yaml:"max_metadata_size"`

	// MaxTableSize bounds one table payload frame.
	// Default: 1GB
	MaxTableSize ByteSize `yaml:"max_table_size"`
}

// TLSConfig configures transport layer security.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	// Leave empty to accept plain TCP.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// Enabled reports whether both certificate and key are configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// =============================================================================
// Ingest Configuration
// =============================================================================

// IngestConfig configures the consumer loop.
type IngestConfig struct {
	// MaxBatchesPerCycle caps NewBatch events ingested per cycle.
	// Default: 5
	MaxBatchesPerCycle int `yaml:"max_batches_per_cycle"`

	// CycleInterval is the refresh period of the consumer loop.
	// Default: 16ms
	CycleInterval Duration `yaml:"cycle_interval"`

	// QueueCapacity is the initial event queue size. The queue grows as needed.
	// Default: 256
	QueueCapacity int `yaml:"queue_capacity"`
}

// =============================================================================
// Session Configuration
// =============================================================================

// SessionConfig configures persistence around the daemon lifetime.
type SessionConfig struct {
	// LoadPath is loaded into the store on start when non-empty.
	LoadPath string `yaml:"load_path"`

	// SavePath is written on shutdown when AutosaveOnExit is set.
	// Default: "tiplot_data.arrow"
	SavePath string `yaml:"save_path"`

	// AutosaveOnExit saves the store on shutdown.
	// Default: false
	AutosaveOnExit bool `yaml:"autosave_on_exit"`
}

// =============================================================================
// Query Configuration
// =============================================================================

// InterpolationConfig configures value queries.
type InterpolationConfig struct {
	// DefaultMode is one of "previous", "linear", "next".
	// Default: "linear"
	DefaultMode string `yaml:"default_mode"`
}

// ExportConfig configures parquet export.
type ExportConfig struct {
	// Dir is the output directory.
	// Default: "exports"
	Dir string `yaml:"dir"`

	// Compression is one of "none", "snappy", "zstd", "gzip", "lz4".
	// Default: "zstd"
	Compression string `yaml:"compression"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	// Enabled starts an HTTP server exposing /metrics.
	Enabled bool `yaml:"enabled"`

	// Listen is the metrics listen address.
	// Default: "127.0.0.1:9998"
	Listen string `yaml:"listen"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// ShutdownConfig configures graceful shutdown behavior.
type ShutdownConfig struct {
	// Timeout bounds the wait for connections and servers to drain.
	// Default: 5s
	Timeout Duration `yaml:"timeout"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Receiver: ReceiverConfig{
			Listen:          config.DefaultListenAddress,
			MaxMetadataSize: ByteSize(config.DefaultMaxMetadataSize),
			MaxTableSize:    ByteSize(config.DefaultMaxTableSize),
		},
		Ingest: IngestConfig{
			MaxBatchesPerCycle: config.DefaultMaxBatchesPerCycle,
			CycleInterval:      Duration(config.DefaultCycleInterval),
			QueueCapacity:      config.DefaultQueueCapacity,
		},
		Session: SessionConfig{
			SavePath: config.DefaultSessionFile,
		},
		Interpolation: InterpolationConfig{
			DefaultMode: config.DefaultInterpolationMode,
		},
		Export: ExportConfig{
			Dir:         config.DefaultExportDir,
			Compression: "zstd",
		},
		Metrics: MetricsConfig{
			Listen: config.DefaultMetricsListenAddress,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Shutdown: ShutdownConfig{
			Timeout: Duration(config.DefaultShutdownTimeout),
		},
	}
}

// =============================================================================
// Custom YAML Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Supports "16ms", "5s", or a plain integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "16MB", "1GB", "500KB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// Longest suffix first so "MB" is not read as "M" + "B".
var byteUnits = []struct {
	suffix     string
	multiplier int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// parseByteSize parses a size string like "16MB" or "1GB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.multiplier, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
