// Package config provides configuration defaults and utilities
// for the tiplot application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command line flags.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default receiver listen address.
	// Producers connect here and stream metadata + table frames.
	// Override via config: receiver.listen
	DefaultListenAddress = "127.0.0.1:9999"

	// DefaultMaxMetadataSize limits the JSON metadata frame to prevent OOM
	// on a corrupt length prefix.
	// Override via config: receiver.max_metadata_size
	DefaultMaxMetadataSize = 16 * 1024 * 1024

	// DefaultMaxTableSize limits a single table payload frame.
	// Override via config: receiver.max_table_size
	DefaultMaxTableSize = 1024 * 1024 * 1024

	// DefaultMetricsListenAddress serves /metrics when metrics are enabled.
	// Override via config: metrics.listen
	DefaultMetricsListenAddress = "127.0.0.1:9998"
)

// =============================================================================
// Ingest Defaults
// =============================================================================

const (
	// DefaultMaxBatchesPerCycle is how many NewBatch events the consumer
	// ingests per refresh cycle. Remaining events wait for the next cycle.
	// Metadata events are not counted against this limit.
	// Override via config: ingest.max_batches_per_cycle
	DefaultMaxBatchesPerCycle = 5

	// DefaultCycleInterval is the consumer refresh period when no new events
	// wake it up. Roughly one display frame at 60Hz.
	// Override via config: ingest.cycle_interval
	DefaultCycleInterval = 16 * time.Millisecond

	// DefaultQueueCapacity is the initial slot count of the event queue.
	// The queue grows on demand; this only sizes the first allocation.
	DefaultQueueCapacity = 256
)

// =============================================================================
// Session Defaults
// =============================================================================

const (
	// DefaultSessionFile is the session file used by tiplotctl load/save and
	// tiplotd autosave when no path is given.
	DefaultSessionFile = "tiplot_data.arrow"

	// DefaultExportDir is where parquet exports land.
	// Override via config: export.dir
	DefaultExportDir = "exports"
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultInterpolationMode is the global interpolation policy for new
	// plots and for tiplotctl "value" queries.
	// Override via config: interpolation.default_mode
	DefaultInterpolationMode = "linear"

	// DefaultSummaryAccuracy is the DDSketch relative accuracy (1%).
	DefaultSummaryAccuracy = 0.01
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultShutdownTimeout bounds how long tiplotd waits for connection
	// goroutines and the metrics server during shutdown.
	DefaultShutdownTimeout = 5 * time.Second
)
