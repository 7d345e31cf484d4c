package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/tiplot/internal/errors"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "127.0.0.1:9999", cfg.Receiver.Listen)
	assert.Equal(t, 5, cfg.Ingest.MaxBatchesPerCycle)
	assert.Equal(t, "linear", cfg.Interpolation.DefaultMode)
}

func TestLoad_OverridesAndEnv(t *testing.T) {
	t.Setenv("TIPLOT_SAVE", "/tmp/flight.arrow")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
receiver:
  listen: "0.0.0.0:7000"
  max_table_size: 64MB
ingest:
  max_batches_per_cycle: 20
  cycle_interval: 50ms
session:
  save_path: ${TIPLOT_SAVE}
  autosave_on_exit: true
interpolation:
  default_mode: previous
shutdown:
  timeout: 2
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "0.0.0.0:7000", cfg.Receiver.Listen)
	assert.Equal(t, int64(64<<20), cfg.Receiver.MaxTableSize.Bytes())
	assert.Equal(t, int64(16<<20), cfg.Receiver.MaxMetadataSize.Bytes(), "default kept")
	assert.Equal(t, 20, cfg.Ingest.MaxBatchesPerCycle)
	assert.Equal(t, 50*time.Millisecond, cfg.Ingest.CycleInterval.Duration())
	assert.Equal(t, "/tmp/flight.arrow", cfg.Session.SavePath)
	assert.Equal(t, 2*time.Second, cfg.Shutdown.Timeout.Duration())
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Receiver.Listen = ""
	cfg.Receiver.TLS.CertFile = "cert.pem"
	cfg.Ingest.MaxBatchesPerCycle = 0
	cfg.Interpolation.DefaultMode = "cubic"
	cfg.Export.Compression = "brotli"

	err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	var verrs *errors.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs.Errors, 5)
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"512", 512},
		{"100B", 100},
		{"4KB", 4096},
		{"16MB", 16 << 20},
		{"1gb", 1 << 30},
	}

	for _, tt := range tests {
		got, err := parseByteSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseByteSize("lots")
	assert.Error(t, err)
}
