package export

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/tiplot/internal/errors"
	"github.com/xtxerr/tiplot/internal/store"
	"github.com/xtxerr/tiplot/internal/testutil"
)

func readParquet(t *testing.T, path string) map[string][]float32 {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rd := parquet.NewReader(f)
	defer rd.Close()

	fields := rd.Schema().Fields()
	out := make(map[string][]float32, len(fields))
	rows := make([]parquet.Row, 16)
	for {
		n, err := rd.ReadRows(rows)
		for _, row := range rows[:n] {
			for _, v := range row {
				name := fields[v.Column()].Name()
				out[name] = append(out[name], v.Float())
			}
		}
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	return out
}

func imuStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New()
	rec := testutil.Record(t,
		testutil.Int64("timestamp", 0, 1_000_000, 2_000_000),
		testutil.Float64("accel_x", 0.1, 0.2, 0.3),
		testutil.Float32("accel_y", -1, 0, 1),
	)
	s.Ingest("imu", rec)
	rec.Release()
	return s
}

func TestExportTopic(t *testing.T) {
	s := imuStore(t)
	path := filepath.Join(t.TempDir(), "imu.parquet")

	res, err := ExportTopic(s, "imu", path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, 0, res.Truncated)
	assert.Equal(t, []string{"timestamp", "accel_x", "accel_y"}, res.Columns)

	got := readParquet(t, path)
	assert.Equal(t, []float32{0, 1, 2}, got["timestamp"])
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got["accel_x"])
	assert.Equal(t, []float32{-1, 0, 1}, got["accel_y"])

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestExportTopic_RaggedTruncated(t *testing.T) {
	s := imuStore(t)
	rec := testutil.Record(t,
		testutil.Int64("timestamp", 3_000_000),
		testutil.Float64("accel_x", 0.4),
	)
	s.Ingest("imu", rec)
	rec.Release()

	path := filepath.Join(t.TempDir(), "imu.parquet")
	res, err := ExportTopic(s, "imu", path, Options{Compression: CompressionNone})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, 2, res.Truncated)

	got := readParquet(t, path)
	assert.Len(t, got["timestamp"], 3)
	assert.Len(t, got["accel_x"], 3)
}

func TestExportTopic_Unknown(t *testing.T) {
	_, err := ExportTopic(store.New(), "gps", filepath.Join(t.TempDir(), "x.parquet"), DefaultOptions())
	assert.True(t, errors.Is(err, errors.ErrTopicNotFound))
}

func TestExportAll(t *testing.T) {
	s := imuStore(t)
	rec := testutil.Record(t,
		testutil.Int64("timestamp", 0),
		testutil.Float64("lat", 47.1),
	)
	s.Ingest("sensors/gps", rec)
	rec.Release()

	dir := filepath.Join(t.TempDir(), "out")
	for _, c := range []string{"snappy", "zstd", "gzip", "lz4", "none"} {
		ct, err := ParseCompressionType(c)
		require.NoError(t, err)

		results, err := ExportAll(s, dir, Options{Compression: ct})
		require.NoError(t, err, c)
		require.Len(t, results, 2)

		assert.Equal(t, filepath.Join(dir, "imu.parquet"), results[0].Path)
		assert.Equal(t, filepath.Join(dir, "sensors_gps.parquet"), results[1].Path)
		assert.Equal(t, []float32{47.1}, readParquet(t, results[1].Path)["lat"])
	}
}

func TestExportAll_NoData(t *testing.T) {
	_, err := ExportAll(store.New(), t.TempDir(), DefaultOptions())
	assert.True(t, errors.Is(err, errors.ErrNoData))
}

func TestParseCompressionType(t *testing.T) {
	ct, err := ParseCompressionType("")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, ct)

	_, err = ParseCompressionType("brotli")
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "imu.parquet", FileName("imu"))
	assert.Equal(t, "vehicle_attitude_0.parquet", FileName("vehicle/attitude 0"))
	assert.Equal(t, "_.parquet", FileName(""))
}
