package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/tiplot/internal/errors"
)

func int64p(v int64) *int64 { return &v }

func float64Record(t *testing.T, name string, vals ...float64) (arrow.Record, *arrow.Schema) {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{{Name: name, Type: arrow.PrimitiveTypes.Float64}}, nil)
	b := array.NewFloat64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	col := b.NewArray()
	defer col.Release()
	return array.NewRecord(schema, []arrow.Array{col}, int64(len(vals))), schema
}

func TestMetadataRoundTrip(t *testing.T) {
	md := &Metadata{
		Parameters:  map[string]any{"vehicle": "quad", "mass": 1.5},
		VersionInfo: map[string]string{"fw": "1.2.3"},
		TableCount:  2,
		TableNames:  []string{"imu", "gps"},
		TimelineRange: TimelineRange{
			MinTimestamp: int64p(1_000_000),
			MaxTimestamp: int64p(5_000_000),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteMetadata(md))

	got, err := NewReader(&buf, Limits{}).ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, 2, got.TableCount)
	assert.Equal(t, []string{"imu", "gps"}, got.TableNames)
	assert.Equal(t, "1.2.3", got.VersionInfo["fw"])

	minS, ok := got.TimelineRange.MinSeconds()
	require.True(t, ok)
	assert.Equal(t, 1.0, minS)

	s, err := got.ParametersStruct()
	require.NoError(t, err)
	assert.Equal(t, "quad", s.Fields["vehicle"].GetStringValue())
	assert.Equal(t, 1.5, s.Fields["mass"].GetNumberValue())
}

func TestParseMetadata_NullBounds(t *testing.T) {
	md, err := ParseMetadata([]byte(`{"parameters":{},"version_info":{},"table_count":0,"table_names":[],"timeline_range":{"min_timestamp":null,"max_timestamp":null}}`))
	require.NoError(t, err)
	_, ok := md.TimelineRange.MinSeconds()
	assert.False(t, ok)
	_, ok = md.TimelineRange.MaxSeconds()
	assert.False(t, ok)
}

func TestParseMetadata_Malformed(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"timeline_range":{}}`,
		`{"table_count":1}`,
		`{"table_count":-1,"timeline_range":{}}`,
	} {
		_, err := ParseMetadata([]byte(body))
		require.Error(t, err, body)
		assert.True(t, errors.IsDecode(err), body)
	}
}

func TestReadMetadata_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(binary.LittleEndian.AppendUint32(nil, 1024))

	_, err := NewReader(&buf, Limits{MaxMetadataSize: 100}).ReadMetadata()
	assert.ErrorIs(t, err, errors.ErrFrameTooLarge)
}

func TestReadTable_RoundTrip(t *testing.T) {
	rec, schema := float64Record(t, "x", 1, 2, 3)
	defer rec.Release()

	payload, err := EncodeBatches(schema, rec, rec)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteTable("imu", payload))

	tbl, err := NewReader(&buf, Limits{}).ReadTable()
	require.NoError(t, err)
	assert.Equal(t, "imu", tbl.Name)

	recs, err := DecodeBatches(tbl.Payload, nil)
	require.NoError(t, err)
	defer ReleaseAll(recs)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(3), recs[1].NumRows())
}

func TestReadTable_InvalidUTF8Name(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteTable("im\xffu", nil))

	tbl, err := NewReader(&buf, Limits{}).ReadTable()
	require.NoError(t, err)
	assert.Equal(t, "im�u", tbl.Name)
}

func TestReadTable_ShortPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(binary.LittleEndian.AppendUint32(nil, 3))
	buf.WriteString("imu")
	buf.Write(binary.LittleEndian.AppendUint64(nil, 100))
	buf.WriteString("only a few bytes")

	_, err := NewReader(&buf, Limits{}).ReadTable()
	assert.ErrorIs(t, err, errors.ErrShortRead)
	assert.True(t, errors.IsTransport(err))
}

func TestReadTable_CleanEOF(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil), Limits{}).ReadTable()
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)
}

func TestDecodeBatches_Garbage(t *testing.T) {
	recs, err := DecodeBatches([]byte("definitely not arrow"), nil)
	assert.Empty(t, recs)
	assert.ErrorIs(t, err, errors.ErrMalformedBatch)
}

func TestDecodeBatches_TruncatedStream(t *testing.T) {
	rec, schema := float64Record(t, "x", 1, 2, 3)
	defer rec.Release()

	payload, err := EncodeBatches(schema, rec, rec)
	require.NoError(t, err)

	// Cut into the second batch body.
	recs, err := DecodeBatches(payload[:len(payload)-20], nil)
	defer ReleaseAll(recs)
	assert.ErrorIs(t, err, errors.ErrMalformedBatch)
	assert.LessOrEqual(t, len(recs), 1)
}
