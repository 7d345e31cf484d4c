// Package export writes stored topics as Parquet files, one file per topic.
//
// Every stored column becomes a required FLOAT column. Columns of a topic
// may differ in length when some batches lacked a column; rows are
// truncated to the shortest column so every row is complete.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/tiplot/internal/errors"
	"github.com/xtxerr/tiplot/internal/logging"
	"github.com/xtxerr/tiplot/internal/store"
)

var log = logging.Component("export")

// FileExt is the extension of exported files.
const FileExt = ".parquet"

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowGroupSize is the maximum number of rows per row group
	RowGroupSize int64

	// PageSize is the target page buffer size in bytes
	PageSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
		PageSize:     1024 * 1024,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(s) {
	case "snappy":
		return CompressionSnappy, nil
	case "zstd", "":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "gzip":
		return CompressionGzip, nil
	case "none":
		return CompressionNone, nil
	default:
		return CompressionZstd, fmt.Errorf("%w: unknown compression %q", errors.ErrInvalidConfig, s)
	}
}

// codec returns the parquet-go compression codec.
func (ct CompressionType) codec() compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// Result describes one exported topic.
type Result struct {
	Topic   string
	Path    string
	Columns []string
	Rows    int
	// Truncated is the number of samples dropped from longer columns.
	Truncated int
}

// FileName returns the file name a topic is exported to. Characters outside
// [A-Za-z0-9._-] are replaced with '_'.
func FileName(topic string) string {
	var b strings.Builder
	for _, r := range topic {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		b.WriteByte('_')
	}
	return b.String() + FileExt
}

// ExportTopic writes topic to path.
func ExportTopic(s *store.Store, topic, path string, opts Options) (Result, error) {
	if !s.HasTopic(topic) {
		return Result{}, fmt.Errorf("%w: %q", errors.ErrTopicNotFound, topic)
	}

	cols := exportColumns(s, topic)
	if len(cols) == 0 {
		return Result{}, fmt.Errorf("%w: %q", errors.ErrEmptyTopic, topic)
	}

	data := make(map[string][]float32, len(cols))
	rows := -1
	total := 0
	for _, c := range cols {
		vals, _ := s.Column(topic, c)
		data[c] = vals
		total += len(vals)
		if rows < 0 || len(vals) < rows {
			rows = len(vals)
		}
	}

	res := Result{
		Topic:     topic,
		Path:      path,
		Columns:   cols,
		Rows:      rows,
		Truncated: total - rows*len(cols),
	}
	if res.Truncated > 0 {
		log.Warn("ragged topic truncated to shortest column",
			"topic", topic, "rows", rows, "dropped_samples", res.Truncated)
	}

	if err := writeFile(path, data, rows, opts); err != nil {
		return Result{}, fmt.Errorf("export %q: %w", topic, err)
	}

	log.Debug("topic exported", "topic", topic, "path", path, "rows", rows)
	return res, nil
}

// ExportAll writes every topic into dir. Topics with no columns are skipped.
func ExportAll(s *store.Store, dir string, opts Options) ([]Result, error) {
	topics := s.Topics()
	if len(topics) == 0 {
		return nil, errors.ErrNoData
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	var out []Result
	for _, topic := range topics {
		res, err := ExportTopic(s, topic, filepath.Join(dir, FileName(topic)), opts)
		if errors.Is(err, errors.ErrEmptyTopic) {
			log.Warn("skipping topic with no columns", "topic", topic)
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}

	log.Info("export complete", "dir", dir, "topics", len(out))
	return out, nil
}

// exportColumns lists the timestamp first, then the rest in natural order.
func exportColumns(s *store.Store, topic string) []string {
	var cols []string
	if _, ok := s.Column(topic, store.TimestampColumn); ok {
		cols = append(cols, store.TimestampColumn)
	}
	return append(cols, s.Columns(topic)...)
}

// schemaFor builds a flat schema of required FLOAT leaves.
func schemaFor(name string, cols []string) *parquet.Schema {
	group := make(parquet.Group, len(cols))
	for _, c := range cols {
		group[c] = parquet.Required(parquet.Leaf(parquet.FloatType))
	}
	return parquet.NewSchema(name, group)
}

// writeFile writes data to path.tmp and renames it into place on success.
func writeFile(path string, data map[string][]float32, rows int, opts Options) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	names := make([]string, 0, len(data))
	for c := range data {
		names = append(names, c)
	}
	schema := schemaFor("topic", names)

	// Leaf order follows the schema, not the map.
	fields := schema.Fields()
	leaves := make([][]float32, len(fields))
	for i, f := range fields {
		leaves[i] = data[f.Name()]
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		schema,
		parquet.Compression(opts.Compression.codec()),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(opts.RowGroupSize))
	}
	if opts.PageSize > 0 {
		writerOpts = append(writerOpts, parquet.PageBufferSize(opts.PageSize))
	}
	w := parquet.NewWriter(f, writerOpts...)

	const chunk = 4096
	buf := make([]parquet.Row, 0, chunk)
	for start := 0; start < rows; start += chunk {
		end := min(start+chunk, rows)
		buf = buf[:0]
		for r := start; r < end; r++ {
			row := make(parquet.Row, len(leaves))
			for c, vals := range leaves {
				row[c] = parquet.FloatValue(vals[r]).Level(0, 0, c)
			}
			buf = append(buf, row)
		}
		if _, err := w.WriteRows(buf); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write rows: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
