// Package persist saves and loads a store to a self-describing binary file.
//
// File layout, all integers little-endian:
//
//	[u32 topic_count][f32 time_offset]
//	repeat topic_count times:
//	  [u32 name_len][name UTF-8][u64 payload_len][Arrow IPC stream]
//
// Each payload is a single-batch Arrow IPC stream holding one float32 array
// per column, column names sorted. Stored timestamps are already relative,
// so time_offset is always written as 0 and ignored on load.
package persist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/xtxerr/tiplot/internal/errors"
	"github.com/xtxerr/tiplot/internal/logging"
	"github.com/xtxerr/tiplot/internal/store"
	"github.com/xtxerr/tiplot/internal/wire"
)

var log = logging.Component("persist")

const headerSize = 8

// SaveResult describes a completed save.
type SaveResult struct {
	Path    string
	Topics  int
	Skipped []string // empty topics left out of the file
	Bytes   int64
}

// encodedTopic is one topic ready to be framed.
type encodedTopic struct {
	name    string
	payload []byte
}

// Save writes the store to path. The file is written to path+".tmp" and
// renamed into place, so a failed save leaves any previous file intact.
// The store is never modified.
func Save(s *store.Store, path string) (SaveResult, error) {
	res := SaveResult{Path: path}

	var (
		topics []encodedTopic
		encErr error
	)
	s.View(func(all store.Topics, _ float64) {
		topics, res.Skipped, encErr = encodeTopics(path, all)
	})
	if encErr != nil {
		return res, encErr
	}

	for _, name := range res.Skipped {
		log.Info("skipping empty topic", "topic", name)
	}
	if len(topics) == 0 {
		return res, errors.NewPersistError("save", path, errors.ErrNoData)
	}

	n, err := writeAtomic(path, topics)
	if err != nil {
		return res, err
	}

	res.Topics = len(topics)
	res.Bytes = n
	log.Info("store saved", "path", path, "topics", res.Topics, "bytes", n)
	return res, nil
}

// encodeTopics builds one Arrow IPC stream per non-empty topic, in topic
// name order. Runs under the store read lock.
func encodeTopics(path string, all store.Topics) ([]encodedTopic, []string, error) {
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		out     []encodedTopic
		skipped []string
	)
	for _, name := range names {
		cols := all[name]
		if !hasData(cols) {
			skipped = append(skipped, name)
			continue
		}

		rec := buildRecord(cols)
		if rec == nil {
			return nil, nil, &errors.PersistError{
				Op: "save", Path: path, Topic: name, Offset: -1, Expected: -1, FileSize: -1,
				Err: errors.ErrEmptyTopic,
			}
		}

		payload, err := wire.EncodeBatches(rec.Schema(), rec)
		rec.Release()
		if err != nil {
			return nil, nil, &errors.PersistError{
				Op: "save", Path: path, Topic: name, Offset: -1, Expected: -1, FileSize: -1,
				Err: fmt.Errorf("encode: %w", err),
			}
		}
		out = append(out, encodedTopic{name: name, payload: payload})
	}
	return out, skipped, nil
}

func hasData(cols store.Topic) bool {
	for _, v := range cols {
		if len(v) > 0 {
			return true
		}
	}
	return false
}

// buildRecord returns a record with one float32 array per non-empty column,
// columns sorted by name, or nil if every column is empty. Columns of a
// topic may differ in length after a dropped column; the record row count
// is the shortest column and each array keeps its own full length.
func buildRecord(cols store.Topic) arrow.Record {
	names := make([]string, 0, len(cols))
	for name, v := range cols {
		if len(v) > 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	mem := memory.NewGoAllocator()
	fields := make([]arrow.Field, len(names))
	arrs := make([]arrow.Array, len(names))
	rows := int64(-1)
	for i, name := range names {
		b := array.NewFloat32Builder(mem)
		b.AppendValues(cols[name], nil)
		arrs[i] = b.NewArray()
		b.Release()

		fields[i] = arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float32}
		if n := int64(arrs[i].Len()); rows < 0 || n < rows {
			rows = n
		}
	}

	rec := array.NewRecord(arrow.NewSchema(fields, nil), arrs, rows)
	for _, a := range arrs {
		a.Release()
	}
	return rec
}

func writeAtomic(path string, topics []encodedTopic) (int64, error) {
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return 0, errors.NewPersistError("save", path, err)
	}

	n, err := writeFile(f, topics)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, errors.NewPersistError("save", path, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, errors.NewPersistError("save", path, err)
	}
	return n, nil
}

func writeFile(f *os.File, topics []encodedTopic) (int64, error) {
	w := bufio.NewWriter(f)

	buf := make([]byte, 0, headerSize)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(topics)))
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(0))
	if _, err := w.Write(buf); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	n := int64(len(buf))

	for _, t := range topics {
		frame := make([]byte, 0, 4+len(t.name)+8)
		frame = binary.LittleEndian.AppendUint32(frame, uint32(len(t.name)))
		frame = append(frame, t.name...)
		frame = binary.LittleEndian.AppendUint64(frame, uint64(len(t.payload)))
		if _, err := w.Write(frame); err != nil {
			return 0, fmt.Errorf("write topic %q header: %w", t.name, err)
		}
		if _, err := w.Write(t.payload); err != nil {
			return 0, fmt.Errorf("write topic %q payload: %w", t.name, err)
		}
		n += int64(len(frame) + len(t.payload))
	}

	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("flush: %w", err)
	}
	return n, nil
}
