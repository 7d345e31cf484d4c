package wire

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/xtxerr/tiplot/internal/errors"
)

// DecodeBatches reads every record batch from an Arrow IPC stream. The
// returned records are retained and must be released by the caller.
//
// On a mid-stream failure the batches decoded so far are returned together
// with an error wrapping ErrMalformedBatch.
func DecodeBatches(payload []byte, mem memory.Allocator) ([]arrow.Record, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	rdr, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %v", errors.ErrMalformedBatch, err)
	}
	defer rdr.Release()

	var out []arrow.Record
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		out = append(out, rec)
	}
	if err := rdr.Err(); err != nil {
		return out, fmt.Errorf("%w: after %d batches: %v", errors.ErrMalformedBatch, len(out), err)
	}
	return out, nil
}

// EncodeBatches writes records as a single Arrow IPC stream. All records
// must share schema.
func EncodeBatches(schema *arrow.Schema, records ...arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	for i, rec := range records {
		if err := w.Write(rec); err != nil {
			w.Close()
			return nil, fmt.Errorf("write batch %d: %w", i, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close stream: %w", err)
	}
	return buf.Bytes(), nil
}

// ReleaseAll releases every record in recs.
func ReleaseAll(recs []arrow.Record) {
	for _, r := range recs {
		r.Release()
	}
}
