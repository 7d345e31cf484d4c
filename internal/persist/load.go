package persist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/xtxerr/tiplot/internal/errors"
	"github.com/xtxerr/tiplot/internal/store"
	"github.com/xtxerr/tiplot/internal/wire"
)

// LoadResult describes a completed load.
type LoadResult struct {
	Path     string
	Topics   int
	Batches  int
	Bytes    int64
	Dropped  []store.DroppedColumn
	Warnings []string
}

// Load replaces the store contents with the file at path.
//
// The file is decoded into a staging map first; the store is only touched
// once the whole file decoded, so a failed load leaves the store exactly
// as it was. After a successful load the start time is 0, since persisted
// timestamps are already relative.
//
// Payload columns go through the same coercion as live ingest with a start
// time of 0, so files holding other numeric types still load.
func Load(s *store.Store, path string) (LoadResult, error) {
	res := LoadResult{Path: path}

	f, err := os.Open(path)
	if err != nil {
		return res, errors.NewPersistError("load", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return res, errors.NewPersistError("load", path, err)
	}

	d := &decoder{
		r:    bufio.NewReader(f),
		path: path,
		size: info.Size(),
	}

	staged, err := d.decode(&res)
	if err != nil {
		return res, err
	}

	if d.off != d.size {
		w := fmt.Sprintf("file has %d extra bytes after last topic", d.size-d.off)
		res.Warnings = append(res.Warnings, w)
		log.Warn("trailing bytes in data file", "path", path, "extra", d.size-d.off)
	}
	for _, dc := range res.Dropped {
		log.Warn("column dropped: unsupported type", "topic", dc.Topic, "column", dc.Column, "type", dc.Type)
	}

	s.Replace(staged)

	res.Topics = len(staged)
	res.Bytes = d.off
	log.Info("store loaded", "path", path, "topics", res.Topics, "batches", res.Batches)
	return res, nil
}

// decoder reads the file sequentially, tracking the byte offset and
// checking every read against the file size before performing it.
type decoder struct {
	r     *bufio.Reader
	path  string
	size  int64
	off   int64
	topic string
}

func (d *decoder) decode(res *LoadResult) (store.Topics, error) {
	count, err := d.u32()
	if err != nil {
		return nil, err
	}
	// Legacy start time, ignored.
	if _, err := d.u32(); err != nil {
		return nil, err
	}

	staged := make(store.Topics)
	for i := uint32(0); i < count; i++ {
		d.topic = ""

		nameLen, err := d.u32()
		if err != nil {
			return nil, err
		}
		nameOff := d.off
		name, err := d.bytes(int64(nameLen))
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(name) {
			return nil, d.fail(nameOff, int64(nameLen), errors.ErrInvalidTopicName)
		}
		d.topic = string(name)

		size, err := d.u64()
		if err != nil {
			return nil, err
		}
		if size > uint64(d.size) {
			return nil, d.fail(d.off, int64(min(size, 1<<62)), errors.ErrTruncated)
		}
		payloadOff := d.off
		payload, err := d.bytes(int64(size))
		if err != nil {
			return nil, err
		}

		recs, err := wire.DecodeBatches(payload, nil)
		if err != nil {
			wire.ReleaseAll(recs)
			return nil, d.fail(payloadOff, int64(size), fmt.Errorf("%w: %v", errors.ErrCorruptFile, err))
		}

		dst, ok := staged[d.topic]
		if !ok {
			dst = make(store.Topic)
			staged[d.topic] = dst
		}
		for _, rec := range recs {
			ir := store.AppendRecord(dst, d.topic, rec, 0)
			res.Dropped = append(res.Dropped, ir.Dropped...)
			res.Batches++
		}
		wire.ReleaseAll(recs)
	}

	return staged, nil
}

// need fails with ErrTruncated if n more bytes would run past the end of
// the file.
func (d *decoder) need(n int64) error {
	if n < 0 || d.off+n > d.size {
		return d.fail(d.off, n, errors.ErrTruncated)
	}
	return nil
}

func (d *decoder) bytes(n int64) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, d.fail(d.off, n, err)
	}
	d.off += n
	return buf, nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) fail(offset, expected int64, err error) error {
	return &errors.PersistError{
		Op:       "load",
		Path:     d.path,
		Topic:    d.topic,
		Offset:   offset,
		Expected: expected,
		FileSize: d.size,
		Err:      err,
	}
}
