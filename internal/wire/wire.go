// Package wire provides length-prefixed framing for the tiplot producer protocol.
//
// A connection carries exactly one metadata frame followed by table_count
// table frames. All integers are little-endian:
//
//	[u32 metadata_len][metadata JSON]
//	repeat table_count times:
//	  [u32 name_len][name UTF-8][u64 payload_len][Arrow IPC stream]
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/xtxerr/tiplot/config"
	"github.com/xtxerr/tiplot/internal/errors"
)

// Limits bounds the frame lengths a Reader accepts. Zero fields use the
// package defaults.
type Limits struct {
	MaxMetadataSize int64
	MaxTableSize    int64
	MaxNameSize     int64
}

func (l Limits) withDefaults() Limits {
	if l.MaxMetadataSize <= 0 {
		l.MaxMetadataSize = config.DefaultMaxMetadataSize
	}
	if l.MaxTableSize <= 0 {
		l.MaxTableSize = config.DefaultMaxTableSize
	}
	if l.MaxNameSize <= 0 {
		l.MaxNameSize = 64 * 1024
	}
	return l
}

// Table is one named table frame. Payload is an Arrow IPC stream.
type Table struct {
	Name    string
	Payload []byte
}

// Reader reads frames from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r      *bufio.Reader
	limits Limits
	mu     sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{r: bufio.NewReader(r), limits: limits.withDefaults()}
}

// ReadMetadata reads and decodes the metadata frame.
func (r *Reader) ReadMetadata() (*Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.readU32()
	if err != nil {
		return nil, fmt.Errorf("read metadata length: %w", err)
	}
	if int64(n) > r.limits.MaxMetadataSize {
		return nil, fmt.Errorf("metadata length %d > %d: %w", n, r.limits.MaxMetadataSize, errors.ErrFrameTooLarge)
	}

	body, err := r.readN(int64(n))
	if err != nil {
		return nil, fmt.Errorf("read metadata body: %w", err)
	}

	return ParseMetadata(body)
}

// ReadTable reads one table frame. Invalid UTF-8 in the name is replaced
// with U+FFFD.
func (r *Reader) ReadTable() (*Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nameLen, err := r.readU32()
	if err != nil {
		return nil, fmt.Errorf("read table name length: %w", err)
	}
	if int64(nameLen) > r.limits.MaxNameSize {
		return nil, fmt.Errorf("table name length %d > %d: %w", nameLen, r.limits.MaxNameSize, errors.ErrFrameTooLarge)
	}

	name, err := r.readN(int64(nameLen))
	if err != nil {
		return nil, fmt.Errorf("read table name: %w", err)
	}

	var sizeBuf [8]byte
	if _, err := io.ReadFull(r.r, sizeBuf[:]); err != nil {
		return nil, fmt.Errorf("read table size: %w", translateEOF(err))
	}
	size := binary.LittleEndian.Uint64(sizeBuf[:])
	if size > uint64(r.limits.MaxTableSize) {
		return nil, fmt.Errorf("table %q size %d > %d: %w", name, size, r.limits.MaxTableSize, errors.ErrFrameTooLarge)
	}

	payload, err := r.readN(int64(size))
	if err != nil {
		return nil, fmt.Errorf("read table %q payload: %w", name, err)
	}

	return &Table{
		Name:    strings.ToValidUTF8(string(name), "�"),
		Payload: payload,
	}, nil
}

func (r *Reader) readU32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, translateEOF(err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (r *Reader) readN(n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, translateEOF(err)
	}
	return buf, nil
}

// translateEOF maps a clean EOF to ErrConnectionClosed and a mid-frame EOF
// to ErrShortRead.
func translateEOF(err error) error {
	switch err {
	case io.EOF:
		return errors.ErrConnectionClosed
	case io.ErrUnexpectedEOF:
		return errors.ErrShortRead
	}
	return err
}

// Writer writes frames to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMetadata encodes md as JSON and writes it with a u32 length prefix.
func (w *Writer) WriteMetadata(md *Metadata) error {
	body, err := md.Marshal()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write metadata length: %w", err)
	}
	if _, err := w.w.Write(body); err != nil {
		return fmt.Errorf("write metadata body: %w", err)
	}
	return nil
}

// WriteTable writes one table frame.
func (w *Writer) WriteTable(name string, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hdr := make([]byte, 0, 4+len(name)+8)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(name)))
	hdr = append(hdr, name...)
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(len(payload)))

	if _, err := w.w.Write(hdr); err != nil {
		return fmt.Errorf("write table %q header: %w", name, err)
	}
	if _, err := w.w.Write(payload); err != nil {
		return fmt.Errorf("write table %q payload: %w", name, err)
	}
	return nil
}
