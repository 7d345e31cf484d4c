package sim

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/xtxerr/tiplot/config"
	"github.com/xtxerr/tiplot/internal/errors"
	"github.com/xtxerr/tiplot/internal/logging"
	"github.com/xtxerr/tiplot/internal/wire"
)

var log = logging.Component("sim")

// DefaultAddr is the receiver address the simulator targets by default.
const DefaultAddr = config.DefaultListenAddress

// =============================================================================
// Producer client
// =============================================================================

// Client sends producer messages. Every Send uses a fresh connection, since
// a receiver reads exactly one metadata frame per connection.
type Client struct {
	Addr string

	// TLS enables TLS when non-nil.
	TLS *tls.Config

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
}

// Message is one metadata frame and its tables, in order.
type Message struct {
	Metadata *wire.Metadata
	Names    []string
	Records  map[string]arrow.Record
}

// Rows returns the total number of rows across tables.
func (m *Message) Rows() int64 {
	var n int64
	for _, rec := range m.Records {
		n += rec.NumRows()
	}
	return n
}

// Release releases every record.
func (m *Message) Release() {
	for _, rec := range m.Records {
		rec.Release()
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: c.DialTimeout}
	if c.TLS != nil {
		td := &tls.Dialer{NetDialer: d, Config: c.TLS}
		return td.DialContext(ctx, "tcp", c.Addr)
	}
	return d.DialContext(ctx, "tcp", c.Addr)
}

// Send writes msg on a new connection and closes it.
func (c *Client) Send(ctx context.Context, msg *Message) (int64, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, fmt.Errorf("connect %s: %w", c.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	cw := &countingWriter{w: conn}
	w := wire.NewWriter(cw)
	if err := w.WriteMetadata(msg.Metadata); err != nil {
		return cw.n, err
	}
	for _, name := range msg.Names {
		rec, ok := msg.Records[name]
		if !ok {
			return cw.n, fmt.Errorf("no record for table %q", name)
		}
		payload, err := wire.EncodeBatches(rec.Schema(), rec)
		if err != nil {
			return cw.n, fmt.Errorf("encode %q: %w", name, err)
		}
		if err := w.WriteTable(name, payload); err != nil {
			return cw.n, err
		}
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// =============================================================================
// Streamer
// =============================================================================

// StreamerConfig configures a Streamer.
type StreamerConfig struct {
	// RateHz is the number of updates per second (default 10).
	RateHz float64

	// Names selects trajectories. Empty means all.
	Names []string

	// Parameters and VersionInfo are copied into every metadata frame.
	Parameters  map[string]any
	VersionInfo map[string]string

	// MaxConsecutiveErrors stops Run after this many failed sends (default 3).
	MaxConsecutiveErrors int

	// RetryDelay is the pause after a failed send (default 2s).
	RetryDelay time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// StreamStats counts what a Streamer sent.
type StreamStats struct {
	Messages int64
	Rows     int64
	Bytes    int64
	Errors   int64
}

// Streamer sends incremental trajectory updates at a fixed rate.
type Streamer struct {
	cfg    StreamerConfig
	client *Client

	originUs   int64
	lastSentUs int64
	stats      StreamStats
}

// NewStreamer creates a streamer sending through client.
func NewStreamer(client *Client, cfg StreamerConfig) *Streamer {
	if cfg.RateHz <= 0 {
		cfg.RateHz = 10
	}
	if len(cfg.Names) == 0 {
		cfg.Names = Names()
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Parameters == nil {
		cfg.Parameters = map[string]any{
			"trajectory_scale":        50.0,
			"spiral_turns":            3,
			"figure8_size":            40.0,
			"rollercoaster_amplitude": 30.0,
		}
	}
	if cfg.VersionInfo == nil {
		cfg.VersionInfo = map[string]string{"sw_version": "tiplot-sim"}
	}

	now := cfg.Now().UnixMicro()
	return &Streamer{
		cfg:        cfg,
		client:     client,
		originUs:   now,
		lastSentUs: now,
	}
}

func (s *Streamer) interval() time.Duration {
	return time.Duration(float64(time.Second) / s.cfg.RateHz)
}

// Next builds the update covering the time since the last sent update, or
// nil if less than a millisecond has passed. The caller releases it.
func (s *Streamer) Next() *Message {
	nowUs := s.cfg.Now().UnixMicro()
	if nowUs-s.lastSentUs < minSpanUs {
		return nil
	}

	ts := Timestamps(s.lastSentUs, nowUs, s.interval().Microseconds())
	recs := Generate(s.cfg.Names, ts, s.originUs, nil)

	names := make([]string, 0, len(recs))
	for _, n := range s.cfg.Names {
		if _, ok := recs[n]; ok {
			names = append(names, n)
		}
	}

	minUs, maxUs := max(ts[0], s.originUs), ts[len(ts)-1]
	md := &wire.Metadata{
		Parameters:    s.cfg.Parameters,
		VersionInfo:   s.cfg.VersionInfo,
		TableCount:    len(names),
		TableNames:    names,
		TimelineRange: wire.TimelineRange{MinTimestamp: &minUs, MaxTimestamp: &maxUs},
	}
	return &Message{Metadata: md, Names: names, Records: recs}
}

// Step builds and sends one update. On success the next update starts
// where this one ended.
func (s *Streamer) Step(ctx context.Context) error {
	msg := s.Next()
	if msg == nil {
		return nil
	}
	defer msg.Release()

	n, err := s.client.Send(ctx, msg)
	s.stats.Bytes += n
	if err != nil {
		s.stats.Errors++
		return err
	}

	s.lastSentUs = *msg.Metadata.TimelineRange.MaxTimestamp
	s.stats.Messages++
	s.stats.Rows += msg.Rows()

	log.Debug("update sent",
		"tables", len(msg.Names),
		"rows", msg.Rows(),
		"elapsed_s", float64(s.lastSentUs-s.originUs)/1e6)
	return nil
}

// Run sends updates at the configured rate until ctx is done or too many
// consecutive sends fail.
func (s *Streamer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	log.Info("streaming",
		"addr", s.client.Addr,
		"rate_hz", s.cfg.RateHz,
		"trajectories", s.cfg.Names)

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("streamer stopped", "messages", s.stats.Messages, "rows", s.stats.Rows)
			return nil
		case <-ticker.C:
		}

		if err := s.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			consecutive++
			log.Warn("send failed",
				"consecutive", consecutive,
				"max", s.cfg.MaxConsecutiveErrors,
				"error", err)
			if consecutive >= s.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("%d consecutive send failures: %w", consecutive, errors.ErrConnectionClosed)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.RetryDelay):
			}
			continue
		}
		consecutive = 0
	}
}

// Stats returns what has been sent so far.
func (s *Streamer) Stats() StreamStats {
	return s.stats
}
