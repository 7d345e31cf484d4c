// Package receiver accepts producer connections and turns their frames into
// queue events.
//
// Each connection is served on its own goroutine and carries one metadata
// frame followed by table_count table frames. Per-connection failures never
// stop the listener.
package receiver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/xtxerr/tiplot/config"
	"github.com/xtxerr/tiplot/internal/errors"
	"github.com/xtxerr/tiplot/internal/events"
	"github.com/xtxerr/tiplot/internal/logging"
	"github.com/xtxerr/tiplot/internal/metrics"
	"github.com/xtxerr/tiplot/internal/wire"
)

var log = logging.Component("receiver")

// =============================================================================
// Configuration
// =============================================================================

// Config holds receiver configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "127.0.0.1:9999").
	Listen string

	// TLS configuration (optional). Both files must be set to enable TLS.
	TLSCertFile string
	TLSKeyFile  string

	// Limits bounds accepted frame lengths.
	Limits wire.Limits

	// Allocator for decoded batches. Defaults to memory.DefaultAllocator.
	Allocator memory.Allocator
}

// =============================================================================
// Receiver
// =============================================================================

// Receiver is the producer-facing TCP server.
type Receiver struct {
	cfg     Config
	queue   *events.Queue
	metrics *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]net.Conn

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	stats Stats
}

// Stats holds receiver statistics.
type Stats struct {
	ConnectionsAccepted atomic.Int64
	ConnectionsActive   atomic.Int64
	MetadataErrors      atomic.Int64
	FrameErrors         atomic.Int64
	DecodeErrors        atomic.Int64
	TablesReceived      atomic.Int64
	BatchesEmitted      atomic.Int64
	PushesRejected      atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	ConnectionsAccepted int64
	ConnectionsActive   int64
	MetadataErrors      int64
	FrameErrors         int64
	DecodeErrors        int64
	TablesReceived      int64
	BatchesEmitted      int64
	PushesRejected      int64
}

// New creates a receiver that pushes into q. m may be nil.
func New(cfg Config, q *events.Queue, m *metrics.Metrics) *Receiver {
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultListenAddress
	}
	if cfg.Allocator == nil {
		cfg.Allocator = memory.DefaultAllocator
	}
	return &Receiver{
		cfg:      cfg,
		queue:    q,
		metrics:  m,
		conns:    make(map[string]net.Conn),
		shutdown: make(chan struct{}),
	}
}

// Listen opens the configured listener, with TLS when cert and key are set.
func (r *Receiver) Listen() (net.Listener, error) {
	if r.cfg.TLSCertFile != "" && r.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(r.cfg.TLSCertFile, r.cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS cert: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err := tls.Listen("tcp", r.cfg.Listen, tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("TLS listen: %w", err)
		}
		log.Info("listening with TLS", "address", ln.Addr().String())
		return ln, nil
	}

	ln, err := net.Listen("tcp", r.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	log.Info("listening without TLS", "address", ln.Addr().String())
	return ln, nil
}

// Run listens on the configured address and serves until ctx is done.
func (r *Receiver) Run(ctx context.Context) error {
	ln, err := r.Listen()
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			r.Shutdown()
		case <-r.shutdown:
		}
	}()

	return r.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. Returns nil after Shutdown.
func (r *Receiver) Serve(ln net.Listener) error {
	r.mu.Lock()
	select {
	case <-r.shutdown:
		r.mu.Unlock()
		ln.Close()
		return nil
	default:
	}
	r.listener = ln
	r.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.shutdown:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Warn("accept timeout", "error", err)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error("accept error", "error", err)
			continue
		}

		r.wg.Add(1)
		go r.handleConn(conn)
	}
}

// Addr returns the listener address, or nil before Serve.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Shutdown closes the listener and every open connection, then waits for
// connection goroutines to finish. Events already pushed stay queued.
func (r *Receiver) Shutdown() {
	r.shutdownOnce.Do(func() {
		log.Info("shutting down")
		close(r.shutdown)

		r.mu.Lock()
		if r.listener != nil {
			r.listener.Close()
		}
		for _, c := range r.conns {
			c.Close()
		}
		r.mu.Unlock()
	})

	r.wg.Wait()
	log.Info("shutdown complete")
}

// Stats returns a snapshot of receiver statistics.
func (r *Receiver) Stats() StatsSnapshot {
	return StatsSnapshot{
		ConnectionsAccepted: r.stats.ConnectionsAccepted.Load(),
		ConnectionsActive:   r.stats.ConnectionsActive.Load(),
		MetadataErrors:      r.stats.MetadataErrors.Load(),
		FrameErrors:         r.stats.FrameErrors.Load(),
		DecodeErrors:        r.stats.DecodeErrors.Load(),
		TablesReceived:      r.stats.TablesReceived.Load(),
		BatchesEmitted:      r.stats.BatchesEmitted.Load(),
		PushesRejected:      r.stats.PushesRejected.Load(),
	}
}

// =============================================================================
// Connection Handling
// =============================================================================

func (r *Receiver) track(id string, conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.shutdown:
		return false
	default:
	}
	r.conns[id] = conn
	return true
}

func (r *Receiver) untrack(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// handleConn serves one producer connection to completion.
func (r *Receiver) handleConn(conn net.Conn) {
	defer r.wg.Done()

	connID := uuid.NewString()
	ctx := logging.ContextWithConnID(context.Background(), connID)
	ctx = logging.ContextWithRemote(ctx, conn.RemoteAddr().String())
	clog := logging.FromContext(ctx, log)

	if !r.track(connID, conn) {
		conn.Close()
		return
	}
	defer func() {
		conn.Close()
		r.untrack(connID)
		r.stats.ConnectionsActive.Add(-1)
		r.metrics.ConnectionClosed()
	}()

	r.stats.ConnectionsAccepted.Add(1)
	r.stats.ConnectionsActive.Add(1)
	r.metrics.ConnectionOpened()
	clog.Debug("connection accepted")

	rd := wire.NewReader(conn, r.cfg.Limits)

	md, err := rd.ReadMetadata()
	if err != nil {
		r.stats.MetadataErrors.Add(1)
		r.metrics.ReceiveError("metadata")
		clog.Warn("metadata read failed, closing connection", "error", err)
		return
	}
	ev := events.NewMetadata(connID, md)
	if len(md.Parameters) > 0 {
		params, err := md.ParametersStruct()
		if err != nil {
			clog.Warn("producer parameters not convertible, forwarding without them", "error", err)
		} else {
			ev.Parameters = params
		}
	}
	r.push(clog, ev)

	clog.Info("producer connected",
		"table_count", md.TableCount,
		"version", md.VersionInfo)

	for i := 0; i < md.TableCount; i++ {
		tbl, err := rd.ReadTable()
		if err != nil {
			r.stats.FrameErrors.Add(1)
			r.metrics.ReceiveError("table")
			if errors.Is(err, errors.ErrConnectionClosed) {
				clog.Warn("connection closed before all tables arrived",
					"received", i, "expected", md.TableCount)
			} else {
				clog.Warn("table read failed, closing connection", "table_index", i, "error", err)
			}
			return
		}
		r.stats.TablesReceived.Add(1)
		r.handleTable(ctx, connID, tbl)
	}

	clog.Debug("connection complete", "tables", md.TableCount)
}

// handleTable decodes one table frame and pushes a batch event per record.
// Batches decoded before a stream error are still pushed; the rest of the
// table is skipped.
func (r *Receiver) handleTable(ctx context.Context, connID string, tbl *wire.Table) {
	tlog := logging.FromContext(logging.ContextWithTopic(ctx, tbl.Name), log)

	recs, err := wire.DecodeBatches(tbl.Payload, r.cfg.Allocator)
	if err != nil {
		r.stats.DecodeErrors.Add(1)
		r.metrics.ReceiveError("decode")
		tlog.Warn("table decode failed, skipping rest of table",
			"decoded_batches", len(recs), "error", err)
	}
	r.metrics.TableReceived(len(tbl.Payload), len(recs))

	for _, rec := range recs {
		if r.push(tlog, events.NewBatch(connID, tbl.Name, rec)) {
			r.stats.BatchesEmitted.Add(1)
		}
	}
}

// push enqueues ev. A closed queue is logged and the event released.
func (r *Receiver) push(l *slog.Logger, ev events.Event) bool {
	if r.queue.Push(ev) {
		return true
	}
	ev.Release()
	r.stats.PushesRejected.Add(1)
	l.Warn("event dropped", "kind", ev.Kind.String(), "error", errors.ErrQueueClosed)
	return false
}
