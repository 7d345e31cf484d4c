// tiplotd is the telemetry receiver daemon.
//
// It accepts producer connections, ingests their tables into the columnar
// store, and optionally loads a session file on start and saves one on exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/tiplot/internal/errors"
	"github.com/xtxerr/tiplot/internal/events"
	"github.com/xtxerr/tiplot/internal/ingest"
	"github.com/xtxerr/tiplot/internal/loader"
	"github.com/xtxerr/tiplot/internal/logging"
	"github.com/xtxerr/tiplot/internal/metrics"
	"github.com/xtxerr/tiplot/internal/persist"
	"github.com/xtxerr/tiplot/internal/receiver"
	"github.com/xtxerr/tiplot/internal/store"
	"github.com/xtxerr/tiplot/internal/wire"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("tiplotd")

func main() {
	if err := run(); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	noTLS := flag.Bool("no-tls", false, "disable TLS")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file")
	tlsKey := flag.String("tls-key", "", "TLS key file")
	loadPath := flag.String("load", "", "session file to load on start (overrides config)")
	savePath := flag.String("save", "", "session file to save on exit; enables autosave")
	metricsListen := flag.String("metrics", "", "serve prometheus metrics on this address")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("tiplotd", Version)
		return nil
	}

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		cfg = loader.DefaultConfig()
	}

	// CLI overrides
	if *listen != "" {
		cfg.Receiver.Listen = *listen
	}
	if *noTLS {
		cfg.Receiver.TLS = loader.TLSConfig{}
	}
	if *tlsCert != "" {
		cfg.Receiver.TLS.CertFile = *tlsCert
	}
	if *tlsKey != "" {
		cfg.Receiver.TLS.KeyFile = *tlsKey
	}
	if *loadPath != "" {
		cfg.Session.LoadPath = *loadPath
	}
	if *savePath != "" {
		cfg.Session.SavePath = *savePath
		cfg.Session.AutosaveOnExit = true
	}
	if *metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = *metricsListen
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := loader.Validate(cfg); err != nil {
		return err
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format == "json")
	log.Info("tiplotd starting", "version", Version, "config", *cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg)
}

func serve(ctx context.Context, cfg *loader.Config) error {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	// =========================================================================
	// Store and session
	// =========================================================================

	st := store.New()
	if cfg.Session.LoadPath != "" {
		start := time.Now()
		res, err := persist.Load(st, cfg.Session.LoadPath)
		m.PersistDone("load", time.Since(start), err)
		if err != nil {
			return errors.Wrap(err, "load session")
		}
		log.Info("session loaded", "path", res.Path, "topics", res.Topics, "bytes", res.Bytes)
	}

	// =========================================================================
	// Pipeline
	// =========================================================================

	q := events.NewQueue(cfg.Ingest.QueueCapacity)

	rcv := receiver.New(receiver.Config{
		Listen:      cfg.Receiver.Listen,
		TLSCertFile: cfg.Receiver.TLS.CertFile,
		TLSKeyFile:  cfg.Receiver.TLS.KeyFile,
		Limits: wire.Limits{
			MaxMetadataSize: int64(cfg.Receiver.MaxMetadataSize),
			MaxTableSize:    int64(cfg.Receiver.MaxTableSize),
		},
	}, q, m)

	consumer := ingest.New(ingest.Config{
		MaxBatchesPerCycle: cfg.Ingest.MaxBatchesPerCycle,
		CycleInterval:      cfg.Ingest.CycleInterval.Duration(),
	}, q, st, m)

	var metricsLn net.Listener
	if cfg.Metrics.Enabled {
		ln, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			return errors.Wrapf(err, "metrics listen %s", cfg.Metrics.Listen)
		}
		metricsLn = ln
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rcv.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })

	if metricsLn != nil {
		ln := metricsLn
		srv := metrics.NewServer(m)
		g.Go(func() error { return srv.Serve(ln) })
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout.Duration())
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	// =========================================================================
	// Shutdown
	// =========================================================================

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	stopped := true
	select {
	case runErr = <-done:
	case <-ctx.Done():
		log.Info("shutting down")
		select {
		case runErr = <-done:
		case <-time.After(cfg.Shutdown.Timeout.Duration()):
			log.Warn("shutdown timed out", "timeout", cfg.Shutdown.Timeout.Duration())
			stopped = false
		}
	}

	// Accepted data reaches the store before the final save. A consumer that
	// did not stop in time still owns the queue, so it is not flushed.
	q.Close()
	var flushed ingest.CycleResult
	if stopped {
		flushed = consumer.Flush()
	} else {
		log.Warn("consumer still running, skipping final flush")
	}
	if n := q.Discard(); n > 0 {
		log.Warn("discarded queued events", "count", n)
	}

	rs := rcv.Stats()
	is := consumer.Stats()
	log.Info("pipeline stopped",
		"connections", rs.ConnectionsAccepted,
		"tables", rs.TablesReceived,
		"batches", is.BatchesIngested,
		"rows", is.RowsIngested,
		"flushed_batches", flushed.Batches)
	if is.Parameters != nil {
		log.Info("producer parameters", "parameters", is.Parameters.AsMap())
	}

	if cfg.Session.AutosaveOnExit {
		if err := autosave(st, cfg.Session.SavePath, m); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

func autosave(st *store.Store, path string, m *metrics.Metrics) error {
	if st.IsEmpty() {
		log.Info("nothing to save")
		return nil
	}

	start := time.Now()
	res, err := persist.Save(st, path)
	m.PersistDone("save", time.Since(start), err)
	if err != nil {
		return errors.Wrap(err, "save session")
	}
	log.Info("session saved", "path", res.Path, "topics", res.Topics, "bytes", res.Bytes)
	return nil
}
