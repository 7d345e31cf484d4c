// tiplot-sim streams synthetic vehicle trajectories to a tiplot receiver.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/xtxerr/tiplot/internal/logging"
	"github.com/xtxerr/tiplot/internal/sim"
)

var log = logging.Component("tiplot-sim")

func main() {
	addr := flag.String("addr", sim.DefaultAddr, "receiver address")
	rate := flag.Float64("rate", 10, "updates per second")
	names := flag.String("trajectories", "", "comma-separated trajectories (default all: "+strings.Join(sim.Names(), ",")+")")
	useTLS := flag.Bool("tls", false, "connect with TLS")
	insecure := flag.Bool("insecure", false, "skip TLS certificate verification")
	duration := flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	logging.Init(logging.ParseLevel(*logLevel), false)

	var selected []string
	if *names != "" {
		for _, n := range strings.Split(*names, ",") {
			n = strings.TrimSpace(n)
			if _, ok := sim.Trajectories[n]; !ok {
				fmt.Fprintf(os.Stderr, "unknown trajectory %q (have %s)\n", n, strings.Join(sim.Names(), ", "))
				os.Exit(2)
			}
			selected = append(selected, n)
		}
	}

	client := &sim.Client{Addr: *addr, DialTimeout: 5 * time.Second}
	if *useTLS {
		client.TLS = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: *insecure}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	streamer := sim.NewStreamer(client, sim.StreamerConfig{
		RateHz: *rate,
		Names:  selected,
	})
	if err := streamer.Run(ctx); err != nil {
		log.Error("streamer failed", "error", err)
		os.Exit(1)
	}

	st := streamer.Stats()
	log.Info("done", "messages", st.Messages, "rows", st.Rows, "bytes", st.Bytes, "errors", st.Errors)
}
