package receiver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/tiplot/internal/events"
	"github.com/xtxerr/tiplot/internal/metrics"
	"github.com/xtxerr/tiplot/internal/testutil"
	"github.com/xtxerr/tiplot/internal/wire"
)

func start(t *testing.T, cfg Config) (*Receiver, *events.Queue, string) {
	t.Helper()
	q := events.NewQueue(16)
	r := New(cfg, q, metrics.New())

	ln, err := r.Listen()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Serve(ln) }()

	t.Cleanup(func() {
		r.Shutdown()
		require.NoError(t, <-done)
		q.Close()
		q.Discard()
	})
	return r, q, ln.Addr().String()
}

func imuPayload(t *testing.T, batches int) []byte {
	t.Helper()
	rec := testutil.Record(t,
		testutil.Int64("timestamp", 0, 1_000_000, 2_000_000),
		testutil.Float64("accel_x", 0.1, 0.2, 0.3),
	)
	defer rec.Release()

	recs := make([]arrow.Record, batches)
	for i := range recs {
		recs[i] = rec
	}
	payload, err := wire.EncodeBatches(rec.Schema(), recs...)
	require.NoError(t, err)
	return payload
}

func metadata(tables ...string) *wire.Metadata {
	minUs, maxUs := int64(0), int64(2_000_000)
	return &wire.Metadata{
		TableCount:    len(tables),
		TableNames:    tables,
		TimelineRange: wire.TimelineRange{MinTimestamp: &minUs, MaxTimestamp: &maxUs},
	}
}

func waitLen(t *testing.T, q *events.Queue, n int) {
	t.Helper()
	require.NoError(t, testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return q.Len() >= n
	}), "queue never reached %d events", n)
}

func waitStats(t *testing.T, r *Receiver, cond func(StatsSnapshot) bool) {
	t.Helper()
	require.NoError(t, testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return cond(r.Stats())
	}))
}

func TestMalformedConnectionDoesNotAffectOthers(t *testing.T) {
	r, q, addr := start(t, Config{Listen: "127.0.0.1:0"})

	bad, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer bad.Close()
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], 5)
	_, err = bad.Write(append(hdr[:], "nope!"...))
	require.NoError(t, err)

	good, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer good.Close()
	w := wire.NewWriter(good)
	require.NoError(t, w.WriteMetadata(metadata("imu")))
	require.NoError(t, w.WriteTable("imu", imuPayload(t, 2)))

	waitLen(t, q, 3)
	waitStats(t, r, func(s StatsSnapshot) bool { return s.MetadataErrors == 1 })

	evs := q.DrainN(10)
	defer func() {
		for _, ev := range evs {
			ev.Release()
		}
	}()
	require.Len(t, evs, 3)

	assert.Equal(t, events.KindMetadata, evs[0].Kind)
	for _, ev := range evs[1:] {
		assert.Equal(t, events.KindNewBatch, ev.Kind)
		assert.Equal(t, "imu", ev.Topic)
		assert.Equal(t, evs[0].ConnID, ev.ConnID)
		assert.Equal(t, int64(3), ev.Record.NumRows())
	}

	st := r.Stats()
	assert.Equal(t, int64(2), st.ConnectionsAccepted)
	assert.Equal(t, int64(2), st.BatchesEmitted)
}

func TestConcurrentProducers(t *testing.T) {
	r, q, addr := start(t, Config{Listen: "127.0.0.1:0"})
	payload := imuPayload(t, 2)

	const producers = 8
	gt := testutil.NewGoroutineTest(t, 5*time.Second)
	for i := 0; i < producers; i++ {
		topic := fmt.Sprintf("imu%d", i)
		gt.Go(func(ctx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			defer conn.Close()
			w := wire.NewWriter(conn)
			if err := w.WriteMetadata(metadata(topic)); err != nil {
				return err
			}
			return w.WriteTable(topic, payload)
		})
	}
	gt.Wait()

	waitLen(t, q, producers*3)
	evs := q.DrainN(producers * 3)
	defer func() {
		for _, ev := range evs {
			ev.Release()
		}
	}()

	// Each connection's metadata precedes its batches.
	seen := make(map[string]bool)
	topics := make(map[string]int)
	for _, ev := range evs {
		switch ev.Kind {
		case events.KindMetadata:
			seen[ev.ConnID] = true
		case events.KindNewBatch:
			assert.True(t, seen[ev.ConnID], "batch before metadata on %s", ev.ConnID)
			topics[ev.Topic]++
		}
	}
	assert.Len(t, seen, producers)
	assert.Len(t, topics, producers)
	for topic, n := range topics {
		assert.Equal(t, 2, n, topic)
	}
	assert.Equal(t, int64(producers), r.Stats().ConnectionsAccepted)
}

func TestMalformedTableIsSkipped(t *testing.T) {
	r, q, addr := start(t, Config{Listen: "127.0.0.1:0"})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	w := wire.NewWriter(conn)
	require.NoError(t, w.WriteMetadata(metadata("junk", "imu")))
	require.NoError(t, w.WriteTable("junk", []byte("definitely not arrow")))
	require.NoError(t, w.WriteTable("imu", imuPayload(t, 1)))

	waitLen(t, q, 2)
	waitStats(t, r, func(s StatsSnapshot) bool { return s.TablesReceived == 2 })

	evs := q.DrainN(10)
	defer func() {
		for _, ev := range evs {
			ev.Release()
		}
	}()
	require.Len(t, evs, 2)
	assert.Equal(t, events.KindMetadata, evs[0].Kind)
	assert.Equal(t, "imu", evs[1].Topic)
	assert.Equal(t, int64(1), r.Stats().DecodeErrors)
}

func TestOversizedTableEndsConnection(t *testing.T) {
	r, q, addr := start(t, Config{
		Listen: "127.0.0.1:0",
		Limits: wire.Limits{MaxTableSize: 16},
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	w := wire.NewWriter(conn)
	require.NoError(t, w.WriteMetadata(metadata("imu", "imu")))
	require.NoError(t, w.WriteTable("imu", imuPayload(t, 1)))

	waitStats(t, r, func(s StatsSnapshot) bool { return s.FrameErrors == 1 && s.ConnectionsActive == 0 })

	evs := q.DrainN(10)
	for _, ev := range evs {
		ev.Release()
	}
	require.Len(t, evs, 1, "only metadata is emitted")
	assert.Equal(t, events.KindMetadata, evs[0].Kind)
}

func TestEarlyCloseKeepsEarlierTables(t *testing.T) {
	r, q, addr := start(t, Config{Listen: "127.0.0.1:0"})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	w := wire.NewWriter(conn)
	require.NoError(t, w.WriteMetadata(metadata("imu", "gps", "baro")))
	require.NoError(t, w.WriteTable("imu", imuPayload(t, 1)))
	require.NoError(t, conn.Close())

	waitStats(t, r, func(s StatsSnapshot) bool { return s.FrameErrors == 1 })

	evs := q.DrainN(10)
	for _, ev := range evs {
		ev.Release()
	}
	require.Len(t, evs, 2)
	assert.Equal(t, "imu", evs[1].Topic)
}

func TestShutdownClosesOpenConnections(t *testing.T) {
	q := events.NewQueue(4)
	r := New(Config{Listen: "127.0.0.1:0"}, q, nil)

	ln, err := r.Listen()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wire.NewWriter(conn).WriteMetadata(metadata("imu")))

	waitStats(t, r, func(s StatsSnapshot) bool { return s.ConnectionsActive == 1 })

	r.Shutdown()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
	assert.Equal(t, int64(0), r.Stats().ConnectionsActive)
	q.Discard()
}

func TestTLS(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t)
	_, q, addr := start(t, Config{
		Listen:      "127.0.0.1:0",
		TLSCertFile: certFile,
		TLSKeyFile:  keyFile,
	})

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	w := wire.NewWriter(conn)
	require.NoError(t, w.WriteMetadata(metadata("imu")))
	require.NoError(t, w.WriteTable("imu", imuPayload(t, 1)))

	waitLen(t, q, 2)
}

func writeSelfSigned(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile,
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestMetadataCarriesParameters(t *testing.T) {
	_, q, addr := start(t, Config{Listen: "127.0.0.1:0"})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	md := metadata("imu")
	md.Parameters = map[string]any{"trajectory_scale": 50.0, "vehicle": "rover"}
	require.NoError(t, wire.NewWriter(conn).WriteMetadata(md))

	waitLen(t, q, 1)
	evs := q.DrainN(1)
	require.Len(t, evs, 1)
	defer evs[0].Release()

	require.Equal(t, events.KindMetadata, evs[0].Kind)
	require.NotNil(t, evs[0].Parameters)
	assert.Equal(t, 50.0, evs[0].Parameters.Fields["trajectory_scale"].GetNumberValue())
	assert.Equal(t, "rover", evs[0].Parameters.Fields["vehicle"].GetStringValue())
}
