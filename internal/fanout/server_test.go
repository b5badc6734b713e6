package fanout

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/bcastgw/internal/metrics"
)

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(Config{
		Address: "127.0.0.1:0",
		Metrics: testMetrics(),
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func dialClient(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestServer_BroadcastToAllClients(t *testing.T) {
	s := newTestServer(t)

	const n = 3
	conns := make([]net.Conn, n)
	for i := range conns {
		conns[i] = dialClient(t, s)
	}
	waitFor(t, 2*time.Second, func() bool { return s.ClientCount() == n })

	payload := []byte("broadcast me")
	s.Broadcast(payload)

	// Every member gets exactly the unframed payload bytes.
	for i, conn := range conns {
		got := make([]byte, len(payload))
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(conn, got); err != nil {
			t.Fatalf("client %d read: %v", i, err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("client %d got %q, want %q", i, got, payload)
		}
	}

	if s.Forwarded() != n {
		t.Errorf("Forwarded() = %d, want %d", s.Forwarded(), n)
	}
}

func TestServer_BoundaryPerWrite(t *testing.T) {
	s := newTestServer(t)
	conn := dialClient(t, s)
	waitFor(t, 2*time.Second, func() bool { return s.ClientCount() == 1 })

	s.Broadcast([]byte("first"))
	s.Broadcast([]byte("second"))

	// The stream carries no framing; both payloads arrive back to back.
	// Boundary preservation is the 1:1 write-per-datagram discipline.
	got := make([]byte, len("firstsecond"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "firstsecond" {
		t.Errorf("stream = %q, want %q", got, "firstsecond")
	}
}

func TestServer_EmptySetIsNoop(t *testing.T) {
	s := newTestServer(t)

	// Must not panic and must not change the client set.
	s.Broadcast([]byte("into the void"))

	if s.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", s.ClientCount())
	}
	if s.Forwarded() != 0 {
		t.Errorf("Forwarded() = %d, want 0", s.Forwarded())
	}
	if s.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", s.Dropped())
	}
}

func TestServer_DetectsClientClose(t *testing.T) {
	s := newTestServer(t)

	conn := dialClient(t, s)
	waitFor(t, 2*time.Second, func() bool { return s.ClientCount() == 1 })

	conn.Close()
	waitFor(t, 3*time.Second, func() bool { return s.ClientCount() == 0 })
}

// blockedConn is a net.Conn whose writes block until the conn is closed,
// simulating a peer that never drains its socket.
type blockedConn struct {
	closed chan struct{}
	once   sync.Once
}

func newBlockedConn() *blockedConn {
	return &blockedConn{closed: make(chan struct{})}
}

func (b *blockedConn) Read(p []byte) (int, error) {
	<-b.closed
	return 0, io.EOF
}

func (b *blockedConn) Write(p []byte) (int, error) {
	<-b.closed
	return 0, io.ErrClosedPipe
}

func (b *blockedConn) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func (b *blockedConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
}

func (b *blockedConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2}
}

func (b *blockedConn) SetDeadline(t time.Time) error      { return nil }
func (b *blockedConn) SetReadDeadline(t time.Time) error  { return nil }
func (b *blockedConn) SetWriteDeadline(t time.Time) error { return nil }

// recordConn is a net.Conn that records writes and never blocks.
type recordConn struct {
	mu   sync.Mutex
	data []byte
}

func (r *recordConn) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.data = append(r.data, p...)
	r.mu.Unlock()
	return len(p), nil
}

func (r *recordConn) Read(p []byte) (int, error) { return 0, io.EOF }
func (r *recordConn) Close() error               { return nil }

func (r *recordConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3}
}

func (r *recordConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4}
}

func (r *recordConn) SetDeadline(t time.Time) error      { return nil }
func (r *recordConn) SetReadDeadline(t time.Time) error  { return nil }
func (r *recordConn) SetWriteDeadline(t time.Time) error { return nil }

func (r *recordConn) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

// addFakeClient injects a client with the given conn directly into the set,
// bypassing the listener, so write behavior can be controlled.
func addFakeClient(s *Server, conn net.Conn, queueSize int) *client {
	c := &client{
		conn:   conn,
		sendCh: make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.nextID++
	c.id = s.nextID
	s.clients[c.id] = c
	s.mu.Unlock()

	s.wg.Add(1)
	go s.writeLoop(c)
	return c
}

func TestServer_SlowClientDoesNotStallOthers(t *testing.T) {
	s := newTestServer(t)

	// The slow client gets a tiny queue so it saturates on the first
	// blocked write; the fast one gets room for every payload.
	slow := addFakeClient(s, newBlockedConn(), 1)
	fast := &recordConn{}
	addFakeClient(s, fast, clientQueueSize)
	defer slow.shut()

	// Broadcasting must stay prompt despite the stuck writer, and the
	// fast client must get every payload.
	start := time.Now()
	const rounds = 10
	for i := 0; i < rounds; i++ {
		s.Broadcast([]byte("x"))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("broadcast of %d datagrams took %v, expected no stall", rounds, elapsed)
	}

	waitFor(t, 2*time.Second, func() bool { return len(fast.Bytes()) == rounds })
}

func TestServer_WriteFailureRemovesClient(t *testing.T) {
	s := newTestServer(t)

	failing := newBlockedConn()
	addFakeClient(s, failing, 1)
	if s.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d, want 1", s.ClientCount())
	}

	s.Broadcast([]byte("doomed"))
	// Unblock the conn so the in-flight write fails.
	failing.Close()

	waitFor(t, 2*time.Second, func() bool { return s.ClientCount() == 0 })
}

func TestServer_StopIdempotent(t *testing.T) {
	s := newTestServer(t)
	dialClient(t, s)
	waitFor(t, 2*time.Second, func() bool { return s.ClientCount() == 1 })

	if err := s.Stop(); err != nil {
		t.Errorf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if s.ClientCount() != 0 {
		t.Errorf("ClientCount() after Stop = %d, want 0", s.ClientCount())
	}
}

func TestServer_StopBeforeStart(t *testing.T) {
	s := NewServer(Config{Address: "127.0.0.1:0", Metrics: testMetrics()})

	// Must not panic.
	if err := s.Stop(); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}

func TestServer_StartTwice(t *testing.T) {
	s := newTestServer(t)
	if err := s.Start(); err == nil {
		t.Error("second Start succeeded, want error")
	}
}

func TestServer_StopClosesRacingAccepts(t *testing.T) {
	s := newTestServer(t)
	addr := s.Addr().String()

	// Dial continuously while Stop runs, so some connections land in the
	// window between Stop's client sweep and the accept that would register
	// them. Every successfully dialed connection must still end up closed.
	var mu sync.Mutex
	var conns []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	time.Sleep(5 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-done

	if s.ClientCount() != 0 {
		t.Errorf("ClientCount() after Stop = %d, want 0", s.ClientCount())
	}

	buf := make([]byte, 1)
	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := conn.Read(buf)
		if err == nil {
			t.Errorf("conn %d still open after Stop", i)
		} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			t.Errorf("conn %d never closed after Stop", i)
		}
		conn.Close()
	}
}

func TestServer_StopCountsShutdownDisconnects(t *testing.T) {
	s := newTestServer(t)
	dialClient(t, s)
	dialClient(t, s)
	waitFor(t, 2*time.Second, func() bool { return s.ClientCount() == 2 })

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := testutil.ToFloat64(s.metrics.ClientDisconnects.WithLabelValues(metrics.DisconnectShutdown))
	if got != 2 {
		t.Errorf("shutdown disconnects = %v, want 2", got)
	}
	if connected := testutil.ToFloat64(s.metrics.ClientsConnected); connected != 0 {
		t.Errorf("connected gauge after Stop = %v, want 0", connected)
	}
}

// readErrConn fails reads with a non-EOF error, as a reset peer would.
type readErrConn struct {
	recordConn
}

func (r *readErrConn) Read(p []byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func TestServer_ReadErrorCountsReadDisconnect(t *testing.T) {
	s := newTestServer(t)

	c := addFakeClient(s, &readErrConn{}, 1)
	s.wg.Add(1)
	go s.watchLoop(c)

	waitFor(t, 2*time.Second, func() bool { return s.ClientCount() == 0 })

	got := testutil.ToFloat64(s.metrics.ClientDisconnects.WithLabelValues(metrics.DisconnectRead))
	if got != 1 {
		t.Errorf("read disconnects = %v, want 1", got)
	}
}
