// Package outbound maintains the single persistent TCP connection of the
// connect topology, framing and forwarding each datagram to it.
package outbound

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/bcastgw/internal/logging"
	"github.com/postalsys/bcastgw/internal/metrics"
	"github.com/postalsys/bcastgw/internal/protocol"
	"github.com/postalsys/bcastgw/internal/recovery"
)

// State is the outbound connection state.
type State int32

// Connection states. Transitions loop Disconnected -> Connecting ->
// Connected -> Disconnected; Draining is entered only on shutdown.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

const (
	// connectTimeout bounds a single TCP connect attempt.
	connectTimeout = 10 * time.Second

	// writeTimeout bounds a single frame write. A peer that stops reading
	// long enough to exhaust the socket buffer is treated as dead.
	writeTimeout = 30 * time.Second

	// closeTimeout bounds how long Stop waits for the loops to unwind.
	closeTimeout = 5 * time.Second

	// defaultQueueSize is the writer queue depth. The queue only smooths
	// bursts within a live connection; it is drained, not preserved,
	// across an outage.
	defaultQueueSize = 256
)

// Config holds manager configuration.
type Config struct {
	// Address is the TCP target in host:port form.
	Address string

	// ReconnectDelay is the fixed interval between connect attempts.
	// There is no backoff growth: the peer's unavailability is expected
	// to be transient and the interval operator-tunable.
	ReconnectDelay time.Duration

	// ProbeInterval is the read timeout of the liveness probe.
	ProbeInterval time.Duration

	// QueueSize overrides the writer queue depth (0 = default).
	QueueSize int

	// Logger for logging.
	Logger *slog.Logger

	// Metrics sink. Defaults to metrics.Default().
	Metrics *metrics.Metrics
}

// Manager owns the outbound connection and its state machine. Datagrams
// are framed and forwarded while Connected and dropped otherwise; nothing
// is buffered across connection outages.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	state  atomic.Int32
	sendCh chan []byte

	mu   sync.Mutex
	conn net.Conn

	ctx    context.Context
	cancel context.CancelFunc

	attempts       atomic.Uint64
	forwarded      atomic.Uint64
	forwardedBytes atomic.Uint64
	dropped        atomic.Uint64

	dropLog *rate.Limiter

	started  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a new outbound connection manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:     cfg,
		logger:  logger.With(slog.String(logging.KeyComponent, "outbound")),
		metrics: m,
		sendCh:  make(chan []byte, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		// One drop notice per second at most; drops are per-datagram.
		dropLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Start launches the connection loop.
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go m.run()
}

// Stop transitions to Draining, cancels the loops, closes the socket and
// waits (bounded) for everything to unwind. Safe to call more than once,
// and before Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.setState(StateDraining)
		m.cancel()

		m.mu.Lock()
		if m.conn != nil {
			m.conn.Close()
		}
		m.mu.Unlock()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeTimeout):
			m.logger.Warn("shutdown wait timed out")
		}

		// The loop may have raced a state store before noticing the
		// cancellation; the terminal state wins.
		m.setState(StateDraining)
		m.metrics.ConnectionState.Set(0)
		m.logger.Info("outbound manager stopped")
	})
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// IsConnected reports whether a connection is currently established.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// ConnectAttempts returns the number of connect attempts so far.
func (m *Manager) ConnectAttempts() uint64 {
	return m.attempts.Load()
}

// Forwarded returns the number of datagrams written to the connection.
func (m *Manager) Forwarded() uint64 {
	return m.forwarded.Load()
}

// ForwardedBytes returns the number of payload bytes written.
func (m *Manager) ForwardedBytes() uint64 {
	return m.forwardedBytes.Load()
}

// Dropped returns the number of datagrams dropped.
func (m *Manager) Dropped() uint64 {
	return m.dropped.Load()
}

// Forward frames the payload and hands it to the writer. It never blocks:
// with no Connected connection the datagram is dropped, and a full writer
// queue drops it too. Frame ordering on the wire follows queue order, kept
// by the single writer goroutine.
func (m *Manager) Forward(payload []byte) {
	if m.State() != StateConnected {
		m.drop(metrics.DropDisconnected)
		return
	}

	frame, err := protocol.EncodeFrame(payload)
	if err != nil {
		// Unreachable for payloads that fit in a UDP datagram.
		m.logger.Warn("encode failed", logging.KeyError, err)
		return
	}

	select {
	case m.sendCh <- frame:
	default:
		m.drop(metrics.DropQueueFull)
	}
}

func (m *Manager) drop(reason string) {
	m.dropped.Add(1)
	m.metrics.DatagramsDropped.WithLabelValues(reason).Inc()
	if m.dropLog.Allow() {
		m.logger.Debug("datagram dropped",
			logging.KeyReason, reason,
			"dropped_total", m.dropped.Load())
	}
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

func (m *Manager) setConn(conn net.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

// run is the reconnect loop: Disconnected -> Connecting -> Connected ->
// Disconnected, with a fixed sleep between attempts, until shutdown.
func (m *Manager) run() {
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.logger, "outbound.run")

	for {
		if m.ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)
		m.attempts.Add(1)
		m.metrics.ConnectAttempts.Inc()
		m.logger.Info("connecting", logging.KeyAddress, m.cfg.Address,
			logging.KeyAttempt, m.attempts.Load())

		dialer := net.Dialer{Timeout: connectTimeout}
		conn, err := dialer.DialContext(m.ctx, "tcp", m.cfg.Address)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.setState(StateDisconnected)
			m.metrics.ConnectFailures.Inc()
			m.logger.Error("connect failed",
				logging.KeyAddress, m.cfg.Address,
				logging.KeyError, err,
				logging.KeyDelay, m.cfg.ReconnectDelay)
			if !m.sleep(m.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		m.setConn(conn)
		m.setState(StateConnected)
		m.metrics.ConnectionState.Set(1)
		m.logger.Info("connected",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyLocalAddr, conn.LocalAddr().String())

		err = m.serve(conn)

		conn.Close()
		m.setConn(nil)
		m.metrics.ConnectionState.Set(0)

		if m.ctx.Err() != nil {
			return
		}

		m.setState(StateDisconnected)
		m.logger.Warn("connection lost",
			logging.KeyAddress, m.cfg.Address,
			logging.KeyError, err,
			logging.KeyDelay, m.cfg.ReconnectDelay)

		// No buffering across outages: whatever the writer had not yet
		// sent belongs to the dead connection.
		m.drainQueue()

		if !m.sleep(m.cfg.ReconnectDelay) {
			return
		}
	}
}

// serve writes queued frames to the connection and watches liveness until
// the connection errors or shutdown begins.
func (m *Manager) serve(conn net.Conn) error {
	probeErr := make(chan error, 1)
	m.wg.Add(1)
	go m.probe(conn, probeErr)

	for {
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()
		case err := <-probeErr:
			return err
		case frame := <-m.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := conn.Write(frame); err != nil {
				m.metrics.WriteErrors.Inc()
				return err
			}
			payloadLen := len(frame) - protocol.HeaderSize
			m.forwarded.Add(1)
			m.forwardedBytes.Add(uint64(payloadLen))
			m.metrics.DatagramsForwarded.Inc()
			m.metrics.BytesForwarded.Add(float64(payloadLen))
		}
	}
}

// probe is the liveness watch: a bounded-timeout read used purely to detect
// a dead connection. A timeout with no data is fine and the probe repeats;
// data from the peer is ignored (the stream carries no protocol traffic
// toward the gateway); only a read error closes the connection.
func (m *Manager) probe(conn net.Conn, errCh chan<- error) {
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.logger, "outbound.probe")

	buf := make([]byte, 1024)
	for {
		if m.ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(m.cfg.ProbeInterval))
		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case errCh <- err:
			default:
			}
			return
		}
		if n > 0 {
			m.logger.Debug("ignoring data on liveness probe", logging.KeyBytes, n)
		}
	}
}

// drainQueue discards frames queued for a connection that no longer exists.
func (m *Manager) drainQueue() {
	for {
		select {
		case <-m.sendCh:
			m.drop(metrics.DropDisconnected)
		default:
			return
		}
	}
}

// sleep waits for d or until shutdown; it reports false on shutdown.
func (m *Manager) sleep(d time.Duration) bool {
	select {
	case <-m.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
