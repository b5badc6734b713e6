// Package fanout implements the serve topology: a TCP server that
// broadcasts every datagram, unframed, to all connected clients.
//
// Clients receive exactly the UDP payload bytes with no header. Message
// boundaries are implicit in the one-write-per-datagram discipline, not
// self-describing: a consumer that concatenates two deliveries cannot
// recover the boundary. That is an inherent protocol constraint of this
// topology, not a defect.
package fanout

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/bcastgw/internal/logging"
	"github.com/postalsys/bcastgw/internal/metrics"
	"github.com/postalsys/bcastgw/internal/recovery"
)

const (
	// watchTimeout is the read deadline of the per-client watch. The read
	// exists purely to detect client-initiated close, not to consume
	// protocol traffic.
	watchTimeout = time.Second

	// clientWriteTimeout bounds a single payload write to one client.
	clientWriteTimeout = 10 * time.Second

	// clientQueueSize is the per-client writer queue depth. A client that
	// falls this far behind starts losing datagrams, never delaying the
	// others.
	clientQueueSize = 64
)

// Config holds server configuration.
type Config struct {
	// Address is the TCP listen address in host:port form.
	Address string

	// Logger for logging.
	Logger *slog.Logger

	// Metrics sink. Defaults to metrics.Default().
	Metrics *metrics.Metrics
}

// client is one member of the client set. Its writer goroutine is the only
// thing that touches the connection's write side, so each datagram maps to
// exactly one write in queue order.
type client struct {
	id     uint64
	conn   net.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *client) shut() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Server accepts TCP clients and fans each datagram out to all of them.
// The client set is owned by the server: membership changes only on accept
// and on detected disconnect or write failure.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	listener net.Listener

	mu      sync.Mutex
	clients map[uint64]*client
	nextID  uint64

	forwarded      atomic.Uint64
	forwardedBytes atomic.Uint64
	dropped        atomic.Uint64

	dropLog *rate.Limiter

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new fan-out server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Server{
		cfg:     cfg,
		logger:  logger.With(slog.String(logging.KeyComponent, "fanout")),
		metrics: m,
		clients: make(map[uint64]*client),
		stopCh:  make(chan struct{}),
		dropLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Start binds the listen socket and starts accepting clients. A bind
// failure is fatal and returned; nothing is retried.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("fanout server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("fanout server started",
		logging.KeyAddress, listener.Addr().String())

	return nil
}

// Stop closes the listener and every client connection, then waits for all
// per-client tasks to unwind. Safe to call more than once, and before Start.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.mu.Lock()
		for _, c := range s.clients {
			c.shut()
			s.metrics.ClientDisconnects.WithLabelValues(metrics.DisconnectShutdown).Inc()
		}
		s.clients = make(map[uint64]*client)
		s.metrics.ClientsConnected.Set(0)
		s.mu.Unlock()

		s.wg.Wait()
		s.logger.Info("fanout server stopped")
	})
	return err
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ClientCount returns the current size of the client set.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Forwarded returns the number of per-client deliveries issued.
func (s *Server) Forwarded() uint64 {
	return s.forwarded.Load()
}

// ForwardedBytes returns the number of payload bytes delivered.
func (s *Server) ForwardedBytes() uint64 {
	return s.forwardedBytes.Load()
}

// Dropped returns the number of datagrams dropped (no clients, or a client
// too far behind).
func (s *Server) Dropped() uint64 {
	return s.dropped.Load()
}

// Broadcast hands the payload to every client's writer. It iterates a
// snapshot of the client set, never blocks on any client, and is a no-op
// when the set is empty.
func (s *Server) Broadcast(payload []byte) {
	s.mu.Lock()
	snapshot := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()

	if len(snapshot) == 0 {
		s.drop(metrics.DropNoClients)
		return
	}

	for _, c := range snapshot {
		select {
		case c.sendCh <- payload:
		case <-c.done:
			// Client is being removed; its deliveries end here.
		default:
			s.drop(metrics.DropClientBusy)
		}
	}
}

func (s *Server) drop(reason string) {
	s.dropped.Add(1)
	s.metrics.DatagramsDropped.WithLabelValues(reason).Inc()
	if s.dropLog.Allow() {
		s.logger.Debug("datagram dropped", logging.KeyReason, reason)
	}
}

// acceptLoop accepts clients until the listener closes.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "fanout.acceptLoop")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Debug("accept error", logging.KeyError, err)
				continue
			}
		}

		c := &client{
			conn:   conn,
			sendCh: make(chan []byte, clientQueueSize),
			done:   make(chan struct{}),
		}

		s.mu.Lock()
		select {
		case <-s.stopCh:
			// Stop already swept the client set; a client registered now
			// would never be shut. Close it here instead.
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.nextID++
		c.id = s.nextID
		s.clients[c.id] = c
		count := len(s.clients)
		s.mu.Unlock()

		s.metrics.ClientsTotal.Inc()
		s.metrics.ClientsConnected.Set(float64(count))
		s.logger.Info("client connected",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyClients, count)

		s.wg.Add(2)
		go s.writeLoop(c)
		go s.watchLoop(c)
	}
}

// writeLoop delivers queued payloads to one client. Each payload is one
// Write call; a write failure removes the client.
func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "fanout.writeLoop")

	for {
		select {
		case <-c.done:
			return
		case <-s.stopCh:
			return
		case payload := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
			if _, err := c.conn.Write(payload); err != nil {
				s.metrics.WriteErrors.Inc()
				s.removeClient(c, metrics.DisconnectWrite, err)
				return
			}
			s.forwarded.Add(1)
			s.forwardedBytes.Add(uint64(len(payload)))
			s.metrics.DatagramsForwarded.Inc()
			s.metrics.BytesForwarded.Add(float64(len(payload)))
		}
	}
}

// watchLoop holds the client open and reads with a short timeout purely to
// detect client-initiated close. Data from the client is discarded; any
// read error or EOF removes it.
func (s *Server) watchLoop(c *client) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "fanout.watchLoop")
	defer c.shut()

	buf := make([]byte, 1024)
	for {
		select {
		case <-c.done:
			return
		case <-s.stopCh:
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(watchTimeout))
		n, err := c.conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			reason := metrics.DisconnectRead
			if errors.Is(err, io.EOF) {
				reason = metrics.DisconnectClosed
			}
			s.removeClient(c, reason, err)
			return
		}
		if n > 0 {
			s.logger.Debug("discarding data from client", logging.KeyBytes, n)
		}
	}
}

// removeClient drops the client from the set and closes it. Removal can be
// triggered concurrently by the watch and the writer; only the first wins.
func (s *Server) removeClient(c *client, reason string, err error) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	count := len(s.clients)
	s.mu.Unlock()

	c.shut()

	if !present {
		return
	}

	s.metrics.ClientsConnected.Set(float64(count))
	s.metrics.ClientDisconnects.WithLabelValues(reason).Inc()
	s.logger.Info("client disconnected",
		logging.KeyRemoteAddr, c.conn.RemoteAddr().String(),
		logging.KeyReason, reason,
		logging.KeyError, err,
		logging.KeyClients, count)
}
