// Package source implements the UDP ingress of the gateway: a reusable-port
// datagram listener that pushes every received payload to a forwarding
// callback.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"github.com/postalsys/bcastgw/internal/logging"
	"github.com/postalsys/bcastgw/internal/metrics"
	"github.com/postalsys/bcastgw/internal/recovery"
)

// maxDatagramSize is the receive buffer size. Larger than the practical
// IPv4 payload ceiling (65507) so no datagram is ever truncated.
const maxDatagramSize = 65535

// Datagram is one discrete UDP receive event.
type Datagram struct {
	// Payload is the raw datagram bytes. It is owned by the receiver of
	// the callback and never reused by the source.
	Payload []byte

	// Src is the sender address.
	Src *net.UDPAddr

	// Dst is the destination address from the control message, or nil if
	// the platform did not deliver one.
	Dst net.IP
}

// Kind classifies the datagram by its destination address.
func (d Datagram) Kind() string {
	switch {
	case d.Dst == nil:
		return "unknown"
	case d.Dst.Equal(net.IPv4bcast):
		return "broadcast"
	case d.Dst.IsMulticast():
		return "multicast"
	default:
		return "unicast"
	}
}

// Handler receives each datagram as it arrives. It is invoked from the
// receive loop, so it must not block: a blocking handler stalls all
// subsequent receives.
type Handler func(d Datagram)

// Config holds source configuration.
type Config struct {
	// Address is the UDP listen address in host:port form.
	Address string

	// Logger for logging.
	Logger *slog.Logger

	// Metrics sink. Defaults to metrics.Default().
	Metrics *metrics.Metrics
}

// Source is a bound UDP listener feeding a Handler. The datagram sequence
// is infinite and not restartable: stopping requires Close, and a closed
// source cannot be reopened.
type Source struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	handler Handler

	conn  *net.UDPConn
	pconn *ipv4.PacketConn

	received      atomic.Uint64
	receivedBytes atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the UDP socket with address reuse enabled (so multiple
// cooperating gateway instances can share the port) and starts the receive
// loop. A bind failure is fatal: the error is returned and nothing is
// retried.
func Listen(cfg Config, handler Handler) (*Source, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("bind udp %s: %w", cfg.Address, err)
	}

	s := &Source{
		logger:  logger.With(slog.String(logging.KeyComponent, "source")),
		metrics: m,
		handler: handler,
		conn:    pc.(*net.UDPConn),
	}

	// Destination address control messages let the gateway tell broadcast
	// traffic apart from unicast. Not every platform supports them.
	s.pconn = ipv4.NewPacketConn(s.conn)
	if err := s.pconn.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		s.logger.Warn("control messages unavailable, datagram kind will be unknown",
			logging.KeyError, err)
	}

	s.logger.Info("udp listener started",
		logging.KeyLocalAddr, s.conn.LocalAddr().String())

	s.wg.Add(1)
	go s.readLoop()

	return s, nil
}

// LocalAddr returns the bound UDP address.
func (s *Source) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Received returns the number of datagrams received so far.
func (s *Source) Received() uint64 {
	return s.received.Load()
}

// ReceivedBytes returns the number of payload bytes received so far.
func (s *Source) ReceivedBytes() uint64 {
	return s.receivedBytes.Load()
}

// Close shuts the socket and waits for the receive loop to unwind.
// It is safe to call more than once.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
		s.wg.Wait()
		s.logger.Info("udp listener stopped")
	})
	return err
}

// readLoop receives datagrams until the socket is closed. Receive errors
// (including malformed control messages) are logged and do not terminate
// the sequence.
func (s *Source) readLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "source.readLoop")

	buf := make([]byte, maxDatagramSize)
	for {
		n, cm, src, err := s.pconn.ReadFrom(buf)
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.metrics.ReceiveErrors.Inc()
			s.logger.Warn("udp receive error", logging.KeyError, err)
			continue
		}

		// The handler may retain the payload past this iteration.
		payload := make([]byte, n)
		copy(payload, buf[:n])

		d := Datagram{
			Payload: payload,
			Src:     src.(*net.UDPAddr),
		}
		if cm != nil {
			d.Dst = cm.Dst
		}

		s.received.Add(1)
		s.receivedBytes.Add(uint64(n))
		s.metrics.DatagramsReceived.WithLabelValues(d.Kind()).Inc()
		s.metrics.BytesReceived.Add(float64(n))

		s.logger.Debug("datagram received",
			logging.KeySource, d.Src.String(),
			logging.KeyBytes, n,
			"kind", d.Kind())

		s.handler(d)
	}
}
