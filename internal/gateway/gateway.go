// Package gateway wires the UDP datagram source to a TCP egress and owns
// the lifecycle of both, plus the optional firewall and health collaborators.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/bcastgw/internal/config"
	"github.com/postalsys/bcastgw/internal/fanout"
	"github.com/postalsys/bcastgw/internal/firewall"
	"github.com/postalsys/bcastgw/internal/health"
	"github.com/postalsys/bcastgw/internal/logging"
	"github.com/postalsys/bcastgw/internal/metrics"
	"github.com/postalsys/bcastgw/internal/outbound"
	"github.com/postalsys/bcastgw/internal/recovery"
	"github.com/postalsys/bcastgw/internal/source"
)

// egress is the TCP side of the relay. Connect mode frames datagrams onto
// one persistent outbound connection; serve mode fans them out unframed to
// every connected client. Both sides drop rather than block.
type egress interface {
	start() error
	stop()
	forward(payload []byte)
	forwarded() uint64
	forwardedBytes() uint64
	dropped() uint64
}

type connectEgress struct {
	m *outbound.Manager
}

func (e *connectEgress) start() error { e.m.Start(); return nil }

func (e *connectEgress) stop() { e.m.Stop() }

func (e *connectEgress) forward(p []byte) { e.m.Forward(p) }

func (e *connectEgress) forwarded() uint64 { return e.m.Forwarded() }

func (e *connectEgress) forwardedBytes() uint64 { return e.m.ForwardedBytes() }

func (e *connectEgress) dropped() uint64 { return e.m.Dropped() }

type serveEgress struct {
	s *fanout.Server
}

func (e *serveEgress) start() error { return e.s.Start() }

func (e *serveEgress) stop() { e.s.Stop() }

func (e *serveEgress) forward(p []byte) { e.s.Broadcast(p) }

func (e *serveEgress) forwarded() uint64 { return e.s.Forwarded() }

func (e *serveEgress) forwardedBytes() uint64 { return e.s.ForwardedBytes() }

func (e *serveEgress) dropped() uint64 { return e.s.Dropped() }

// Gateway is the relay composition root. It owns the datagram source, the
// TCP egress, the firewall rules and the health server, and it is the only
// component that knows about all of them.
type Gateway struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	src      *source.Source
	egress   egress
	outbound *outbound.Manager // non-nil in connect mode
	fanout   *fanout.Server    // non-nil in serve mode
	firewall *firewall.Manager
	health   *health.Server

	startedAt time.Time

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a gateway from validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Gateway{
		cfg:     cfg,
		logger:  logger.With(slog.String(logging.KeyComponent, "gateway")),
		metrics: metrics.Default(),
		stopCh:  make(chan struct{}),
	}
}

// Start brings the relay up: firewall rules first, then the TCP egress,
// then the UDP source, then the optional health server. A UDP bind failure
// or a serve-mode TCP bind failure is fatal; everything brought up before
// the failure is torn down again.
func (g *Gateway) Start() error {
	if g.running.Load() {
		return fmt.Errorf("gateway already running")
	}

	g.startedAt = time.Now()

	g.firewall = firewall.NewManager(firewall.Config{
		Enabled:   g.cfg.Firewall.Enabled,
		UDPPort:   g.cfg.UDP.Port,
		Interface: g.cfg.Firewall.Interface,
		Logger:    g.logger,
	})
	g.firewall.Setup(context.Background())

	switch g.cfg.TCP.Mode {
	case config.ModeServe:
		g.fanout = fanout.NewServer(fanout.Config{
			Address: g.cfg.TCPAddr(),
			Logger:  g.logger,
			Metrics: g.metrics,
		})
		g.egress = &serveEgress{s: g.fanout}
	default:
		g.outbound = outbound.NewManager(outbound.Config{
			Address:        g.cfg.TCPAddr(),
			ReconnectDelay: g.cfg.TCP.ReconnectDelay,
			ProbeInterval:  g.cfg.TCP.ProbeInterval,
			Logger:         g.logger,
			Metrics:        g.metrics,
		})
		g.egress = &connectEgress{m: g.outbound}
	}

	if err := g.egress.start(); err != nil {
		g.firewall.Teardown(context.Background())
		return fmt.Errorf("failed to start tcp egress: %w", err)
	}

	src, err := source.Listen(source.Config{
		Address: g.cfg.UDPListenAddr(),
		Logger:  g.logger,
		Metrics: g.metrics,
	}, func(d source.Datagram) {
		g.egress.forward(d.Payload)
	})
	if err != nil {
		g.egress.stop()
		g.firewall.Teardown(context.Background())
		return fmt.Errorf("failed to start udp source: %w", err)
	}
	g.src = src

	if g.cfg.Health.Enabled {
		g.health = health.NewServer(health.ServerConfig{
			Address:      g.cfg.Health.Address,
			ReadTimeout:  g.cfg.Health.ReadTimeout,
			WriteTimeout: g.cfg.Health.WriteTimeout,
		}, g)
		if err := g.health.Start(); err != nil {
			g.src.Close()
			g.egress.stop()
			g.firewall.Teardown(context.Background())
			return fmt.Errorf("failed to start health server: %w", err)
		}
		g.logger.Info("health server listening",
			slog.String(logging.KeyAddress, g.health.Address().String()))
	}

	g.running.Store(true)

	if g.cfg.StatsInterval > 0 {
		g.wg.Add(1)
		go g.statsLoop()
	}

	g.logger.Info("gateway started",
		slog.String("mode", g.cfg.TCP.Mode),
		slog.String("udp", g.cfg.UDPListenAddr()),
		slog.String("tcp", g.cfg.TCPAddr()))

	return nil
}

// Stop tears the relay down in reverse order of Start. Safe to call more
// than once and before Start.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.running.Store(false)
		close(g.stopCh)

		if g.src != nil {
			g.src.Close()
		}
		if g.egress != nil {
			g.egress.stop()
		}
		if g.health != nil {
			g.health.Stop()
		}
		if g.firewall != nil {
			g.firewall.Teardown(context.Background())
		}

		g.wg.Wait()
		g.logger.Info("gateway stopped")
	})
}

// IsRunning reports whether the gateway is accepting datagrams.
func (g *Gateway) IsRunning() bool {
	return g.running.Load()
}

// Stats implements health.StatsProvider.
func (g *Gateway) Stats() health.Stats {
	st := health.Stats{
		Topology: g.cfg.TCP.Mode,
		Uptime:   time.Since(g.startedAt).Truncate(time.Second).String(),
	}
	if g.src != nil {
		st.DatagramsReceived = g.src.Received()
		st.BytesReceived = g.src.ReceivedBytes()
	}
	if g.egress != nil {
		st.DatagramsForwarded = g.egress.forwarded()
		st.BytesForwarded = g.egress.forwardedBytes()
		st.DatagramsDropped = g.egress.dropped()
	}
	if g.outbound != nil {
		st.Connected = g.outbound.IsConnected()
		st.ConnectionState = g.outbound.State().String()
	}
	if g.fanout != nil {
		st.Clients = g.fanout.ClientCount()
	}
	return st
}

// statsLoop periodically logs a traffic summary.
func (g *Gateway) statsLoop() {
	defer g.wg.Done()
	defer recovery.RecoverWithLog(g.logger, "gateway.statsLoop")

	ticker := time.NewTicker(g.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.logStats()
		}
	}
}

func (g *Gateway) logStats() {
	st := g.Stats()

	attrs := []any{
		slog.Uint64("received", st.DatagramsReceived),
		slog.String("received_bytes", humanize.Bytes(st.BytesReceived)),
		slog.Uint64("forwarded", st.DatagramsForwarded),
		slog.String("forwarded_bytes", humanize.Bytes(st.BytesForwarded)),
		slog.Uint64("dropped", st.DatagramsDropped),
	}
	if g.outbound != nil {
		attrs = append(attrs, slog.String("state", st.ConnectionState))
	}
	if g.fanout != nil {
		attrs = append(attrs, slog.Int(logging.KeyClients, st.Clients))
	}

	g.logger.Info("relay stats", attrs...)
}
