// Package relay implements the TCP forwarding core: a single-goroutine
// readiness loop that pairs each inbound connection with a connection to the
// fixed upstream endpoint and relays bytes between them, rewriting the
// leading request headers of each new client connection.
package relay

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/dialer"
	"forward-proxy-go/internal/metrics"
	"forward-proxy-go/internal/registry"
	"forward-proxy-go/internal/rewrite"
)

// Server owns the listener, the registry and all endpoint I/O. All of that
// state is touched only by the goroutine running Run; the exported stats
// accessors are backed by atomics so the admin server can read them from
// other goroutines.
type Server struct {
	addr     string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	dialer   *dialer.UpstreamDialer
	rewriter *rewrite.Rewriter
	limiter  *rate.Limiter

	reg *registry.Registry
	buf []byte

	tick      time.Duration
	maxErrors int

	pairsLive atomic.Int64
	restarts  atomic.Int64
}

// New creates a Server from the loaded configuration. When server.port is 0,
// an ephemeral port is reserved up front so the listen address stays stable
// across supervisor restarts.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, d *dialer.UpstreamDialer) (*Server, error) {
	port := cfg.Server.Port
	if port == 0 {
		p, err := freePort(cfg.Server.Host)
		if err != nil {
			return nil, fmt.Errorf("reserve ephemeral port: %w", err)
		}
		port = p
	}

	var limiter *rate.Limiter
	if cfg.Server.AcceptLimit.Enabled {
		rps := cfg.Server.AcceptLimit.ConnectionsPerSecond
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
		logger.Info("accept limiter enabled", "connections_per_second", rps)
	}

	return &Server{
		addr:      net.JoinHostPort(cfg.Server.Host, strconv.Itoa(port)),
		logger:    logger.With("component", "relay"),
		metrics:   m,
		dialer:    d,
		rewriter:  rewrite.New(cfg.HeaderOverrides()),
		limiter:   limiter,
		buf:       make([]byte, cfg.Relay.BufferBytes),
		tick:      time.Duration(cfg.Relay.TickDelayMicroseconds) * time.Microsecond,
		maxErrors: cfg.Relay.MaxErrors,
	}, nil
}

// Addr returns the resolved listen address.
func (s *Server) Addr() string { return s.addr }

// Upstream returns the upstream target address.
func (s *Server) Upstream() string { return s.dialer.Addr() }

// LivePairs returns the number of live connection pairs.
func (s *Server) LivePairs() int64 { return s.pairsLive.Load() }

// Restarts returns how many times the loop has been restarted after a fault.
func (s *Server) Restarts() int64 { return s.restarts.Load() }

// shutdown force-closes every live pair and empties the registry. Data in
// flight is dropped, not flushed.
func (s *Server) shutdown() {
	if s.reg == nil {
		return
	}
	for _, ep := range s.reg.Live() {
		if _, _, ok := s.reg.UnregisterPair(ep); !ok {
			// Its partner was torn down earlier in this same pass.
			s.logger.Debug("endpoint already removed during shutdown", "role", ep.Role())
			continue
		}
		s.pairClosed(metrics.CauseShutdown)
	}
}

// rejected records a connection closed before pairing.
func (s *Server) rejected(reason string) {
	if s.metrics != nil {
		s.metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	}
}

// pairClosed updates the live-pair stats after a teardown.
func (s *Server) pairClosed(cause string) {
	s.pairsLive.Add(-1)
	if s.metrics != nil {
		s.metrics.PairsLive.Dec()
		s.metrics.PairsClosed.WithLabelValues(cause).Inc()
	}
}

// freePort reserves an OS-assigned listen port and releases it immediately.
// The port is then reused for every (re)bind of the relay listener. The brief
// window in which another process could grab it is accepted.
func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, err
	}
	return port, nil
}
