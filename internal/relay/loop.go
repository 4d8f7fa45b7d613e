package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"forward-proxy-go/internal/metrics"
	"forward-proxy-go/internal/registry"
)

// pollTimeout bounds each readiness probe. A handle that produces nothing
// within this window is treated as not ready for this cycle. The value must
// be positive: a deadline in the past would fail the read before the kernel
// buffer is even consulted.
const pollTimeout = time.Millisecond

// runLoop binds the listener, then drives readiness cycles until a fault
// escapes or the context is canceled. Each invocation starts from fresh loop
// state; the previous run's pairs have already been torn down by shutdown.
func (s *Server) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("relay loop panic: %v", r)
		}
	}()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	defer func() { _ = ln.Close() }()

	s.reg = registry.New()
	s.logger.Info("listening", "addr", s.addr, "upstream", s.dialer.Addr())

	tcpLn := ln.(*net.TCPListener)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(s.tick)
		if err := s.dispatch(ctx, tcpLn); err != nil {
			return err
		}
	}
}

// dispatch runs one readiness cycle: first the listening socket, then every
// endpoint in the current snapshot. The cycle ends early after any structural
// change to the live set so the next cycle iterates a fresh snapshot instead
// of stale entries.
func (s *Server) dispatch(ctx context.Context, ln *net.TCPListener) error {
	mutated, err := s.pollAccept(ctx, ln)
	if err != nil || mutated {
		return err
	}
	for _, ep := range s.reg.Live() {
		mutated, err := s.pollEndpoint(ep)
		if err != nil || mutated {
			return err
		}
	}
	return nil
}

// pollAccept probes the listening socket for a pending connection.
func (s *Server) pollAccept(ctx context.Context, ln *net.TCPListener) (bool, error) {
	if err := ln.SetDeadline(time.Now().Add(pollTimeout)); err != nil {
		return false, fmt.Errorf("arm listener probe: %w", err)
	}
	conn, err := ln.Accept()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil // nothing pending
		}
		return false, fmt.Errorf("accept: %w", err)
	}
	return s.onAccept(ctx, conn)
}

// onAccept pairs a just-accepted client connection with a new upstream
// connection. Failure to reach the upstream is connection-scoped: the client
// is closed and no pair is registered.
func (s *Server) onAccept(ctx context.Context, clientConn net.Conn) (bool, error) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Warn("accept rate exceeded, dropping connection", "client", clientConn.RemoteAddr())
		s.rejected(metrics.ReasonRateLimited)
		_ = clientConn.Close()
		return false, nil
	}

	upstreamConn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.logger.Warn("cannot reach upstream, closing client",
			"client", clientConn.RemoteAddr(),
			"err", err,
		)
		s.rejected(metrics.ReasonUpstreamDial)
		_ = clientConn.Close()
		return false, nil
	}

	client := registry.NewEndpoint(clientConn, registry.RoleClient)
	upstream := registry.NewEndpoint(upstreamConn, registry.RoleUpstream)
	// Rewriting applies only to client-originated first chunks; upstream
	// responses are relayed unexamined from the start.
	upstream.MarkRewriteDone()

	if err := s.reg.RegisterPair(client, upstream); err != nil {
		_ = client.Close()
		_ = upstream.Close()
		return false, err
	}

	s.pairsLive.Add(1)
	if s.metrics != nil {
		s.metrics.ConnectionsAccepted.Inc()
		s.metrics.PairsLive.Inc()
	}
	s.logger.Debug("client connected", "client", clientConn.RemoteAddr())
	return true, nil
}

// pollEndpoint probes one endpoint for readable data. Pair-scoped failures
// (EOF, reset, any read/write error) tear the pair down and never surface as
// loop errors.
func (s *Server) pollEndpoint(ep *registry.Endpoint) (bool, error) {
	conn := ep.Conn()
	if err := conn.SetReadDeadline(time.Now().Add(pollTimeout)); err != nil {
		s.teardown(ep, metrics.CauseIOError, err)
		return true, nil
	}

	peer, ok := s.reg.PeerOf(ep)
	if !ok {
		return false, fmt.Errorf("endpoint %v has no registered peer", ep.RemoteAddr())
	}

	n, err := conn.Read(s.buf)
	if n > 0 {
		if werr := s.forward(ep, peer, s.buf[:n]); werr != nil {
			s.teardown(ep, metrics.CauseIOError, werr)
			return true, nil
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil // not ready this cycle
		}
		if errors.Is(err, io.EOF) {
			s.teardown(ep, metrics.CauseEOF, nil)
		} else {
			s.teardown(ep, metrics.CauseIOError, err)
		}
		return true, nil
	}
	return false, nil
}

// forward sends data read from ep to its peer, running the header rewrite on
// a client endpoint's first chunk. The write blocks until the peer's socket
// accepts the bytes; a full peer buffer therefore stalls the whole loop. That
// is a documented limitation of this design, there is no internal queueing of
// unsent data.
func (s *Server) forward(ep, peer *registry.Endpoint, data []byte) error {
	if !ep.RewriteDone() {
		rewritten, injected := s.rewriter.Apply(data)
		ep.MarkRewriteDone()
		data = rewritten
		if s.metrics != nil {
			outcome := metrics.OutcomePassthrough
			if injected {
				outcome = metrics.OutcomeRewritten
			}
			s.metrics.Rewrites.WithLabelValues(outcome).Inc()
		}
	}

	if _, err := peer.Conn().Write(data); err != nil {
		return fmt.Errorf("write to %s: %w", peer.Role(), err)
	}

	if s.metrics != nil {
		direction := metrics.DirectionUpstreamToClient
		if ep.Role() == registry.RoleClient {
			direction = metrics.DirectionClientToUpstream
		}
		s.metrics.BytesForwarded.WithLabelValues(direction).Add(float64(len(data)))
	}
	return nil
}

// teardown removes the pair from the registry and closes both sides.
func (s *Server) teardown(ep *registry.Endpoint, cause string, err error) {
	removed, peer, ok := s.reg.UnregisterPair(ep)
	if !ok {
		return
	}
	s.pairClosed(cause)
	s.logger.Debug("pair closed",
		"cause", cause,
		"role", removed.Role(),
		"peer_role", peer.Role(),
		"err", err,
	)
}
