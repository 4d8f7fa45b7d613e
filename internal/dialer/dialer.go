// Package dialer opens upstream connections for newly accepted clients.
package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/metrics"
)

// UpstreamDialer dials the fixed upstream endpoint.
type UpstreamDialer struct {
	addr    string
	dialer  net.Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewUpstreamDialer creates an UpstreamDialer with a bounded dial timeout.
// The metrics parameter is optional; pass nil to disable dial metrics.
func NewUpstreamDialer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamDialer {
	return &UpstreamDialer{
		addr: cfg.Upstream.Addr(),
		dialer: net.Dialer{
			Timeout:   time.Duration(cfg.Upstream.DialTimeoutSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		},
		logger:  logger.With("component", "upstream_dialer"),
		metrics: m,
	}
}

// Dial opens a new connection to the upstream endpoint. Failures are
// connection-scoped: the caller closes the client side and carries on.
func (d *UpstreamDialer) Dial(ctx context.Context) (net.Conn, error) {
	start := time.Now()
	conn, err := d.dialer.DialContext(ctx, "tcp", d.addr)
	duration := time.Since(start).Seconds()

	if d.metrics != nil {
		d.metrics.DialDuration.Observe(duration)
	}

	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", d.addr, err)
	}

	d.logger.Debug("upstream connected",
		"addr", d.addr,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return conn, nil
}

// Addr returns the upstream target address.
func (d *UpstreamDialer) Addr() string { return d.addr }
