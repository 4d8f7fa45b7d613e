package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/dialer"
)

// upstreamHarness is a test upstream that hands accepted connections to the
// test body.
type upstreamHarness struct {
	ln    net.Listener
	conns chan net.Conn
}

func startUpstream(t *testing.T) *upstreamHarness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	h := &upstreamHarness{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			h.conns <- conn
		}
	}()
	return h
}

func (h *upstreamHarness) port() int {
	return h.ln.Addr().(*net.TCPAddr).Port
}

func (h *upstreamHarness) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-h.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no upstream connection within 2s")
		return nil
	}
}

// noAccept asserts that no upstream connection arrives within the window.
func (h *upstreamHarness) noAccept(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case <-h.conns:
		t.Fatal("unexpected upstream connection")
	case <-time.After(window):
	}
}

func testConfig(upstreamPort int) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1"},
		Upstream: config.UpstreamConfig{
			Host:               "127.0.0.1",
			Port:               upstreamPort,
			DialTimeoutSeconds: 2,
		},
		Relay: config.RelayConfig{
			BufferBytes:           4096,
			TickDelayMicroseconds: 100,
			MaxErrors:             3,
		},
	}
}

type testServer struct {
	*Server
	cancel context.CancelFunc
	done   chan struct{}
}

func startServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dialer.NewUpstreamDialer(cfg, logger, nil)
	s, err := New(cfg, logger, nil, d)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{Server: s, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(ts.done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-ts.done
	})
	return ts
}

// dialProxy connects to the relay, retrying until the listener is up.
func dialProxy(t *testing.T, s *testServer) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("tcp", s.Addr())
		if err == nil {
			t.Cleanup(func() { _ = conn.Close() })
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", s.Addr(), err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readExact(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

// expectClosed asserts that the next read observes a closed connection with
// no pending data.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(make([]byte, 1))
	if n != 0 || err == nil {
		t.Fatalf("Read() = (%d, %v), want closed connection with no data", n, err)
	}
}

func TestRelay_RewritesFirstChunk(t *testing.T) {
	h := startUpstream(t)
	cfg := testConfig(h.port())
	cfg.Headers = map[string]string{"Host": "b"}
	s := startServer(t, cfg)

	client := dialProxy(t, s)
	upstream := h.accept(t)

	if _, err := client.Write([]byte("GET /x HTTP/1.1\r\nHost: a\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	want := "GET /x HTTP/1.1\r\nHost: b\r\n\r\n"
	if got := readExact(t, upstream, len(want)); string(got) != want {
		t.Errorf("upstream received %q, want %q", got, want)
	}
}

func TestRelay_AuthHeaderInjected(t *testing.T) {
	h := startUpstream(t)
	cfg := testConfig(h.port())
	cfg.Auth = config.AuthConfig{Username: "user", Password: "pass"}
	s := startServer(t, cfg)

	client := dialProxy(t, s)
	upstream := h.accept(t)

	if _, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	auth := base64.StdEncoding.EncodeToString([]byte("user:pass"))
	want := "GET / HTTP/1.1\r\nHost: a\r\nProxy-Authorization: Basic " + auth + "\r\n\r\n"
	if got := readExact(t, upstream, len(want)); string(got) != want {
		t.Errorf("upstream received %q, want %q", got, want)
	}
}

func TestRelay_NonHTTPPassthrough(t *testing.T) {
	h := startUpstream(t)
	cfg := testConfig(h.port())
	cfg.Headers = map[string]string{"Host": "b"}
	s := startServer(t, cfg)

	client := dialProxy(t, s)
	upstream := h.accept(t)

	first := []byte{0x01, 0x02, 0x03}
	if _, err := client.Write(first); err != nil {
		t.Fatal(err)
	}
	if got := readExact(t, upstream, len(first)); !bytes.Equal(got, first) {
		t.Errorf("upstream received %v, want %v", got, first)
	}

	// The connection is marked processed after its first chunk: later chunks
	// are never rewritten, even HTTP-shaped ones.
	second := "GET / HTTP/1.1\r\n\r\n"
	if _, err := client.Write([]byte(second)); err != nil {
		t.Fatal(err)
	}
	if got := readExact(t, upstream, len(second)); string(got) != second {
		t.Errorf("upstream received %q, want %q unmodified", got, second)
	}
}

func TestRelay_SplitHeaderBlockNotInjected(t *testing.T) {
	h := startUpstream(t)
	cfg := testConfig(h.port())
	cfg.Headers = map[string]string{"Host": "b"}
	s := startServer(t, cfg)

	client := dialProxy(t, s)
	upstream := h.accept(t)

	// The header block's blank-line boundary arrives in the second read, so
	// no injection happens on this connection. Known limitation of the
	// first-chunk-only policy.
	part1 := "GET /x HTTP/1.1\r\nHost: a\r\n"
	if _, err := client.Write([]byte(part1)); err != nil {
		t.Fatal(err)
	}
	if got := readExact(t, upstream, len(part1)); string(got) != part1 {
		t.Errorf("upstream received %q, want %q unmodified", got, part1)
	}

	part2 := "X-More: 1\r\n\r\n"
	if _, err := client.Write([]byte(part2)); err != nil {
		t.Fatal(err)
	}
	if got := readExact(t, upstream, len(part2)); string(got) != part2 {
		t.Errorf("upstream received %q, want %q unmodified", got, part2)
	}
}

func TestRelay_UpstreamToClientNeverRewritten(t *testing.T) {
	h := startUpstream(t)
	cfg := testConfig(h.port())
	cfg.Headers = map[string]string{"Host": "b"}
	s := startServer(t, cfg)

	client := dialProxy(t, s)
	upstream := h.accept(t)

	// Even method-shaped bytes from the upstream side are relayed untouched;
	// rewriting applies only to client-originated first chunks.
	payload := "GET /probe HTTP/1.1\r\nHost: a\r\n\r\n"
	if _, err := upstream.Write([]byte(payload)); err != nil {
		t.Fatal(err)
	}
	if got := readExact(t, client, len(payload)); string(got) != payload {
		t.Errorf("client received %q, want %q unmodified", got, payload)
	}

	// And later upstream data keeps flowing after the initial exchange.
	if _, err := upstream.Write([]byte("more data")); err != nil {
		t.Fatal(err)
	}
	if got := readExact(t, client, len("more data")); string(got) != "more data" {
		t.Errorf("client received %q, want %q", got, "more data")
	}
}

func TestRelay_UpstreamDialFailureClosesClient(t *testing.T) {
	// Reserve a port with no listener behind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadPort := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	s := startServer(t, testConfig(deadPort))

	client := dialProxy(t, s)
	expectClosed(t, client)

	if got := s.LivePairs(); got != 0 {
		t.Errorf("LivePairs() = %d, want 0", got)
	}
}

func TestRelay_PairIsolation(t *testing.T) {
	h := startUpstream(t)
	s := startServer(t, testConfig(h.port()))

	clientA := dialProxy(t, s)
	upstreamA := h.accept(t)
	clientB := dialProxy(t, s)
	upstreamB := h.accept(t)

	// Tear down pair A by closing its client side.
	_ = clientA.Close()
	expectClosed(t, upstreamA)

	// Pair B is unaffected in both directions.
	if _, err := clientB.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if got := readExact(t, upstreamB, 4); string(got) != "ping" {
		t.Errorf("upstream B received %q, want %q", got, "ping")
	}
	if _, err := upstreamB.Write([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	if got := readExact(t, clientB, 4); string(got) != "pong" {
		t.Errorf("client B received %q, want %q", got, "pong")
	}
}

func TestRelay_CancelDropsLivePairs(t *testing.T) {
	h := startUpstream(t)
	s := startServer(t, testConfig(h.port()))

	client := dialProxy(t, s)
	upstream := h.accept(t)

	if _, err := client.Write([]byte("hold")); err != nil {
		t.Fatal(err)
	}
	if got := readExact(t, upstream, 4); string(got) != "hold" {
		t.Fatalf("upstream received %q, want %q", got, "hold")
	}

	s.cancel()
	<-s.done

	expectClosed(t, client)
	expectClosed(t, upstream)
	if got := s.LivePairs(); got != 0 {
		t.Errorf("LivePairs() = %d, want 0", got)
	}
}

func TestRelay_AcceptRateLimit(t *testing.T) {
	h := startUpstream(t)
	cfg := testConfig(h.port())
	cfg.Server.AcceptLimit = config.AcceptLimitConfig{
		Enabled:              true,
		ConnectionsPerSecond: 1,
	}
	s := startServer(t, cfg)

	clientA := dialProxy(t, s)
	h.accept(t)

	// The second connection in the same second is dropped without pairing.
	clientB := dialProxy(t, s)
	expectClosed(t, clientB)
	h.noAccept(t, 300*time.Millisecond)

	// The first pair keeps working.
	if _, err := clientA.Write([]byte("still here")); err != nil {
		t.Fatal(err)
	}
}

func TestRun_ListenFailureExhaustsBudget(t *testing.T) {
	// Occupy the port so every listen attempt faults.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	cfg := testConfig(1)
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	cfg.Relay.MaxErrors = 2

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dialer.NewUpstreamDialer(cfg, logger, nil)
	s, err := New(cfg, logger, nil, d)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	runErr := s.Run(context.Background())
	if runErr == nil || !strings.Contains(runErr.Error(), "giving up") {
		t.Fatalf("Run() error = %v, want exhausted-budget error", runErr)
	}
	if got := s.Restarts(); got != 1 {
		t.Errorf("Restarts() = %d, want 1", got)
	}
}
