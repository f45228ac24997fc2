package studio

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"server/internal/middleware"
	"server/internal/protocol"
)

const testSecret = "conn-test-secret"

func freshToken(t *testing.T) string {
	t.Helper()
	tok, err := middleware.SignToken(testSecret, "user-1", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func expiredToken(t *testing.T) string {
	t.Helper()
	tok, err := middleware.SignToken(testSecret, "user-1", -time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

// gatewayStub is a minimal stand-in for the realtime gateway: it accepts
// upgrades, greets with a connected envelope, answers pings, and records
// everything else per connection.
type gatewayStub struct {
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*websocket.Conn
	msgs      [][]protocol.Envelope
	pings     int
	silent    bool // do not answer pings
	rejectAll bool // close 1008 right after the upgrade
}

func (g *gatewayStub) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, ws)
	g.msgs = append(g.msgs, nil)
	idx := len(g.conns) - 1
	reject := g.rejectAll
	g.mu.Unlock()

	if reject {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"), deadline)
		ws.Close()
		return
	}

	_ = ws.WriteJSON(protocol.Envelope{Type: protocol.TypeConnected})
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		if env.Type == protocol.TypePing {
			g.mu.Lock()
			g.pings++
			silent := g.silent
			g.mu.Unlock()
			if !silent {
				_ = ws.WriteJSON(protocol.Envelope{Type: protocol.TypePong})
			}
			continue
		}
		g.mu.Lock()
		g.msgs[idx] = append(g.msgs[idx], env)
		g.mu.Unlock()
	}
}

func (g *gatewayStub) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *gatewayStub) messages(i int) []protocol.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i >= len(g.msgs) {
		return nil
	}
	return append([]protocol.Envelope(nil), g.msgs[i]...)
}

func (g *gatewayStub) closeConn(i int) {
	g.mu.Lock()
	ws := g.conns[i]
	g.mu.Unlock()
	ws.Close()
}

func startGateway(t *testing.T) (*gatewayStub, string) {
	t.Helper()
	stub := &gatewayStub{}
	srv := httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(srv.Close)
	return stub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConnConfig(endpoint string, creds CredentialStore) ConnConfig {
	return ConnConfig{
		Endpoint:     endpoint,
		Credentials:  creds,
		RetryBackoff: 20 * time.Millisecond,
		MaxRetries:   3,
		Logger:       zerolog.Nop(),
	}
}

func TestConnectRefusesExpiredCredentialLocally(t *testing.T) {
	creds := NewMemoryCredentials(expiredToken(t))
	// The endpoint is unroutable on purpose: an expired credential must be
	// rejected before any network activity.
	conn := NewConn(testConnConfig("ws://127.0.0.1:1/v1/realtime", creds))

	err := conn.Connect()
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("connect returned %v, want ErrTokenExpired", err)
	}
	if st := conn.State(); st != StateAuthExpired {
		t.Fatalf("state = %s, want auth_expired", st)
	}
	if creds.Token() != "" {
		t.Fatal("expired credential was not purged")
	}

	// No reconnection timer may be armed.
	time.Sleep(100 * time.Millisecond)
	if st := conn.State(); st != StateAuthExpired {
		t.Fatalf("state drifted to %s, a retry must not be scheduled", st)
	}
}

func TestConnectAndHeartbeat(t *testing.T) {
	stub, endpoint := startGateway(t)
	cfg := testConnConfig(endpoint, NewMemoryCredentials(freshToken(t)))
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	conn := NewConn(cfg)
	defer conn.Close()

	if err := conn.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connection", conn.IsConnected)
	waitFor(t, "pings", func() bool {
		stub.mu.Lock()
		defer stub.mu.Unlock()
		return stub.pings >= 2
	})
	if !conn.IsConnected() {
		t.Fatal("connection dropped while pongs were flowing")
	}
	if stub.connCount() != 1 {
		t.Fatalf("expected a single connection, got %d", stub.connCount())
	}
}

func TestStaleHeartbeatForcesReconnect(t *testing.T) {
	stub, endpoint := startGateway(t)
	stub.mu.Lock()
	stub.silent = true
	stub.mu.Unlock()

	cfg := testConnConfig(endpoint, NewMemoryCredentials(freshToken(t)))
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 30 * time.Millisecond
	conn := NewConn(cfg)
	defer conn.Close()

	if err := conn.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "watchdog reconnect", func() bool { return stub.connCount() >= 2 })
}

func TestManualCloseDoesNotReconnect(t *testing.T) {
	stub, endpoint := startGateway(t)
	conn := NewConn(testConnConfig(endpoint, NewMemoryCredentials(freshToken(t))))

	if err := conn.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connection", conn.IsConnected)

	conn.Close()
	waitFor(t, "disconnect", func() bool { return !conn.IsConnected() })
	time.Sleep(150 * time.Millisecond)
	if stub.connCount() != 1 {
		t.Fatalf("manual close triggered reconnection, %d connections", stub.connCount())
	}
}

func TestAuthRejectionWithFreshTokenRetriesExactlyOnce(t *testing.T) {
	stub, endpoint := startGateway(t)
	stub.mu.Lock()
	stub.rejectAll = true
	stub.mu.Unlock()

	conn := NewConn(testConnConfig(endpoint, NewMemoryCredentials(freshToken(t))))
	defer conn.Close()

	if err := conn.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "retry attempt", func() bool { return stub.connCount() >= 2 })
	time.Sleep(150 * time.Millisecond)
	if n := stub.connCount(); n != 2 {
		t.Fatalf("fresh-token auth rejection produced %d attempts, want exactly 2", n)
	}
}

func TestRetryBudgetExhaustionGoesUnstable(t *testing.T) {
	creds := NewMemoryCredentials(freshToken(t))
	cfg := testConnConfig("ws://127.0.0.1:1/v1/realtime", creds)
	cfg.MaxRetries = 2
	cfg.RetryBackoff = 10 * time.Millisecond
	conn := NewConn(cfg)
	defer conn.Close()

	if err := conn.Connect(); err == nil {
		t.Fatal("dial to an unroutable endpoint should fail")
	}
	waitFor(t, "unstable state", func() bool { return conn.State() == StateUnstable })
}

func TestReconnectResubscribesLatestResource(t *testing.T) {
	stub, endpoint := startGateway(t)
	creds := NewMemoryCredentials(freshToken(t))

	var tracker *SubscriptionTracker
	cfg := testConnConfig(endpoint, creds)
	// A generous backoff keeps the "navigated while disconnected" window
	// open long enough to be deterministic.
	cfg.RetryBackoff = 150 * time.Millisecond
	cfg.OnConnect = func() { tracker.HandleConnect() }
	conn := NewConn(cfg)
	defer conn.Close()
	tracker = NewSubscriptionTracker(conn, zerolog.Nop())

	if err := conn.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connection", conn.IsConnected)

	tracker.SetViewedResource("img-1")
	waitFor(t, "initial subscribe", func() bool {
		for _, env := range stub.messages(0) {
			if env.Type == protocol.TypeSubscribeGeneration && env.InputImageID == "img-1" {
				return true
			}
		}
		return false
	})

	stub.closeConn(0)
	waitFor(t, "disconnect", func() bool { return !conn.IsConnected() })

	// The user navigated while the socket was down.
	tracker.SetViewedResource("img-2")

	waitFor(t, "reconnect", func() bool { return stub.connCount() >= 2 && conn.IsConnected() })
	waitFor(t, "resubscribe", func() bool { return len(stub.messages(1)) >= 1 })
	time.Sleep(50 * time.Millisecond)

	var subs []string
	for _, env := range stub.messages(1) {
		if env.Type == protocol.TypeSubscribeGeneration {
			subs = append(subs, env.InputImageID)
		}
	}
	if len(subs) != 1 || subs[0] != "img-2" {
		t.Fatalf("reconnect subscriptions = %v, want exactly [img-2]", subs)
	}
}
