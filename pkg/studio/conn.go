package studio

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"server/internal/protocol"
)

// ConnState is the externally observable lifecycle of a Conn.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	// StateUnstable means the retry budget is exhausted; the caller should
	// surface a persistent connection indicator instead of failing silently.
	StateUnstable
	// StateAuthExpired means the credential is expired; no retry can succeed
	// until a fresh token is stored and Connect is called again.
	StateAuthExpired
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUnstable:
		return "unstable"
	case StateAuthExpired:
		return "auth_expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotConnected = errors.New("studio: not connected")
	ErrTokenExpired = errors.New("studio: credential expired")
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatTimeout  = 30 * time.Second
	defaultRetryBackoff      = 3 * time.Second
	defaultMaxRetries        = 3
)

// ConnConfig tunes the connection manager. Zero values fall back to the
// production defaults above.
type ConnConfig struct {
	Endpoint          string // ws:// or wss:// URL of the realtime gateway
	Credentials       CredentialStore
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RetryBackoff      time.Duration
	MaxRetries        int
	Logger            zerolog.Logger

	// OnConnect fires from the read loop's goroutine after every successful
	// handshake, including reconnects. OnMessage receives every non-pong
	// envelope. OnStateChange observes lifecycle transitions.
	OnConnect     func()
	OnMessage     func(protocol.Envelope)
	OnStateChange func(ConnState)
}

// Conn maintains at most one live, authenticated socket and recovers from
// abnormal closure with a bounded, fixed-backoff retry policy. All exported
// methods are safe for concurrent use.
type Conn struct {
	cfg    ConnConfig
	dialer *websocket.Dialer
	log    zerolog.Logger

	// writeMu serializes frame writes; the transport forbids concurrent
	// writers and both Send and the heartbeat goroutine produce frames.
	writeMu sync.Mutex

	mu             sync.Mutex
	ws             *websocket.Conn
	state          ConnState
	retryAttempt   int
	authRetried    bool
	manualClose    bool
	localCloseCode int
	lastPong       time.Time
	heartbeatStop  chan struct{}
	retryTimer     *time.Timer
}

func NewConn(cfg ConnConfig) *Conn {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Credentials == nil {
		cfg.Credentials = NewMemoryCredentials("")
	}
	return &Conn{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    cfg.Logger.With().Str("component", "studio.conn").Logger(),
	}
}

// Connect opens the socket with the credential embedded in the URI. It is a
// no-op when a connection is already open or an attempt is in flight. An
// expired cached credential is rejected locally without touching the network
// and without scheduling any retry.
func (c *Conn) Connect() error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	token := c.cfg.Credentials.Token()
	if TokenExpired(token) {
		c.cfg.Credentials.Purge()
		c.setStateLocked(StateAuthExpired)
		c.mu.Unlock()
		return ErrTokenExpired
	}
	c.manualClose = false
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	ws, _, err := c.dialer.Dial(c.endpointWithToken(token), nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("dial failed")
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.scheduleRetryLocked()
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.manualClose {
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.ws = ws
	c.retryAttempt = 0
	c.localCloseCode = 0
	c.lastPong = time.Now()
	c.heartbeatStop = make(chan struct{})
	c.setStateLocked(StateConnected)
	stop := c.heartbeatStop
	c.mu.Unlock()

	go c.heartbeat(ws, stop)
	go c.readPump(ws)
	return nil
}

func (c *Conn) endpointWithToken(token string) string {
	return c.cfg.Endpoint + "?token=" + url.QueryEscape(token)
}

// Send writes an envelope if the socket is open. Delivery is fire-and-forget:
// callers must be prepared for loss and re-drive critical intent through
// resubscription on reconnect.
func (c *Conn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || ws == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(env)
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the socket is open and authenticated.
func (c *Conn) IsConnected() bool {
	return c.State() == StateConnected
}

// Close shuts the connection down manually. A manual close never triggers a
// reconnect; Connect may be called again later.
func (c *Conn) Close() {
	c.mu.Lock()
	c.manualClose = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), deadline)
		ws.Close()
	}
}

func (c *Conn) readPump(ws *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			c.handleDisconnect(ws, err)
			return
		}
		if env.Type == protocol.TypePong {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
			continue
		}
		if env.Type == protocol.TypeConnected {
			// The gateway only sends this after accepting the credential, so
			// the one-shot auth retry is re-armed here rather than on dial.
			c.mu.Lock()
			c.authRetried = false
			c.mu.Unlock()
			if c.cfg.OnConnect != nil {
				c.cfg.OnConnect()
			}
			continue
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(env)
		}
	}
}

// heartbeat pings on a fixed cadence and force-closes the socket with a
// private close code when no pong has been observed inside the timeout
// window, catching silently-dead connections the transport never reports.
func (c *Conn) heartbeat(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		if c.ws != ws {
			c.mu.Unlock()
			return
		}
		stale := time.Since(c.lastPong) > c.cfg.HeartbeatTimeout
		if stale {
			c.localCloseCode = protocol.CloseStaleConnection
		}
		c.mu.Unlock()
		if stale {
			c.log.Warn().Msg("heartbeat timed out, forcing reconnect")
			ws.Close()
			return
		}
		ping := protocol.Envelope{Type: protocol.TypePing, Timestamp: time.Now().UTC().Format(time.RFC3339)}
		c.writeMu.Lock()
		err := ws.WriteJSON(ping)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *Conn) handleDisconnect(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}

	code := c.localCloseCode
	c.localCloseCode = 0
	reason := ""
	if code == 0 {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			code = ce.Code
			reason = ce.Text
		} else {
			code = websocket.CloseAbnormalClosure
		}
	}

	switch {
	case c.manualClose || code == websocket.CloseNormalClosure:
		c.setStateLocked(StateDisconnected)
	case code == websocket.ClosePolicyViolation:
		c.handleAuthRejectionLocked(reason)
	default:
		c.setStateLocked(StateDisconnected)
		c.scheduleRetryLocked()
	}
	c.mu.Unlock()
}

// handleAuthRejectionLocked implements the 1008 policy: if the cached token is
// itself expired nothing can succeed, so purge it and stop; otherwise the
// token may have been refreshed out-of-band, so allow exactly one more
// attempt.
func (c *Conn) handleAuthRejectionLocked(reason string) {
	if TokenExpired(c.cfg.Credentials.Token()) {
		c.log.Warn().Str("reason", reason).Msg("auth rejected with expired credential, giving up")
		c.cfg.Credentials.Purge()
		c.setStateLocked(StateAuthExpired)
		return
	}
	if c.authRetried {
		c.log.Warn().Str("reason", reason).Msg("auth rejected twice, giving up")
		c.setStateLocked(StateDisconnected)
		return
	}
	c.authRetried = true
	c.setStateLocked(StateDisconnected)
	c.armRetryLocked()
}

func (c *Conn) scheduleRetryLocked() {
	if c.retryAttempt >= c.cfg.MaxRetries {
		c.log.Warn().Int("attempts", c.retryAttempt).Msg("retry budget exhausted")
		c.setStateLocked(StateUnstable)
		return
	}
	c.retryAttempt++
	c.armRetryLocked()
}

func (c *Conn) armRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(c.cfg.RetryBackoff, func() {
		if err := c.Connect(); err != nil && !errors.Is(err, ErrTokenExpired) {
			c.log.Debug().Err(err).Msg("reconnect attempt failed")
		}
	})
}

func (c *Conn) setStateLocked(st ConnState) {
	if c.state == st {
		return
	}
	c.state = st
	if c.cfg.OnStateChange != nil {
		go c.cfg.OnStateChange(st)
	}
}
