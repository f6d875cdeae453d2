// Package client implements the realtime transport used by the watch command:
// an authenticated websocket connection with heartbeats, typed frame dispatch
// and exponential-backoff reconnection.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/binwatch/binwatch/pkg/log"
	"github.com/binwatch/binwatch/pkg/realtime"
)

var (
	// ErrNeedsLogin is returned when no credentials are stored or the server
	// rejected the stored token.
	ErrNeedsLogin = errors.New("login required")
	// ErrGaveUp is returned once the reconnect attempt budget is exhausted.
	ErrGaveUp = errors.New("gave up reconnecting")
)

// State is the connection state of the transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnectWait
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnectWait:
		return "reconnect-wait"
	case StateGaveUp:
		return "gave-up"
	default:
		return "unknown"
	}
}

// Options configures a Transport. Zero durations and counts fall back to the
// defaults noted per field.
type Options struct {
	// ServerURL is the base URL of the server (http://, https://, ws:// or wss://).
	ServerURL   string
	Credentials CredentialStore

	HeartbeatInterval    time.Duration // default 30s
	ConnectTimeout       time.Duration // default 10s
	InitialBackoff       time.Duration // default 1s
	MaxBackoff           time.Duration // default 30s
	MaxReconnectAttempts int           // default 5

	// OnStateChange, if set, is invoked on every state transition. It must
	// not call back into the transport.
	OnStateChange func(State)
	// OnNeedsLogin, if set, is invoked when the server invalidates the
	// stored credentials.
	OnNeedsLogin func()
}

// Transport maintains the websocket connection to the gateway. Connect is
// idempotent; a lost connection is re-established automatically with
// exponential backoff until the attempt budget runs out.
type Transport struct {
	serverURL      string
	creds          CredentialStore
	heartbeat      time.Duration
	connectTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxAttempts    int
	onStateChange  func(State)
	onNeedsLogin   func()
	logger         *log.Logger

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	stopHeartbeat  chan struct{}
	reconnectTimer *time.Timer
	attempt        int
	intentional    bool
	subs           map[string][]*Subscription

	writeMu sync.Mutex
}

func NewTransport(opts Options) *Transport {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}

	return &Transport{
		serverURL:      opts.ServerURL,
		creds:          opts.Credentials,
		heartbeat:      opts.HeartbeatInterval,
		connectTimeout: opts.ConnectTimeout,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		maxAttempts:    opts.MaxReconnectAttempts,
		onStateChange:  opts.OnStateChange,
		onNeedsLogin:   opts.OnNeedsLogin,
		logger:         log.ForComponent("transport"),
		subs:           make(map[string][]*Subscription),
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscription is a handle to a registered frame listener. Cancel stops
// delivery; canceling twice is a no-op.
type Subscription struct {
	t         *Transport
	frameType string
	fn        func(realtime.Frame)
}

// On registers fn for frames of the given type. Listeners run on the read
// goroutine; a panic in one listener is recovered and does not affect the
// others.
func (t *Transport) On(frameType string, fn func(realtime.Frame)) *Subscription {
	sub := &Subscription{t: t, frameType: frameType, fn: fn}
	t.mu.Lock()
	t.subs[frameType] = append(t.subs[frameType], sub)
	t.mu.Unlock()
	return sub
}

func (s *Subscription) Cancel() {
	t := s.t
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.subs[s.frameType]
	for i, existing := range list {
		if existing == s {
			t.subs[s.frameType] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.subs[s.frameType]) == 0 {
		delete(t.subs, s.frameType)
	}
}

// Connect establishes the websocket connection. Calling it while a connection
// attempt is in flight or the connection is open is a no-op. Missing or
// rejected credentials surface as ErrNeedsLogin; other failures schedule a
// reconnect and return the underlying error.
func (t *Transport) Connect() error {
	t.mu.Lock()
	if t.state == StateConnecting || t.state == StateOpen {
		t.mu.Unlock()
		return nil
	}
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}

	creds, err := t.creds.Load()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("loading credentials: %w", err)
	}
	if creds == nil {
		t.state = StateDisconnected
		t.mu.Unlock()
		return ErrNeedsLogin
	}

	t.intentional = false
	t.state = StateConnecting
	t.mu.Unlock()
	t.notifyState(StateConnecting)

	endpoint, err := t.endpoint(creds)
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		t.notifyState(StateDisconnected)
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.connectTimeout}
	conn, resp, err := dialer.Dial(endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			t.logger.Warnf("server rejected stored token, clearing credentials")
			t.handleAuthFailure()
			return ErrNeedsLogin
		}
		return t.connectionFailed(err)
	}

	t.mu.Lock()
	if t.intentional {
		// Disconnect ran while the dial was in flight: drop the fresh
		// connection, nothing may start after Disconnect has returned.
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	t.conn = conn
	t.attempt = 0
	t.stopHeartbeat = make(chan struct{})
	stopHB := t.stopHeartbeat
	t.state = StateOpen
	t.mu.Unlock()
	t.notifyState(StateOpen)
	t.logger.Infof("connected to %s", t.serverURL)

	t.sendFrame(realtime.Frame{Type: realtime.TypeSubscribeBins})

	go t.readLoop(conn)
	go t.heartbeatLoop(stopHB)
	return nil
}

// Disconnect closes the connection with a normal closure and cancels any
// pending heartbeat and reconnect timers. It is safe to call in any state.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.intentional = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	if t.stopHeartbeat != nil {
		close(t.stopHeartbeat)
		t.stopHeartbeat = nil
	}
	conn := t.conn
	t.conn = nil
	t.attempt = 0
	changed := t.state != StateDisconnected
	t.state = StateDisconnected
	t.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		if err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
			t.logger.Debugf("sending close frame: %v", err)
		}
		conn.Close()
	}
	if changed {
		t.notifyState(StateDisconnected)
	}
}

// Resume re-triggers Connect unless a connection is already open or in
// flight. It resets the reconnect attempt budget, so it also recovers a
// transport that previously gave up.
func (t *Transport) Resume() error {
	t.mu.Lock()
	if t.state == StateOpen || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.attempt = 0
	t.state = StateDisconnected
	t.mu.Unlock()

	return t.Connect()
}

func (t *Transport) endpoint(creds *Credentials) (string, error) {
	u, err := url.Parse(t.serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	q := url.Values{}
	q.Set("token", creds.Token)
	q.Set("userId", creds.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// backoffDelay returns the wait before the given 1-based reconnect attempt:
// the initial delay doubled per attempt, capped at the maximum.
func (t *Transport) backoffDelay(attempt int) time.Duration {
	delay := t.initialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= t.maxBackoff {
			return t.maxBackoff
		}
	}
	if delay > t.maxBackoff {
		return t.maxBackoff
	}
	return delay
}

// connectionFailed schedules a reconnect for a failed attempt, or gives up
// once the budget is spent.
func (t *Transport) connectionFailed(cause error) error {
	t.mu.Lock()
	if t.intentional {
		t.state = StateDisconnected
		t.mu.Unlock()
		t.notifyState(StateDisconnected)
		return cause
	}
	if t.attempt >= t.maxAttempts {
		t.state = StateGaveUp
		t.mu.Unlock()
		t.notifyState(StateGaveUp)
		t.logger.Errorf("giving up after %d reconnect attempts: %v", t.maxAttempts, cause)
		return ErrGaveUp
	}
	t.attempt++
	delay := t.backoffDelay(t.attempt)
	t.state = StateReconnectWait
	t.reconnectTimer = time.AfterFunc(delay, func() {
		if err := t.Connect(); err != nil && !errors.Is(err, ErrGaveUp) {
			t.logger.Warnf("reconnect attempt failed: %v", err)
		}
	})
	attempt := t.attempt
	t.mu.Unlock()
	t.notifyState(StateReconnectWait)
	t.logger.Warnf("connection failed, retrying in %s (attempt %d/%d): %v",
		delay, attempt, t.maxAttempts, cause)
	return cause
}

// handleAuthFailure tears the connection down, clears the stored credentials
// and signals that a fresh login is required. No reconnect is scheduled.
func (t *Transport) handleAuthFailure() {
	t.mu.Lock()
	if t.stopHeartbeat != nil {
		close(t.stopHeartbeat)
		t.stopHeartbeat = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.attempt = 0
	t.state = StateDisconnected
	t.mu.Unlock()

	if err := t.creds.Clear(); err != nil {
		t.logger.Warnf("clearing credentials: %v", err)
	}
	t.notifyState(StateDisconnected)
	if t.onNeedsLogin != nil {
		t.onNeedsLogin()
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleReadError(conn, err)
			return
		}

		var frame realtime.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.logger.Debugf("ignoring malformed frame: %v", err)
			continue
		}
		if frame.Type == "" {
			continue
		}
		t.dispatch(frame)
	}
}

func (t *Transport) handleReadError(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.intentional || t.conn != conn {
		t.mu.Unlock()
		return
	}
	if t.stopHeartbeat != nil {
		close(t.stopHeartbeat)
		t.stopHeartbeat = nil
	}
	t.conn = nil
	t.mu.Unlock()
	conn.Close()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.ClosePolicyViolation ||
			strings.Contains(closeErr.Text, "Invalid token") {
			t.logger.Warnf("server invalidated the session: %v", closeErr)
			t.handleAuthFailure()
			return
		}
		if closeErr.Code == websocket.CloseNormalClosure {
			t.mu.Lock()
			t.state = StateDisconnected
			t.mu.Unlock()
			t.notifyState(StateDisconnected)
			return
		}
	}

	t.mu.Lock()
	t.state = StateDisconnected
	t.mu.Unlock()
	t.connectionFailed(err)
}

func (t *Transport) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.sendFrame(realtime.Frame{
				Type:      realtime.TypePing,
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}

func (t *Transport) sendFrame(frame realtime.Frame) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		t.logger.Errorf("marshaling %s frame: %v", frame.Type, err)
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.logger.Debugf("sending %s frame: %v", frame.Type, err)
	}
}

func (t *Transport) dispatch(frame realtime.Frame) {
	t.mu.Lock()
	listeners := make([]*Subscription, len(t.subs[frame.Type]))
	copy(listeners, t.subs[frame.Type])
	t.mu.Unlock()

	for _, sub := range listeners {
		t.invoke(sub, frame)
	}
}

func (t *Transport) invoke(sub *Subscription, frame realtime.Frame) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Errorf("listener for %s frames panicked: %v", frame.Type, r)
		}
	}()
	sub.fn(frame)
}

func (t *Transport) notifyState(s State) {
	if t.onStateChange != nil {
		t.onStateChange(s)
	}
}
