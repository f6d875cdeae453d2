// Package gateway exposes the websocket endpoint clients connect to for
// realtime bin updates. Connections authenticate during the HTTP upgrade via
// a token query parameter; authenticated sockets are registered with the
// connection registry so the relay can reach them.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/binwatch/binwatch/pkg/auth"
	"github.com/binwatch/binwatch/pkg/log"
	"github.com/binwatch/binwatch/pkg/realtime"
)

// Gateway upgrades authenticated websocket connections and serves the
// ping/pong and subscription handshake. It logs aggregate connection counts
// at a fixed interval while started.
type Gateway struct {
	registry *realtime.Registry
	verifier *auth.Verifier
	upgrader websocket.Upgrader
	logger   *log.Logger

	statsInterval time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(registry *realtime.Registry, verifier *auth.Verifier, statsInterval time.Duration) *Gateway {
	return &Gateway{
		registry: registry,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		statsInterval: statsInterval,
		logger:        log.ForComponent("gateway"),
	}
}

// Start launches the periodic connection-count logging.
func (g *Gateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopCh != nil || g.statsInterval <= 0 {
		return
	}
	g.stopCh = make(chan struct{})

	g.wg.Add(1)
	go g.statsLoop(g.stopCh)
}

func (g *Gateway) statsLoop(stopCh chan struct{}) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			g.logger.Infof("realtime stats: %d user(s), %d connection(s)",
				g.registry.CountUsers(), g.registry.CountConnections())
		}
	}
}

// Stop halts the stats loop. Open connections are not torn down here; they
// close when their sockets do.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopCh == nil {
		g.mu.Unlock()
		return
	}
	close(g.stopCh)
	g.stopCh = nil
	g.mu.Unlock()

	g.wg.Wait()
}

// wsConn serializes writes to a gorilla websocket connection.
type wsConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// HandleWebSocket authenticates and upgrades a websocket request. Requests
// with a missing, invalid or expired token are rejected before the upgrade
// completes.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		g.logger.Warnf("websocket request without token from %s", r.RemoteAddr)
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	subject, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Warnf("rejecting websocket from %s: %v", r.RemoteAddr, err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = subject
	}
	if userID != subject {
		g.logger.Warnf("rejecting websocket from %s: userId %s does not match token subject", r.RemoteAddr, userID)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	ws := &wsConn{id: uuid.New().String(), conn: conn}
	g.registry.Add(userID, ws)
	g.logger.Infof("user %s connected (connection %s)", userID, ws.id)

	g.sendFrame(ws, userID, realtime.Frame{
		Type:    realtime.TypeConnectionEstablished,
		Message: "Connected to realtime updates",
		UserID:  userID,
	})

	go g.readLoop(ws, userID)
}

func (g *Gateway) readLoop(ws *wsConn, userID string) {
	defer func() {
		g.registry.Remove(userID, ws)
		if err := ws.Close(); err != nil {
			g.logger.Debugf("closing connection %s: %v", ws.id, err)
		}
		g.logger.Infof("user %s disconnected (connection %s)", userID, ws.id)
	}()

	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warnf("connection %s read error: %v", ws.id, err)
			}
			return
		}

		var frame realtime.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.logger.Debugf("connection %s sent malformed frame: %v", ws.id, err)
			continue
		}

		switch frame.Type {
		case realtime.TypePing:
			g.sendFrame(ws, userID, realtime.Frame{
				Type:      realtime.TypePong,
				Timestamp: time.Now().UnixMilli(),
			})
		case realtime.TypeSubscribeBins:
			g.sendFrame(ws, userID, realtime.Frame{
				Type:    realtime.TypeSubscribed,
				Topic:   "bins",
				Message: "Subscribed to bin updates",
			})
		case "":
			// Frames without a type are ignored.
		default:
			g.logger.Debugf("connection %s sent unknown frame type %q", ws.id, frame.Type)
		}
	}
}

func (g *Gateway) sendFrame(ws *wsConn, userID string, frame realtime.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		g.logger.Errorf("marshaling %s frame: %v", frame.Type, err)
		return
	}
	if err := ws.Send(data); err != nil {
		g.logger.Warnf("sending %s to user %s failed: %v", frame.Type, userID, err)
	}
}
