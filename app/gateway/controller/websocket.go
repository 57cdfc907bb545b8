package controller

import (
	"context"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tollgate-video/tollgate/app/gateway/hub"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to the player origins once they are configurable
		return true
	},
}

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
)

// ClientMessage represents messages sent by WebSocket clients.
type ClientMessage struct {
	Type     string   `json:"type"` // "start", "heartbeat" or "end"
	VideoID  string   `json:"videoId"`
	Position *float64 `json:"position,omitempty"`
}

// Server frame types not produced by the billing core.
const (
	TypeSessionStarted = "session.started"
	TypeHeartbeatAck   = "heartbeat.ack"
	TypeSessionEnded   = "session.ended"
	TypeError          = "error"
)

// HandleWebSocket runs the session protocol for one authenticated connection.
//
// Client sends:
// - {"type": "start", "videoId": "v1"}
// - {"type": "heartbeat", "videoId": "v1", "position": 12.5}
// - {"type": "end"}
//
// Server sends:
// - {"type": "session.started", "payload": {...}}
// - {"type": "heartbeat.ack", "payload": {...}}
// - {"type": "session.ended", "payload": {...}}
// - {"type": "balance.updated" | "settlement.completed", "payload": {...}} pushed by billing
// - {"type": "error", "payload": {"message": "..."}}
//
// Closing a connection that started or kept a session alive ends that session.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearer(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID, ok := c.UserID(token)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func(conn *websocket.Conn) {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}(conn)

	logger := c.App.Logger.With(zap.String("user_id", userID), zap.String("remote_addr", r.RemoteAddr))
	logger.Info("WebSocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := c.App.Hub.Register(userID)
	defer c.App.Hub.Unregister(userID, sub)

	send := make(chan hub.Message, 256)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Panic in ping ticker goroutine",
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())))
				cancel()
			}
		}()
		c.sendPings(ctx, conn, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Panic in message writer goroutine",
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())))
				cancel()
			}
		}()
		c.writeMessages(ctx, cancel, conn, send, sub.C(), logger)
	}()

	owns := c.readClientMessages(ctx, conn, cancel, userID, send, logger)

	cancel()
	wg.Wait()

	if owns {
		c.teardown(userID, logger)
	}
	logger.Info("WebSocket client disconnected")
}

// teardown ends the connection's session within the teardown timeout. A settlement still running
// after that keeps going in the background; anything it leaves behind is reclaimed by the reaper.
func (c *Controller) teardown(userID string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), c.App.Config.TeardownTimeout)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		_, err := c.App.Service.EndSession(ctx, userID)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Warn("Ending session on disconnect failed, leaving it to the reaper", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Warn("Ending session on disconnect timed out, leaving it to the reaper",
			zap.Duration("timeout", c.App.Config.TeardownTimeout))
	}
}

// sendPings sends periodic WebSocket ping frames to keep the connection alive.
// The client will automatically respond with pong frames, which resets the read deadline.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn, logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// writeMessages is the only writer of data frames: replies from the reader and events from the hub.
func (c *Controller) writeMessages(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, send <-chan hub.Message, events <-chan hub.Message, logger *zap.Logger) {
	for {
		var msg hub.Message
		select {
		case <-ctx.Done():
			return
		case msg = <-send:
		case msg = <-events:
		}
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug("Failed to write WebSocket message", zap.Error(err))
			cancel()
			return
		}
	}
}

// readClientMessages handles protocol messages until the connection closes and reports whether
// the connection still owns a session at that point.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, userID string, send chan<- hub.Message, logger *zap.Logger) (owns bool) {
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		logger.Error("Failed to set read deadline", zap.Error(err))
		return false
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	reply := func(msg hub.Message) bool {
		select {
		case send <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(message string) bool {
		return reply(hub.Message{Type: TypeError, Payload: map[string]string{"message": message}})
	}

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket read error", zap.Error(err))
			}
			cancel()
			return owns
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			logger.Error("Failed to reset read deadline", zap.Error(err))
			cancel()
			return owns
		}

		var ok bool
		switch msg.Type {
		case "start":
			if msg.VideoID == "" {
				ok = fail("videoId is required")
				break
			}
			res, err := c.App.Service.StartSession(ctx, userID, msg.VideoID)
			if err != nil {
				ok = fail(c.protocolError(logger, err))
				break
			}
			owns = true
			out := newSessionResponse(res.Session)
			out.Started = true
			out.Previous = NewSettlementResponse(res.Previous)
			ok = reply(hub.Message{Type: TypeSessionStarted, Payload: out})

		case "heartbeat":
			if msg.VideoID == "" {
				ok = fail("videoId is required")
				break
			}
			res, err := c.App.Service.Heartbeat(ctx, userID, msg.VideoID, msg.Position)
			if err != nil {
				ok = fail(c.protocolError(logger, err))
				break
			}
			owns = true
			out := newSessionResponse(res.Session)
			out.Started, out.Switched, out.Paused, out.SettlementDue = res.Started, res.Switched, res.Paused, res.SettlementDue
			out.Previous = NewSettlementResponse(res.Previous)
			ok = reply(hub.Message{Type: TypeHeartbeatAck, Payload: out})

		case "end":
			res, err := c.App.Service.EndSession(ctx, userID)
			if err != nil {
				ok = fail(c.protocolError(logger, err))
				break
			}
			owns = false
			ok = reply(hub.Message{Type: TypeSessionEnded, Payload: NewSettlementResponse(res)})

		default:
			ok = fail("unknown message type: " + msg.Type)
		}
		if !ok {
			return owns
		}
	}
}
