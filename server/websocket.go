package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/forechoandlook/stepflow/engine"
	"github.com/forechoandlook/stepflow/log"
)

const (
	writeWait      = 10 * time.Second
	requestWait    = 30 * time.Second
	maxMessageSize = 1 << 20
	wsBufferSize   = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleRunWebSocket reads one run request frame, then writes each event as
// a text frame and closes normally when the sequence ends. An eager error is
// sent as an ErrorResponse frame before the close.
func (s *Server) handleRunWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", log.Error(err))
		return
	}
	s.registerWebSocket(conn)
	defer func() {
		s.unregisterWebSocket(conn)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(requestWait))

	var req engine.RunRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.logger.Warn("Failed to read WebSocket run request", log.Error(err))
		s.closeWithError(conn, invalidJSON(err))
		return
	}
	req.Credentials = s.credentials(req.Credentials)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go watchClose(conn, cancel)

	x, err := s.engine.Run(ctx, req)
	if err != nil {
		_, body := errorResponse(err, req.Credentials)
		s.closeWithError(conn, body)
		return
	}

	for ev := range x.Events() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Warn("WebSocket write failed",
				log.SessionID(x.SessionID()),
				log.Error(err))
			return
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}

func (s *Server) closeWithError(conn *websocket.Conn, body any) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(body); err != nil {
		s.logger.Debug("WebSocket error frame not delivered", slog.Any("error", err))
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rejected"))
}

// watchClose cancels the run once the client goes away
func watchClose(conn *websocket.Conn, cancel context.CancelFunc) {
	_ = conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			cancel()
			return
		}
	}
}
