package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forechoandlook/stepflow/engine"
	"github.com/forechoandlook/stepflow/log"
)

const (
	sessionHeader   = "X-Session-Id"
	ndjsonMediaType = "application/x-ndjson"
)

// handleRun starts or continues a session and streams its events. Errors
// found before the first event are answered as plain JSON errors.
func (s *Server) handleRun(c *gin.Context) {
	var req engine.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalidJSON(c, err)
		return
	}
	req.Credentials = s.credentials(req.Credentials)

	x, err := s.engine.Run(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err, req.Credentials)
		return
	}

	c.Header(sessionHeader, x.SessionID())
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	if acceptsEventStream(c) {
		s.streamSSE(c, x)
		return
	}
	s.streamNDJSON(c, x)
}

func (s *Server) streamNDJSON(c *gin.Context, x *engine.Execution) {
	c.Header("Content-Type", ndjsonMediaType)
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	for ev := range x.Events() {
		if err := enc.Encode(ev); err != nil {
			s.logger.Warn("Event stream write failed",
				log.SessionID(x.SessionID()),
				log.RunID(x.RunID()),
				log.Error(err))
			return
		}
		c.Writer.Flush()
	}
}

func (s *Server) streamSSE(c *gin.Context, x *engine.Execution) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	for ev := range x.Events() {
		c.SSEvent(string(ev.Type), ev)
		c.Writer.Flush()
		if ctx.Err() != nil {
			return
		}
	}
}
