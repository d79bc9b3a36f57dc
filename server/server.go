package server

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/api"
	"github.com/forechoandlook/stepflow/engine"
	"github.com/forechoandlook/stepflow/nodes"
)

type (
	// Server implements the HTTP API over an engine
	Server struct {
		engine   *engine.Engine
		nodes    NodeLister
		defaults *stepflow.Credentials
		logger   *slog.Logger
		origins  []string
		checks   map[string]HealthCheck
		mcp      bool

		mu      sync.Mutex
		sockets map[*websocket.Conn]struct{}
	}

	// NodeLister describes the node types the executor accepts
	NodeLister interface {
		Definitions() []nodes.NodeDefinition
	}

	// HealthCheck probes one dependency for the health endpoint
	HealthCheck func(ctx context.Context) error

	// Option configures a Server
	Option func(*Server)
)

const healthCheckTimeout = 3 * time.Second

// WithNodes sets the source for GET /api/nodes
func WithNodes(n NodeLister) Option {
	return func(s *Server) { s.nodes = n }
}

// WithDefaultCredentials fills in credentials for runs that bring none
func WithDefaultCredentials(c *stepflow.Credentials) Option {
	return func(s *Server) { s.defaults = c }
}

// WithLogger sets the access and error logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCORSOrigins sets the allowed origins; "*" allows any
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithHealthCheck adds a named dependency probe to GET /health
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithMCP mounts the MCP SSE endpoint under /mcp
func WithMCP(enabled bool) Option {
	return func(s *Server) { s.mcp = enabled }
}

// NewServer creates a new HTTP API server
func NewServer(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:  eng,
		logger:  slog.Default(),
		origins: []string{"*"},
		checks:  map[string]HealthCheck{},
		sockets: map[*websocket.Conn]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(_ *gin.Context, _ *slog.Logger) *slog.Logger {
			return s.logger
		}),
	))
	router.Use(s.cors)

	router.GET("/health", s.handleHealth)

	a := router.Group("/api")
	{
		a.POST("/run", s.handleRun)
		a.GET("/run/ws", s.handleRunWebSocket)
		a.POST("/control", s.handleControl)

		a.GET("/sessions", s.listSessions)
		a.GET("/sessions/:sessionId", s.getSession)
		a.GET("/sessions/:sessionId/archive", s.getArchivedSession)

		a.GET("/flows", s.listFlows)
		a.GET("/flows/:flowId", s.getFlow)

		a.GET("/nodes", s.listNodes)
	}

	if s.mcp {
		h := NewMCPHandler(s.engine, "/mcp", s.defaults)
		router.Any("/mcp/*path", gin.WrapH(h))
	}
	return router
}

func (s *Server) cors(c *gin.Context) {
	origin := c.GetHeader("Origin")
	switch {
	case slices.Contains(s.origins, "*"):
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
	case origin != "" && slices.Contains(s.origins, origin):
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Add("Vary", "Origin")
	}
	c.Writer.Header().Set(
		"Access-Control-Allow-Methods", "GET, POST, OPTIONS",
	)
	c.Writer.Header().Set(
		"Access-Control-Allow-Headers", "Content-Type, Authorization, Accept",
	)
	c.Writer.Header().Set("Access-Control-Expose-Headers", sessionHeader)

	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusOK)
		return
	}
	c.Next()
}

func (s *Server) handleHealth(c *gin.Context) {
	res := api.HealthResponse{
		Status:   api.HealthOK,
		Sessions: s.engine.Sessions().Len(),
	}
	if len(s.checks) > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		res.Checks = make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			if err := check(ctx); err != nil {
				res.Checks[name] = err.Error()
				res.Status = api.HealthDegraded
				continue
			}
			res.Checks[name] = api.HealthOK
		}
	}

	status := http.StatusOK
	if res.Status != api.HealthOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, res)
}

// credentials picks the request's credentials, falling back to the server
// defaults field by field
func (s *Server) credentials(req *stepflow.Credentials) *stepflow.Credentials {
	return mergeCredentials(req, s.defaults)
}

func mergeCredentials(req, defaults *stepflow.Credentials) *stepflow.Credentials {
	if defaults == nil {
		return req
	}
	if req == nil {
		c := *defaults
		return &c
	}
	c := *req
	if c.APIKey == "" {
		c.APIKey = defaults.APIKey
	}
	if c.Provider == "" {
		c.Provider = defaults.Provider
	}
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	if c.Model == "" {
		c.Model = defaults.Model
	}
	return &c
}

func (s *Server) registerWebSocket(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets[conn] = struct{}{}
}

func (s *Server) unregisterWebSocket(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sockets, conn)
}

// CloseWebSockets closes all active WebSocket connections
func (s *Server) CloseWebSockets() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func acceptsEventStream(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}
