package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/api"
	"github.com/forechoandlook/stepflow/engine"
	"github.com/forechoandlook/stepflow/flows"
	"github.com/forechoandlook/stepflow/nodes"
)

func (s *Server) handleControl(c *gin.Context) {
	var req engine.ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalidJSON(c, err)
		return
	}

	st, err := s.engine.Control(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getSession(c *gin.Context) {
	st, err := s.engine.FlowState(c.Param("sessionId"))
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, st)
}

// getArchivedSession serves the snapshot of a session that has already been
// reaped from memory
func (s *Server) getArchivedSession(c *gin.Context) {
	st, err := s.engine.Sessions().Archived(
		c.Request.Context(), c.Param("sessionId"),
	)
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) listSessions(c *gin.Context) {
	list := s.engine.Sessions().List()
	c.JSON(http.StatusOK, api.SessionsListResponse{
		Sessions: list,
		Count:    len(list),
	})
}

func (s *Server) listFlows(c *gin.Context) {
	var defs []*flows.Definition
	if cat := s.engine.Catalog(); cat != nil {
		defs = cat.List()
	}
	if defs == nil {
		defs = []*flows.Definition{}
	}
	c.JSON(http.StatusOK, api.FlowsListResponse{
		Flows: defs,
		Count: len(defs),
	})
}

func (s *Server) getFlow(c *gin.Context) {
	cat := s.engine.Catalog()
	if cat == nil {
		abortWithError(c, stepflow.ErrFlowNotFound, nil)
		return
	}
	def, err := cat.Lookup(c.Param("flowId"))
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) listNodes(c *gin.Context) {
	defs := []nodes.NodeDefinition{}
	if s.nodes != nil {
		defs = s.nodes.Definitions()
	}
	c.JSON(http.StatusOK, api.NodesListResponse{
		Nodes: defs,
		Count: len(defs),
	})
}
