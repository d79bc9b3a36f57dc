// Package api holds the request and response bodies of the HTTP and MCP
// surfaces
package api

import (
	"github.com/forechoandlook/stepflow/flows"
	"github.com/forechoandlook/stepflow/nodes"
	"github.com/forechoandlook/stepflow/session"
)

type (
	// ErrorResponse is the body of every failed request
	ErrorResponse struct {
		Error  string `json:"error"`
		Code   string `json:"code,omitempty"`
		Status int    `json:"status,omitempty"`
	}

	// SessionsListResponse lists live sessions, newest first
	SessionsListResponse struct {
		Sessions []session.Summary `json:"sessions"`
		Count    int               `json:"count"`
	}

	// FlowsListResponse lists the catalog
	FlowsListResponse struct {
		Flows []*flows.Definition `json:"flows"`
		Count int                 `json:"count"`
	}

	// NodesListResponse lists the registered node types
	NodesListResponse struct {
		Nodes []nodes.NodeDefinition `json:"nodes"`
		Count int                    `json:"count"`
	}

	// HealthResponse reports liveness and dependency checks
	HealthResponse struct {
		Status   string            `json:"status"`
		Sessions int               `json:"sessions"`
		Checks   map[string]string `json:"checks,omitempty"`
	}
)

// Error codes carried in ErrorResponse.Code
const (
	CodeSessionNotFound   = "session_not_found"
	CodeFlowNotFound      = "flow_not_found"
	CodeMalformedRequest  = "malformed_request"
	CodeInvalidTransition = "invalid_transition"
	CodeCredentialMissing = "credential_missing"
	CodeSessionBusy       = "session_busy"
	CodeInternal          = "internal"
)

// Health statuses
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)
