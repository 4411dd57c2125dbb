// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/alexschlessinger/pollyd/internal/metrics"
	"github.com/alexschlessinger/pollyd/orchestrator"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Headers carrying the caller identity, set by the authenticating proxy in
// front of pollyd.
const (
	HeaderPrincipal = "X-Principal-ID"
	HeaderResource  = "X-Resource-ID"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Handler serves the session API.
type Handler struct {
	orch   *orchestrator.Orchestrator
	checks map[string]Check
	ready  func() bool
}

// NewHandler creates a handler. ready reports whether new work is accepted;
// nil means always.
func NewHandler(orch *orchestrator.Orchestrator, checks map[string]Check, ready func() bool) *Handler {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Handler{orch: orch, checks: checks, ready: ready}
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(Logger(), Recovery())

	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1")
	{
		scoped := v1.Group("/:scope/sessions")
		{
			scoped.GET("", h.ListSessions)
			scoped.POST("", h.StartSession)
			scoped.GET("/:tenantKey", h.GetSession)
			scoped.DELETE("/:tenantKey", h.EndSession)
			scoped.POST("/:tenantKey/query", h.Query)
		}
	}
	return r
}

// StartSessionRequest is the body of POST /api/v1/:scope/sessions.
type StartSessionRequest struct {
	TenantKey  string `json:"tenantKey" binding:"required"`
	ResourceID string `json:"resourceId"`
}

// QueryRequest is the body of POST /api/v1/:scope/sessions/:tenantKey/query.
type QueryRequest struct {
	Query          string `json:"query" binding:"required"`
	KnowledgeScope string `json:"knowledgeScope"`
	Stream         bool   `json:"stream"`
}

// HealthResponse reports component status.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	Sessions   map[string]int    `json:"sessions"`
}

func (h *Handler) request(c *gin.Context, tenantKey string) orchestrator.Request {
	resource := c.GetHeader(HeaderResource)
	if resource == "" {
		resource = c.Query("resourceId")
	}
	return orchestrator.Request{
		Scope:       c.Param("scope"),
		TenantKey:   tenantKey,
		ResourceID:  resource,
		PrincipalID: c.GetHeader(HeaderPrincipal),
	}
}

// Health checks every dependency.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Sessions: map[string]int{}}
	if len(h.checks) > 0 {
		resp.Components = make(map[string]string, len(h.checks))
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Components[name] = "unhealthy"
			resp.Status = "unhealthy"
			zap.S().Warnw("health_check_failed", "component", name, "error", err)
			continue
		}
		resp.Components[name] = "healthy"
	}
	for _, reg := range h.orch.Registries() {
		resp.Sessions[reg.Scope()] = reg.Len()
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// Ready reports whether the server accepts new work.
func (h *Handler) Ready(c *gin.Context) {
	if !h.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// ListSessions describes the live sessions of one scope. Embedded listings
// are limited to the caller's verified resource.
func (h *Handler) ListSessions(c *gin.Context) {
	infos, err := h.orch.List(c.Request.Context(), h.request(c, ""))
	if err != nil {
		HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": infos})
}

// StartSession creates or refreshes a session.
func (h *Handler) StartSession(c *gin.Context) {
	var body StartSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Kind: string(orchestrator.KindInvalid), Message: "invalid request body", Details: err.Error()})
		return
	}
	req := h.request(c, body.TenantKey)
	if body.ResourceID != "" {
		req.ResourceID = body.ResourceID
	}

	s, err := h.orch.Start(c.Request.Context(), req)
	if err != nil {
		HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, orchestrator.Describe(s))
}

// GetSession describes one live session.
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.orch.Lookup(c.Request.Context(), h.request(c, c.Param("tenantKey")))
	if err != nil {
		HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, orchestrator.Describe(s))
}

// EndSession ends a session.
func (h *Handler) EndSession(c *gin.Context) {
	if err := h.orch.End(c.Request.Context(), h.request(c, c.Param("tenantKey"))); err != nil {
		HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Query runs one turn. With stream set, or an Accept header asking for an
// event stream, events are sent as SSE; otherwise the result is returned as JSON.
func (h *Handler) Query(c *gin.Context) {
	var body QueryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Kind: string(orchestrator.KindInvalid), Message: "invalid request body", Details: err.Error()})
		return
	}
	req := h.request(c, c.Param("tenantKey"))
	req.KnowledgeScope = body.KnowledgeScope

	if body.Stream || strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		h.streamQuery(c, req, body.Query)
		return
	}

	res, err := h.orch.Ask(c.Request.Context(), req, body.Query)
	if err != nil && res == nil {
		HandleError(c, err)
		return
	}
	status := http.StatusOK
	if res.Failed {
		status = StatusFor(orchestrator.KindQuery)
	}
	c.JSON(status, res)
}

func (h *Handler) streamQuery(c *gin.Context, req orchestrator.Request, text string) {
	run, err := h.orch.Query(c.Request.Context(), req, text)
	if err != nil {
		HandleError(c, err)
		return
	}

	sse, err := NewSSEWriter(c.Writer)
	if err != nil {
		for range run.Events() {
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Kind: "internal", Message: err.Error()})
		return
	}

	broken := false
	for ev := range run.Events() {
		if broken {
			continue
		}
		if err := sse.WriteJSON(string(ev.Type), ev); err != nil {
			zap.S().Debugw("sse_client_gone", "tenant", req.TenantKey, "error", err)
			broken = true
		}
	}
}
