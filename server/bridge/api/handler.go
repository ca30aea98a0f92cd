package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"chat_bridge/server/bridge/observe"
	"chat_bridge/server/bridge/repository"
	"chat_bridge/server/bridge/store"
)

// Handler serves the ops surface: health, per-tenant session snapshots for
// linking UIs to poll, and the dead-letter archive. The public product API
// lives elsewhere; it talks to the bridge only through the command queue.
type Handler struct {
	status      *store.StatusStore
	deadLetters *repository.DeadLetterRepository
	opsToken    string
}

func NewHandler(status *store.StatusStore, deadLetters *repository.DeadLetterRepository, opsToken string) *Handler {
	return &Handler{status: status, deadLetters: deadLetters, opsToken: opsToken}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok")) })
	r.GET("/metrics", gin.WrapH(observe.MetricsHandler()))

	api := r.Group("/api/v1")
	api.Use(tokenRequired(h.opsToken))
	{
		api.GET("/sessions/:tenantId", h.getSession)
		api.GET("/dead-letters", h.listDeadLetters)
	}
}

func (h *Handler) getSession(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenantId"))
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse("tenant id required"))
		return
	}
	snapshot, err := h.status.Snapshot(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, SessionResponse{Session: snapshot})
}

func (h *Handler) listDeadLetters(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Query("tenant_id"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	items, err := h.deadLetters.List(c.Request.Context(), tenantID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, DeadLettersResponse{Items: items, Count: len(items)})
}

func tokenRequired(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, NewErrorResponse("invalid ops token"))
			return
		}
		c.Next()
	}
}
