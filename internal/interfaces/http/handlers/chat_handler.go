package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
	apperrors "github.com/vicw/vicw/pkg/errors"
)

// ChatService is what the handlers need from the application layer.
type ChatService interface {
	Chat(ctx context.Context, message string, useRAG bool) (memory.TurnResult, error)
	Stats() map[string]any
	Reset()
}

// HealthSource reports per-store health.
type HealthSource interface {
	Health(ctx context.Context) map[string]string
}

// ChatHandler serves the native chat API.
type ChatHandler struct {
	chat   ChatService
	health HealthSource
	logger *zap.Logger
}

func NewChatHandler(chat ChatService, health HealthSource, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, health: health, logger: logger}
}

type chatRequest struct {
	Message string `json:"message" binding:"required"`
	UseRAG  *bool  `json:"use_rag"`
}

type chatResponse struct {
	Response         string `json:"response"`
	Timestamp        string `json:"timestamp"`
	TokensInContext  int    `json:"tokens_in_context"`
	RAGItemsInjected int    `json:"rag_items_injected"`
}

// Chat handles POST /chat.
func (h *ChatHandler) Chat(c *gin.Context) {
	if h.chat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "memory engine not initialized"})
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Augmentation is on unless the client opts out for this turn.
	useRAG := req.UseRAG == nil || *req.UseRAG

	res, err := h.chat.Chat(c.Request.Context(), req.Message, useRAG)
	if err != nil {
		status := apperrors.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Chat turn failed", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, chatResponse{
		Response:         res.Response,
		Timestamp:        res.Timestamp.Format(time.RFC3339),
		TokensInContext:  res.TokensInContext,
		RAGItemsInjected: res.RAGItemsInjected,
	})
}

// Stats handles GET /stats.
func (h *ChatHandler) Stats(c *gin.Context) {
	if h.chat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "memory engine not initialized"})
		return
	}
	c.JSON(http.StatusOK, h.chat.Stats())
}

// Reset handles POST /reset. Only the working context is cleared;
// long-term memory survives.
func (h *ChatHandler) Reset(c *gin.Context) {
	if h.chat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "memory engine not initialized"})
		return
	}
	h.chat.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "context cleared"})
}

// Health handles GET /health. Any down store degrades the status to 503.
func (h *ChatHandler) Health(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	stores := h.health.Health(c.Request.Context())
	status := http.StatusOK
	overall := "ok"
	for _, v := range stores {
		if v != "ok" {
			status = http.StatusServiceUnavailable
			overall = "degraded"
			break
		}
	}
	c.JSON(status, gin.H{"status": overall, "stores": stores})
}
