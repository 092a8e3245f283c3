package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/application"
)

// ConversationHandler exposes the engine over HTTP.
type ConversationHandler struct {
	registry *application.EngineRegistry
	logger   *zap.Logger
}

// NewConversationHandler creates the handler.
func NewConversationHandler(registry *application.EngineRegistry, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		registry: registry,
		logger:   logger.With(zap.String("component", "conversation-handler")),
	}
}

type sendMessageRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Text   string `json:"text" binding:"required"`
}

// SendMessage routes one user message into the conversation's engine and
// returns the assistant reply.
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	conversationID := c.Param("id")

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	engine := h.registry.GetOrCreate(conversationID, req.UserID, "http")
	reply, err := engine.SendMessage(c.Request.Context(), req.Text)
	if err != nil {
		h.logger.Error("Turn failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		// The engine survives; the turn's failure is opaque to the caller.
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "the assistant could not complete this request; please try again",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

// GetState returns the engine's diagnostic snapshot.
func (h *ConversationHandler) GetState(c *gin.Context) {
	engine, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active conversation"})
		return
	}
	c.JSON(http.StatusOK, engine.GetState())
}
