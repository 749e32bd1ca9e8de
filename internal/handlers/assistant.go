package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/applianceworks/partsassist-backend/internal/pkg/errs"
	"github.com/applianceworks/partsassist-backend/internal/pkg/logger"
	"github.com/applianceworks/partsassist-backend/internal/services"
)

type AssistantHandler struct {
	log         *logger.Logger
	chatService services.ChatService
}

func NewAssistantHandler(log *logger.Logger, chatService services.ChatService) *AssistantHandler {
	return &AssistantHandler{log: log.With("handler", "AssistantHandler"), chatService: chatService}
}

type assistantRequest struct {
	Query     string    `json:"query"`
	SessionID uuid.UUID `json:"session_id"`
	RequestID string    `json:"request_id"`
}

func (ah *AssistantHandler) Ask(c *gin.Context) {
	var req assistantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	msg, err := ah.chatService.RunTurn(c.Request.Context(), req.SessionID, req.RequestID, req.Query)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidArgument) {
			RespondError(c, http.StatusBadRequest, "bad_request", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "turn_failed", err)
		return
	}
	RespondOK(c, gin.H{
		"success":    true,
		"ai_content": msg.Content,
		"message":    msg,
	})
}

type welcomeRequest struct {
	SessionID uuid.UUID `json:"session_id"`
}

func (ah *AssistantHandler) Welcome(c *gin.Context) {
	var req welcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	msg, err := ah.chatService.WelcomeMessage(c.Request.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidArgument) {
			RespondError(c, http.StatusBadRequest, "bad_request", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "welcome_failed", err)
		return
	}
	RespondOK(c, gin.H{
		"success":    true,
		"ai_content": msg.Content,
		"message":    msg,
	})
}

func (ah *AssistantHandler) ListMessages(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Query("session_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", errors.New("invalid session_id"))
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		limit = parseIntDefault(v, 0)
	}
	msgs, err := ah.chatService.ListMessages(c.Request.Context(), sessionID, limit)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	RespondOK(c, gin.H{"messages": msgs})
}

func (ah *AssistantHandler) LatestMessage(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Query("session_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", errors.New("invalid session_id"))
		return
	}
	msg, err := ah.chatService.LatestMessage(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			RespondError(c, http.StatusNotFound, "not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "latest_failed", err)
		return
	}
	RespondOK(c, gin.H{"message": msg})
}

func parseIntDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
