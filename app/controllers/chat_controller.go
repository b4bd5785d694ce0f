package controllers

import (
	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/services"
)

var chatValidator = services.NewValidator()

type chatRequest struct {
	Question  string `json:"question" validate:"required"`
	SessionID string `json:"session_id" validate:"max=64"`
}

// ChatController 问答与会话历史
type ChatController struct {
	BaseController
	Chat         *services.ChatService
	HistoryLimit int
}

// NewChatController 创建问答控制器
func NewChatController(chat *services.ChatService, historyLimit int) *ChatController {
	if historyLimit <= 0 {
		historyLimit = 10
	}
	return &ChatController{Chat: chat, HistoryLimit: historyLimit}
}

// Ask POST /chat
func (c *ChatController) Ask() {
	var req chatRequest
	if err := c.decodeJSON(&req); err != nil {
		c.JSONError(err)
		return
	}
	if err := chatValidator.Struct(req); err != nil {
		c.JSONError(apperrors.Translate(err))
		return
	}

	res, err := c.Chat.Ask(c.Ctx.Request.Context(), req.Question, req.SessionID)
	if err != nil {
		c.JSONError(err)
		return
	}
	c.JSONSuccess(res)
}

// History GET /history/:session_id?limit=
func (c *ChatController) History() {
	sessionID := c.Ctx.Input.Param(":session_id")
	limit, err := c.intQuery("limit", c.HistoryLimit)
	if err != nil {
		c.JSONError(err)
		return
	}
	if limit <= 0 {
		c.JSONError(apperrors.NewInvalidInputError("limit", "must be positive"))
		return
	}

	history, err := c.Chat.History(c.Ctx.Request.Context(), sessionID, limit)
	if err != nil {
		c.JSONError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"session_id": sessionID,
		"history":    history,
	})
}
