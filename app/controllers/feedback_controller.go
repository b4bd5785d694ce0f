package controllers

import (
	"github.com/aihub/rag-go/internal/services"
)

// FeedbackController 用户反馈
type FeedbackController struct {
	BaseController
	Feedback *services.FeedbackService
}

// NewFeedbackController 创建反馈控制器
func NewFeedbackController(feedback *services.FeedbackService) *FeedbackController {
	return &FeedbackController{Feedback: feedback}
}

// Submit POST /feedback
func (c *FeedbackController) Submit() {
	var in services.FeedbackInput
	if err := c.decodeJSON(&in); err != nil {
		c.JSONError(err)
		return
	}

	id, err := c.Feedback.Record(c.Ctx.Request.Context(), in)
	if err != nil {
		c.JSONError(err)
		return
	}
	c.JSONSuccess(map[string]string{"feedback_id": id})
}

// List GET /feedback
func (c *FeedbackController) List() {
	limit, err := c.intQuery("limit", 100)
	if err != nil {
		c.JSONError(err)
		return
	}
	items, err := c.Feedback.List(c.Ctx.Request.Context(), limit)
	if err != nil {
		c.JSONError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"feedback": items})
}
