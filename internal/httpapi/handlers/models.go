package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/nahara-chat/internal/common"
)

func (h *Handler) ListModels(c *gin.Context) {
	common.OK(c, gin.H{
		"models":  h.Models.All(),
		"default": h.Models.Default().ID,
		"active":  h.Store.ActiveModel().ID,
	})
}

func (h *Handler) ActiveModel(c *gin.Context) {
	common.OK(c, gin.H{"model": h.Store.ActiveModel()})
}

type selectModelReq struct {
	ModelID string `json:"model_id" binding:"required"`
}

// SelectModel switches the active model and returns the conversation that
// became current for it.
func (h *Handler) SelectModel(c *gin.Context) {
	var req selectModelReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if !h.Models.Has(req.ModelID) {
		common.Fail(c, http.StatusBadRequest, 10002, "unknown model")
		return
	}

	conv := h.Store.SelectModel(c.Request.Context(), req.ModelID)
	common.OK(c, gin.H{
		"model":        h.Store.ActiveModel(),
		"conversation": conv,
	})
}
