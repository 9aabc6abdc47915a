package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/nahara-chat/internal/ai"
	"github.com/suPer8Hu/nahara-chat/internal/chat"
	"github.com/suPer8Hu/nahara-chat/internal/completion"
	"github.com/suPer8Hu/nahara-chat/internal/prompt"
)

const (
	errMessagesRequired = "An array of messages is required"
	errUserRequired     = "At least one user message is required"
	errAllModels        = "Could not generate response with any available model"

	// ErrBodyTooLarge is the {error} text for bodies over MAX_BODY_BYTES.
	ErrBodyTooLarge = "Request body too large"
)

type chatReq struct {
	Messages []chat.Message `json:"messages" binding:"required"`
	Model    string         `json:"model"`
}

type chatResp struct {
	Text    string `json:"text"`
	Warning string `json:"warning,omitempty"`
}

func chatError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// Chat is the stateless completion proxy used by the browser client. It
// answers {text}, {text, warning} or {error} rather than the envelope.
func (h *Handler) Chat(c *gin.Context) {
	var req chatReq
	err := c.ShouldBindJSON(&req)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		chatError(c, http.StatusRequestEntityTooLarge, ErrBodyTooLarge)
		return
	}
	if err != nil || req.Messages == nil {
		chatError(c, http.StatusBadRequest, errMessagesRequired)
		return
	}
	if prompt.LatestUserIndex(req.Messages) < 0 {
		chatError(c, http.StatusBadRequest, errUserRequired)
		return
	}

	model := h.Models.ByID(req.Model)
	built, err := prompt.BuildFromMessages(model, req.Messages)
	if err != nil {
		chatError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := h.completionContext(c)
	defer cancel()

	res, err := h.Completer.Complete(ctx, built)
	if err != nil {
		log := h.logger(c)
		switch {
		case errors.Is(err, ai.ErrMissingAPIKey):
			log.Error("chat: provider not configured", "model", model.ID, "err", err)
			chatError(c, http.StatusInternalServerError, "GEMINI_API_KEY is not configured")
		case errors.Is(err, completion.ErrAllModelsFailed):
			chatError(c, http.StatusInternalServerError, errAllModels)
		default:
			log.Error("chat: completion failed", "model", model.ID, "err", err)
			chatError(c, http.StatusInternalServerError, errAllModels)
		}
		return
	}

	c.JSON(http.StatusOK, chatResp{Text: res.Text, Warning: res.Warning})
}
