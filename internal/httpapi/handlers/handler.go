package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/nahara-chat/internal/ai"
	"github.com/suPer8Hu/nahara-chat/internal/chat"
	"github.com/suPer8Hu/nahara-chat/internal/common"
	"github.com/suPer8Hu/nahara-chat/internal/completion"
	"github.com/suPer8Hu/nahara-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/nahara-chat/internal/models"
	"github.com/suPer8Hu/nahara-chat/internal/orchestrator"
	"github.com/suPer8Hu/nahara-chat/internal/prompt"
)

type Handler struct {
	Models       *models.Registry
	Store        *chat.Store
	Completer    orchestrator.Completer
	Orchestrator *orchestrator.Orchestrator
	Log          *slog.Logger
	// RequestTimeout bounds one completion round trip, fallback included.
	RequestTimeout time.Duration
}

func NewHandler(registry *models.Registry, store *chat.Store, completer orchestrator.Completer, orch *orchestrator.Orchestrator, log *slog.Logger, timeout time.Duration) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Handler{
		Models:         registry,
		Store:          store,
		Completer:      completer,
		Orchestrator:   orch,
		Log:            log,
		RequestTimeout: timeout,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func (h *Handler) completionContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.RequestTimeout)
}

func (h *Handler) logger(c *gin.Context) *slog.Logger {
	return h.Log.With("request_id", c.GetString(middleware.RequestIDKey))
}

// failErr maps domain errors onto the envelope.
func (h *Handler) failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrConversationNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
	case errors.Is(err, orchestrator.ErrNoConversation):
		common.Fail(c, http.StatusNotFound, 40402, "no current conversation")
	case errors.Is(err, orchestrator.ErrBusy):
		common.Fail(c, http.StatusConflict, 40901, err.Error())
	case errors.Is(err, orchestrator.ErrEmptySubmission):
		common.Fail(c, http.StatusBadRequest, 10010, err.Error())
	case errors.Is(err, chat.ErrInvalidTitle),
		errors.Is(err, chat.ErrInvalidMessage),
		errors.Is(err, prompt.ErrMalformedAttachment),
		errors.Is(err, prompt.ErrNoUserMessage):
		common.Fail(c, http.StatusBadRequest, 10011, err.Error())
	case errors.Is(err, ai.ErrMissingAPIKey):
		h.logger(c).Error("model provider not configured", "err", err)
		common.Fail(c, http.StatusInternalServerError, 50010, "model provider is not configured")
	case errors.Is(err, completion.ErrAllModelsFailed):
		common.Fail(c, http.StatusInternalServerError, 50020, errAllModels)
	case errors.Is(err, context.DeadlineExceeded):
		common.Fail(c, http.StatusGatewayTimeout, 50400, "model request timed out")
	default:
		h.logger(c).Error("request failed", "path", c.FullPath(), "err", err)
		common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
	}
}
