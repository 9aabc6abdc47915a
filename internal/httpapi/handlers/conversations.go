package handlers

import (
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/nahara-chat/internal/chat"
	"github.com/suPer8Hu/nahara-chat/internal/common"
	"github.com/suPer8Hu/nahara-chat/internal/orchestrator"
)

func (h *Handler) ListConversations(c *gin.Context) {
	convs := h.Store.List(strings.TrimSpace(c.Query("model_id")))
	current, _ := h.Store.Current()
	common.OK(c, gin.H{
		"conversations":           convs,
		"current_conversation_id": current.ID,
	})
}

type createConversationReq struct {
	ModelID string `json:"model_id"`
}

func (h *Handler) CreateConversation(c *gin.Context) {
	var req createConversationReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	modelID := strings.TrimSpace(req.ModelID)
	if modelID == "" {
		modelID = h.Store.ActiveModel().ID
	}
	if !h.Models.Has(modelID) {
		common.Fail(c, http.StatusBadRequest, 10002, "unknown model")
		return
	}
	common.OK(c, h.Store.Create(c.Request.Context(), modelID))
}

func (h *Handler) CurrentConversation(c *gin.Context) {
	conv, ok := h.Store.Current()
	if !ok {
		common.Fail(c, http.StatusNotFound, 40402, "no current conversation")
		return
	}
	common.OK(c, conv)
}

func (h *Handler) GetConversation(c *gin.Context) {
	conv, err := h.Store.Get(c.Param("id"))
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, gin.H{
		"conversation": conv,
		"state":        h.Orchestrator.State(conv.ID).String(),
	})
}

type renameReq struct {
	Title string `json:"title" binding:"required"`
}

func (h *Handler) RenameConversation(c *gin.Context) {
	var req renameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	conv, err := h.Store.Rename(c.Request.Context(), c.Param("id"), req.Title)
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, conv)
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.Store.Delete(c.Request.Context(), id); err != nil {
		h.failErr(c, err)
		return
	}
	current, _ := h.Store.Current()
	common.OK(c, gin.H{"deleted": id, "current": current})
}

func (h *Handler) SelectConversation(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Store.Get(id); err != nil {
		h.failErr(c, err)
		return
	}
	h.Store.SetCurrent(c.Request.Context(), id)
	conv, _ := h.Store.Current()
	common.OK(c, conv)
}

type replaceMessagesReq struct {
	Messages []chat.Message `json:"messages" binding:"required"`
}

// ReplaceMessages overwrites the message list, e.g. when a client syncs
// its local history.
func (h *Handler) ReplaceMessages(c *gin.Context) {
	var req replaceMessagesReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	conv, err := h.Orchestrator.ReplaceMessages(c.Request.Context(), c.Param("id"), req.Messages)
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, conv)
}

type submitReq struct {
	Text        string            `json:"text"`
	Attachments []chat.Attachment `json:"attachments"`
}

// readSubmission accepts JSON or multipart/form-data with a "text" field and
// "files" parts.
func readSubmission(c *gin.Context) (orchestrator.SubmitInput, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		form, err := c.MultipartForm()
		if err != nil {
			return orchestrator.SubmitInput{}, err
		}
		in := orchestrator.SubmitInput{Text: c.PostForm("text")}
		for _, fh := range form.File["files"] {
			data, err := readUpload(fh)
			if err != nil {
				return orchestrator.SubmitInput{}, err
			}
			in.Uploads = append(in.Uploads, orchestrator.Upload{
				FileName: fh.Filename,
				MIMEType: fh.Header.Get("Content-Type"),
				Data:     data,
			})
		}
		return in, nil
	}

	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return orchestrator.SubmitInput{}, err
	}
	return orchestrator.SubmitInput{Text: req.Text, Attachments: req.Attachments}, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// SubmitMessage runs one orchestrated turn on a conversation.
func (h *Handler) SubmitMessage(c *gin.Context) {
	in, err := readSubmission(c)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}

	// cancellation of the turn goes through /cancel; only the timeout bounds it here
	ctx, cancel := h.completionContext(c)
	defer cancel()

	reply, err := h.Orchestrator.Submit(ctx, c.Param("id"), in)
	if err != nil {
		h.failErr(c, err)
		return
	}

	msgs := reply.Conversation.Messages
	var last chat.Message
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1]
	}
	common.OK(c, gin.H{
		"text":         reply.Text,
		"warning":      reply.Warning,
		"model":        reply.Model,
		"cancelled":    reply.Cancelled,
		"message":      last,
		"conversation": reply.Conversation,
	})
}

func (h *Handler) CancelTurn(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Store.Get(id); err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, gin.H{"cancelled": h.Orchestrator.Cancel(id)})
}
