// Package prompt turns conversation messages into upstream generation requests.
package prompt

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/suPer8Hu/nahara-chat/internal/ai"
	"github.com/suPer8Hu/nahara-chat/internal/chat"
	"github.com/suPer8Hu/nahara-chat/internal/models"
)

var (
	ErrNoUserMessage       = errors.New("prompt: no user message")
	ErrMalformedAttachment = errors.New("prompt: malformed attachment")
)

// userSeparator sits between the system prompt and the user's text in the final turn.
const userSeparator = "\n\nUser: "

// Request is a built upstream request plus what the completion client needs
// to retry it.
type Request struct {
	Model    models.ModelConfig
	Upstream *ai.Request
	// UserText is the newest user text before augmentation.
	UserText string
	// Structured marks detection/segmentation requests whose response must be returned verbatim.
	Structured bool
}

// LatestUserIndex returns the index of the newest user message, or -1.
func LatestUserIndex(msgs []chat.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chat.RoleUser {
			return i
		}
	}
	return -1
}

// BuildFromMessages splits msgs into history and the newest user message and builds the request.
func BuildFromMessages(model models.ModelConfig, msgs []chat.Message) (*Request, error) {
	idx := LatestUserIndex(msgs)
	if idx < 0 {
		return nil, ErrNoUserMessage
	}
	history := make([]chat.Message, 0, len(msgs)-1)
	history = append(history, msgs[:idx]...)
	history = append(history, msgs[idx+1:]...)
	return Build(model, history, msgs[idx])
}

// Build assembles the request for model from history and the newest user message.
func Build(model models.ModelConfig, history []chat.Message, latest chat.Message) (*Request, error) {
	if latest.Role != chat.RoleUser {
		return nil, ErrNoUserMessage
	}

	contents := make([]ai.Content, 0, len(history)+1)
	for _, m := range history {
		parts := make([]ai.Part, 0, 1+len(m.Attachments))
		if m.Content != "" {
			parts = append(parts, ai.Part{Text: m.Content})
		}
		for _, a := range m.Attachments {
			p, err := decodeAttachment(a)
			if err != nil || p == nil || !model.Capabilities.Allows(models.CategoryOf(p.MIMEType)) {
				continue
			}
			parts = append(parts, *p)
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, ai.Content{Role: upstreamRole(m.Role), Parts: parts})
	}

	blobs := make([]ai.Part, 0, len(latest.Attachments))
	hasImage := false
	for i, a := range latest.Attachments {
		p, err := decodeAttachment(a)
		if err != nil {
			return nil, fmt.Errorf("%w: attachment %d: %v", ErrMalformedAttachment, i, err)
		}
		if p == nil {
			continue
		}
		cat := models.CategoryOf(p.MIMEType)
		if !model.Capabilities.Allows(cat) {
			continue
		}
		if cat == models.CategoryImage {
			hasImage = true
		}
		blobs = append(blobs, *p)
	}

	text, structured := Classify(latest.Content, model.Capabilities, hasImage)
	final := ai.Content{Role: ai.RoleUser, Parts: make([]ai.Part, 0, 1+len(blobs))}
	final.Parts = append(final.Parts, ai.Part{Text: composeUserText(model.SystemPrompt, text)})
	final.Parts = append(final.Parts, blobs...)
	contents = append(contents, final)

	return &Request{
		Model:      model,
		Upstream:   upstream(model, contents),
		UserText:   latest.Content,
		Structured: structured,
	}, nil
}

// BuildFallback builds the degraded retry request: system prompt and the
// user's text only, no history, no attachments, no augmentation.
func BuildFallback(model models.ModelConfig, userText string) *Request {
	contents := []ai.Content{{
		Role:  ai.RoleUser,
		Parts: []ai.Part{{Text: composeUserText(model.SystemPrompt, userText)}},
	}}
	return &Request{Model: model, Upstream: upstream(model, contents), UserText: userText}
}

// BuildText builds a single-turn text request without the model's system
// prompt, used for internal prompts such as title generation.
func BuildText(model models.ModelConfig, text string) *Request {
	contents := []ai.Content{{Role: ai.RoleUser, Parts: []ai.Part{{Text: text}}}}
	return &Request{Model: model, Upstream: upstream(model, contents), UserText: text}
}

func upstream(model models.ModelConfig, contents []ai.Content) *ai.Request {
	req := &ai.Request{
		Model:           model.ID,
		Contents:        contents,
		MaxOutputTokens: model.GenerationConfig.MaxOutputTokens,
	}
	if t := model.GenerationConfig.Temperature; t != nil {
		v := *t
		req.Temperature = &v
	}
	return req
}

func composeUserText(systemPrompt, text string) string {
	if systemPrompt == "" {
		return text
	}
	return systemPrompt + userSeparator + text
}

func upstreamRole(r chat.Role) string {
	if r == chat.RoleAssistant {
		return ai.RoleModel
	}
	return ai.RoleUser
}

// decodeAttachment returns nil for attachments whose payload was evicted.
func decodeAttachment(a chat.Attachment) (*ai.Part, error) {
	payload := strings.TrimSpace(a.Base64)
	mimeType := strings.TrimSpace(a.MIMEType)
	// tolerate data URLs as produced by FileReader.readAsDataURL
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		header, data, found := strings.Cut(rest, ",")
		if !found {
			return nil, errors.New("data url without payload")
		}
		if mimeType == "" {
			mimeType, _, _ = strings.Cut(header, ";")
		}
		payload = data
	}
	if payload == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, err
	}
	if mimeType == "" {
		mimeType = SniffMIME(data)
	}
	return &ai.Part{MIMEType: mimeType, Data: data}, nil
}

// SniffMIME detects the MIME type of raw bytes, without parameters.
func SniffMIME(data []byte) string {
	mt := mimetype.Detect(data).String()
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}
