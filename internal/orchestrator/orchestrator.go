// Package orchestrator drives chat turns: it persists the user message, runs
// the completion, records the outcome and schedules conversation titles.
package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/suPer8Hu/nahara-chat/internal/chat"
	"github.com/suPer8Hu/nahara-chat/internal/completion"
	"github.com/suPer8Hu/nahara-chat/internal/models"
	"github.com/suPer8Hu/nahara-chat/internal/prompt"
)

var (
	ErrEmptySubmission = errors.New("submission has no text and no attachments")
	ErrBusy            = errors.New("conversation already has a request in flight")
	ErrNoConversation  = errors.New("no current conversation")
)

// MaxUploads bounds the attachments of a single message.
const MaxUploads = 10

type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateAwaitingCompletion
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateSubmitting:
		return "submitting"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StateCancelling:
		return "cancelling"
	default:
		return "idle"
	}
}

// Completer is the part of completion.Client the orchestrator needs.
type Completer interface {
	Complete(ctx context.Context, req *prompt.Request) (*completion.Result, error)
}

// Upload is a raw file picked by the user.
type Upload struct {
	FileName string
	MIMEType string
	Data     []byte
}

type SubmitInput struct {
	Text    string
	Uploads []Upload
	// Attachments are already base64 encoded, e.g. from a JSON body.
	Attachments []chat.Attachment
}

func (in SubmitInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Uploads, validation.Length(0, MaxUploads)),
		validation.Field(&in.Attachments, validation.Length(0, MaxUploads)),
	)
}

func (in SubmitInput) empty() bool {
	return strings.TrimSpace(in.Text) == "" && len(in.Uploads) == 0 && len(in.Attachments) == 0
}

// Reply is the outcome of one turn.
type Reply struct {
	Text      string
	Warning   string
	Model     string
	Cancelled bool
	// Conversation is the state after the turn was recorded.
	Conversation chat.Conversation
}

type turn struct {
	state     State
	cancel    context.CancelFunc
	cancelled bool
}

type Orchestrator struct {
	store     *chat.Store
	models    *models.Registry
	completer Completer
	titles    TitleQueue
	log       *slog.Logger

	mu    sync.Mutex
	turns map[string]*turn
}

func New(store *chat.Store, registry *models.Registry, completer Completer, titles TitleQueue, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		models:    registry,
		completer: completer,
		titles:    titles,
		log:       log,
		turns:     make(map[string]*turn),
	}
}

// State returns the turn state of a conversation.
func (o *Orchestrator) State(convID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.turns[convID]; ok {
		return t.state
	}
	return StateIdle
}

func (o *Orchestrator) begin(convID string) (*turn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.turns[convID]; busy {
		return nil, ErrBusy
	}
	t := &turn{state: StateSubmitting}
	o.turns[convID] = t
	return t, nil
}

func (o *Orchestrator) setState(t *turn, s State) {
	o.mu.Lock()
	t.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) end(convID string, t *turn) {
	o.mu.Lock()
	if o.turns[convID] == t {
		delete(o.turns, convID)
	}
	o.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}

// Cancel aborts the in-flight completion of convID. It reports whether there
// was one to abort.
func (o *Orchestrator) Cancel(convID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.turns[convID]
	if !ok || t.state != StateAwaitingCompletion || t.cancel == nil {
		return false
	}
	t.state = StateCancelling
	t.cancelled = true
	t.cancel()
	return true
}

// ReplaceMessages overwrites the history of convID. It holds the turn slot
// while doing so and fails with ErrBusy when a turn is in flight, so a
// pending reply is never appended to a list it did not answer.
func (o *Orchestrator) ReplaceMessages(ctx context.Context, convID string, msgs []chat.Message) (chat.Conversation, error) {
	t, err := o.begin(convID)
	if err != nil {
		return chat.Conversation{}, err
	}
	defer o.end(convID, t)
	return o.store.ReplaceMessages(ctx, convID, msgs)
}

func encodeUploads(in SubmitInput) []chat.Attachment {
	out := make([]chat.Attachment, 0, len(in.Attachments)+len(in.Uploads))
	out = append(out, in.Attachments...)
	for _, u := range in.Uploads {
		if len(u.Data) == 0 {
			continue
		}
		mt := strings.TrimSpace(u.MIMEType)
		if mt == "" || mt == "application/octet-stream" {
			mt = prompt.SniffMIME(u.Data)
		}
		out = append(out, chat.Attachment{
			MIMEType: mt,
			Base64:   base64.StdEncoding.EncodeToString(u.Data),
			FileName: u.FileName,
		})
	}
	return out
}

// SubmitCurrent submits to the current conversation.
func (o *Orchestrator) SubmitCurrent(ctx context.Context, in SubmitInput) (*Reply, error) {
	conv, ok := o.store.Current()
	if !ok {
		return nil, ErrNoConversation
	}
	return o.Submit(ctx, conv.ID, in)
}

// Submit runs one chat turn. The user message is stored before the upstream
// call, so a failed or cancelled turn keeps it. Failures leave no assistant
// message; a cancelled turn leaves one empty assistant message.
func (o *Orchestrator) Submit(ctx context.Context, convID string, in SubmitInput) (*Reply, error) {
	if in.empty() {
		return nil, ErrEmptySubmission
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrInvalidMessage, err)
	}

	t, err := o.begin(convID)
	if err != nil {
		return nil, err
	}
	defer o.end(convID, t)

	conv, err := o.store.Get(convID)
	if err != nil {
		return nil, err
	}
	model := o.models.ByID(conv.ModelID)

	userMsg := chat.Message{
		Role:        chat.RoleUser,
		Content:     strings.TrimSpace(in.Text),
		Attachments: encodeUploads(in),
	}
	req, err := prompt.Build(model, conv.Messages, userMsg)
	if err != nil {
		return nil, err
	}

	if _, err := o.store.AppendMessages(ctx, convID, userMsg); err != nil {
		return nil, err
	}

	// fresh token per turn; end() releases it
	cctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	t.cancel = cancel
	t.state = StateAwaitingCompletion
	o.mu.Unlock()

	res, err := o.completer.Complete(cctx, req)

	o.mu.Lock()
	cancelled := t.cancelled
	o.mu.Unlock()

	switch {
	case err == nil:
		conv, err = o.store.AppendMessages(ctx, convID, chat.Message{Role: chat.RoleAssistant, Content: res.Text})
		if err != nil {
			return nil, err
		}
		o.maybeTitle(ctx, conv)
		return &Reply{Text: res.Text, Warning: res.Warning, Model: res.Model, Conversation: conv}, nil

	case cancelled:
		conv, err = o.store.AppendMessages(context.WithoutCancel(ctx), convID, chat.Message{Role: chat.RoleAssistant})
		if err != nil {
			return nil, err
		}
		o.log.Info("turn cancelled", "conversation", convID, "model", model.ID)
		o.maybeTitle(ctx, conv)
		return &Reply{Cancelled: true, Model: model.ID, Conversation: conv}, nil

	default:
		o.log.Error("turn failed", "conversation", convID, "model", model.ID, "err", err)
		if conv, gerr := o.store.Get(convID); gerr == nil {
			o.maybeTitle(ctx, conv)
		}
		return nil, err
	}
}

func (o *Orchestrator) maybeTitle(ctx context.Context, conv chat.Conversation) {
	if o.titles == nil || !ShouldGenerateTitle(conv, o.models.ByID(conv.ModelID)) {
		return
	}
	if err := o.titles.Enqueue(context.WithoutCancel(ctx), conv); err != nil {
		o.log.Warn("title job not queued", "conversation", conv.ID, "err", err)
	}
}
