package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/suPer8Hu/nahara-chat/internal/chat"
	"github.com/suPer8Hu/nahara-chat/internal/models"
	"github.com/suPer8Hu/nahara-chat/internal/prompt"
)

// ErrEmptyTitle is returned when the model answered with nothing usable.
var ErrEmptyTitle = errors.New("title: empty title")

const titleInstruction = `Given the following conversation history between a user and an AI, generate a brief and descriptive title that summarizes the main topic. Be clear, creative, do not use quotes, and the title should be short. Do not repeat phrases like "Conversation with Nahara" or similar.`

// ShouldGenerateTitle reports whether conv is due for an automatic title.
func ShouldGenerateTitle(conv chat.Conversation, model models.ModelConfig) bool {
	if conv.Title != chat.DefaultTitle || !model.SupportsTitleGeneration {
		return false
	}
	users, assistants := conv.CountRoles()
	return users >= 2 && assistants >= 2
}

func titlePrompt(msgs []chat.Message) string {
	var b strings.Builder
	b.WriteString(titleInstruction)
	b.WriteString("\n\nConversation history:\n")
	for _, m := range msgs {
		label := "User"
		if m.Role == chat.RoleAssistant {
			label = "Nahara"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	b.WriteString("\nTitle:")
	return b.String()
}

// cleanTitle keeps the first non-empty line, drops surrounding quotes and a
// leading "Title:" and caps the length.
func cleanTitle(raw string) string {
	var line string
	for _, l := range strings.Split(raw, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
	line = strings.Trim(line, "\"'`*“”‘’ ")
	if utf8.RuneCountInString(line) > chat.MaxTitleLength {
		line = string([]rune(line)[:chat.MaxTitleLength])
		line = strings.TrimSpace(line)
	}
	return line
}

// TitleGenerator names conversations from their transcript. At most one
// in-process generation runs per conversation.
type TitleGenerator struct {
	store     *chat.Store
	models    *models.Registry
	completer Completer
	log       *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewTitleGenerator(store *chat.Store, registry *models.Registry, completer Completer, log *slog.Logger) *TitleGenerator {
	if log == nil {
		log = slog.Default()
	}
	return &TitleGenerator{
		store:     store,
		models:    registry,
		completer: completer,
		log:       log,
		inflight:  make(map[string]struct{}),
	}
}

func (g *TitleGenerator) acquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[id]; busy {
		return false
	}
	g.inflight[id] = struct{}{}
	return true
}

func (g *TitleGenerator) release(id string) {
	g.mu.Lock()
	delete(g.inflight, id)
	g.mu.Unlock()
}

// Propose asks the title model for a title for conv. It does not touch the
// store, so a worker without one can call it.
func (g *TitleGenerator) Propose(ctx context.Context, conv chat.Conversation) (string, error) {
	res, err := g.completer.Complete(ctx, prompt.BuildText(g.models.TitleModel(), titlePrompt(conv.Messages)))
	if err != nil {
		return "", fmt.Errorf("title: %w", err)
	}
	title := cleanTitle(res.Text)
	if title == "" {
		return "", ErrEmptyTitle
	}
	return title, nil
}

// Apply renames convID unless someone already replaced the default title.
func (g *TitleGenerator) Apply(ctx context.Context, convID, title string) (bool, error) {
	applied, err := g.store.RenameIfDefault(ctx, convID, title)
	if err != nil || !applied {
		return false, err
	}
	g.log.Info("conversation titled", "conversation", convID, "title", title)
	return true, nil
}

// Generate titles convID if it is still due. It returns the applied title,
// or "" when nothing changed.
func (g *TitleGenerator) Generate(ctx context.Context, convID string) (string, error) {
	if !g.acquire(convID) {
		return "", nil
	}
	defer g.release(convID)

	conv, err := g.store.Get(convID)
	if err != nil {
		return "", err
	}
	if !ShouldGenerateTitle(conv, g.models.ByID(conv.ModelID)) {
		return "", nil
	}

	title, err := g.Propose(ctx, conv)
	if err != nil {
		return "", err
	}
	applied, err := g.Apply(ctx, convID, title)
	if err != nil || !applied {
		return "", err
	}
	return title, nil
}

// Run is Generate with errors logged instead of returned.
func (g *TitleGenerator) Run(ctx context.Context, convID string) error {
	if _, err := g.Generate(ctx, convID); err != nil {
		g.log.Warn("title generation failed", "conversation", convID, "err", err)
	}
	return nil
}
