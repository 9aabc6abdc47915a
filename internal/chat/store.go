package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/suPer8Hu/nahara-chat/internal/common"
	"github.com/suPer8Hu/nahara-chat/internal/models"
	"github.com/suPer8Hu/nahara-chat/internal/store"
)

// MaxTitleLength bounds conversation titles, in runes.
const MaxTitleLength = 200

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidTitle         = errors.New("invalid conversation title")
	ErrInvalidMessage       = errors.New("invalid message")
	// ErrNewerDocument means the saved document was written by a newer
	// build. It is left untouched.
	ErrNewerDocument = errors.New("conversation document is newer than supported")
)

type Options struct {
	// Key is the storage key of the conversation document.
	Key string
	// MaxAttachmentBytes caps the base64 payload kept across all
	// conversations. Zero disables the cap.
	MaxAttachmentBytes int64
	Logger             *slog.Logger
	Now                func() time.Time
	NewID              func() string
}

// Store owns every conversation plus the current conversation pointer and the
// active model. All mutations run under one mutex and are persisted before the
// method returns.
type Store struct {
	mu      sync.Mutex
	backend store.Backend
	models  *models.Registry
	opts    Options
	log     *slog.Logger

	convs         map[string]*Conversation
	currentID     string
	activeModelID string
}

// Open rehydrates the store from backend. A missing document starts an empty
// store; an unreadable one is logged and discarded. A document from a newer
// build fails with ErrNewerDocument and is never overwritten.
func Open(ctx context.Context, backend store.Backend, registry *models.Registry, opts Options) (*Store, error) {
	if opts.Key == "" {
		opts.Key = "conversations"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = common.MustULID
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		backend: backend,
		models:  registry,
		opts:    opts,
		log:     opts.Logger.With("component", "conversation_store"),
		convs:   make(map[string]*Conversation),
	}

	raw, err := backend.Load(ctx, opts.Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load conversations: %w", err)
	default:
		doc, err := decodeDocument(raw)
		if errors.Is(err, ErrNewerDocument) {
			return nil, fmt.Errorf("load conversations: %w", err)
		}
		if err != nil {
			s.log.Error("discarding unreadable conversation document", "err", err)
			break
		}
		for i := range doc.Conversations {
			c := doc.Conversations[i]
			if c.ID == "" {
				continue
			}
			if c.Title == "" {
				c.Title = DefaultTitle
			}
			if c.UpdatedAt.Before(c.CreatedAt) {
				c.UpdatedAt = c.CreatedAt
			}
			s.convs[c.ID] = &c
		}
		s.currentID = doc.CurrentConversationID
		s.activeModelID = doc.ActiveModelID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !registry.Has(s.activeModelID) {
		s.activeModelID = registry.Default().ID
	}
	if _, ok := s.convs[s.currentID]; !ok {
		s.currentID = ""
	}
	s.selectModelLocked(s.activeModelID)
	s.persistLocked(ctx)
	return s, nil
}

func (s *Store) now(prev time.Time) time.Time {
	t := s.opts.Now()
	if t.Before(prev) {
		return prev
	}
	return t
}

func (s *Store) touch(c *Conversation) {
	c.UpdatedAt = s.now(c.UpdatedAt)
}

// Create starts a new conversation for modelID and makes it current.
func (s *Store) Create(ctx context.Context, modelID string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.createLocked(s.models.ByID(modelID).ID)
	s.persistLocked(ctx)
	return c.clone()
}

func (s *Store) createLocked(modelID string) *Conversation {
	t := s.opts.Now()
	c := &Conversation{
		ID:        s.opts.NewID(),
		Title:     DefaultTitle,
		ModelID:   modelID,
		Messages:  []Message{},
		CreatedAt: t,
		UpdatedAt: t,
	}
	s.convs[c.ID] = c
	s.currentID = c.ID
	return c
}

// SetCurrent makes id current. Unknown ids are ignored.
func (s *Store) SetCurrent(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok || s.currentID == id {
		return
	}
	s.currentID = id
	s.persistLocked(ctx)
}

func (s *Store) Current() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[s.currentID]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

func (s *Store) Get(id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return c.clone(), nil
}

// List returns conversations for modelID, or all of them when modelID is
// empty, most recently updated first.
func (s *Store) List(modelID string) []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.sortedLocked(modelID) {
		out = append(out, c.clone())
	}
	return out
}

func (s *Store) sortedLocked(modelID string) []*Conversation {
	out := make([]*Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		if modelID == "" || c.ModelID == modelID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func validateMessages(msgs []Message) error {
	for i, m := range msgs {
		if !m.Valid() {
			return fmt.Errorf("%w: message %d (role %q)", ErrInvalidMessage, i, m.Role)
		}
	}
	return nil
}

func (s *Store) assignIDs(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		m = m.clone()
		if m.ID == "" {
			m.ID = s.opts.NewID()
		}
		for j := range m.Attachments {
			if m.Attachments[j].ID == "" {
				m.Attachments[j].ID = s.opts.NewID()
			}
		}
		out[i] = m
	}
	return out
}

// ReplaceMessages swaps the whole message list of a conversation.
func (s *Store) ReplaceMessages(ctx context.Context, id string, msgs []Message) (Conversation, error) {
	if err := validateMessages(msgs); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	c.Messages = s.assignIDs(msgs)
	s.touch(c)
	s.persistLocked(ctx)
	return c.clone(), nil
}

// AppendMessages adds msgs after the existing ones. Earlier messages are never
// touched, so concurrent appends and renames cannot drop anything already written.
func (s *Store) AppendMessages(ctx context.Context, id string, msgs ...Message) (Conversation, error) {
	if err := validateMessages(msgs); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	c.Messages = append(c.Messages, s.assignIDs(msgs)...)
	s.touch(c)
	s.persistLocked(ctx)
	return c.clone(), nil
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", nil
	}
	if err := validation.Validate(title, validation.RuneLength(1, MaxTitleLength)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTitle, err)
	}
	return title, nil
}

// Rename sets the title. A blank title is a no-op.
func (s *Store) Rename(ctx context.Context, id, title string) (Conversation, error) {
	title, err := normalizeTitle(title)
	if err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	if title == "" {
		return c.clone(), nil
	}
	c.Title = title
	s.touch(c)
	s.persistLocked(ctx)
	return c.clone(), nil
}

// RenameIfDefault renames only while the title is still DefaultTitle, so a
// late automatic title never overwrites one the user chose.
func (s *Store) RenameIfDefault(ctx context.Context, id, title string) (bool, error) {
	title, err := normalizeTitle(title)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return false, ErrConversationNotFound
	}
	if title == "" || c.Title != DefaultTitle {
		return false, nil
	}
	c.Title = title
	s.touch(c)
	s.persistLocked(ctx)
	return true, nil
}

// Delete removes a conversation. When it was current, the most recently
// updated conversation of the same model becomes current, or a new one is created.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return ErrConversationNotFound
	}
	delete(s.convs, id)
	if s.currentID == id {
		s.currentID = ""
		if rest := s.sortedLocked(c.ModelID); len(rest) > 0 {
			s.currentID = rest[0].ID
		} else {
			s.createLocked(c.ModelID)
		}
	}
	s.persistLocked(ctx)
	return nil
}

// SelectModel switches the active model and returns the conversation that
// became current for it.
func (s *Store) SelectModel(ctx context.Context, modelID string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.selectModelLocked(s.models.ByID(modelID).ID)
	s.persistLocked(ctx)
	return c.clone()
}

func (s *Store) selectModelLocked(modelID string) *Conversation {
	s.activeModelID = modelID
	if cur, ok := s.convs[s.currentID]; ok && cur.ModelID == modelID {
		return cur
	}
	if candidates := s.sortedLocked(modelID); len(candidates) > 0 {
		s.currentID = candidates[0].ID
		return candidates[0]
	}
	return s.createLocked(modelID)
}

func (s *Store) ActiveModel() models.ModelConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.models.ByID(s.activeModelID)
}

// Flush persists the current state again, e.g. at shutdown after a failed write.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx)
}

// persistLocked writes the document. Like browser storage, a failed write does
// not roll back the in-memory state; it is logged and retried on the next mutation.
func (s *Store) persistLocked(ctx context.Context) {
	if err := s.saveLocked(ctx); err != nil {
		s.log.Error("persist conversations failed", "err", err)
	}
}

func (s *Store) saveLocked(ctx context.Context) error {
	s.enforceAttachmentBudgetLocked()
	raw, err := encodeDocument(document{
		Version:               documentVersion,
		ActiveModelID:         s.activeModelID,
		CurrentConversationID: s.currentID,
		Conversations:         s.sortedLocked(""),
	})
	if err != nil {
		return err
	}
	return s.backend.Save(context.WithoutCancel(ctx), s.opts.Key, raw)
}

// enforceAttachmentBudgetLocked strips base64 payloads, oldest conversation
// and oldest message first, until the total fits MaxAttachmentBytes.
func (s *Store) enforceAttachmentBudgetLocked() {
	limit := s.opts.MaxAttachmentBytes
	if limit <= 0 {
		return
	}
	var total int64
	for _, c := range s.convs {
		for _, m := range c.Messages {
			for _, a := range m.Attachments {
				total += int64(len(a.Base64))
			}
		}
	}
	if total <= limit {
		return
	}

	convs := s.sortedLocked("")
	stripped := 0
	for i := len(convs) - 1; i >= 0 && total > limit; i-- {
		c := convs[i]
		for mi := range c.Messages {
			for ai := range c.Messages[mi].Attachments {
				a := &c.Messages[mi].Attachments[ai]
				if a.Base64 == "" {
					continue
				}
				total -= int64(len(a.Base64))
				a.Base64 = ""
				stripped++
				if total <= limit {
					break
				}
			}
			if total <= limit {
				break
			}
		}
	}
	s.log.Warn("attachment budget exceeded, dropped payloads", "stripped", stripped, "limit", limit)
}
