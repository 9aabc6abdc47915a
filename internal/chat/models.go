package chat

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultTitle is the sentinel title of a conversation that has not been named yet.
const DefaultTitle = "New Chat"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Attachment is user supplied binary content carried inline as base64.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	MIMEType string `json:"mimeType"`
	Base64   string `json:"base64"`
	FileName string `json:"fileName,omitempty"`
}

type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// legacyMessage accepts the single image and files array shapes older clients send.
type legacyMessage struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	Image       *Attachment  `json:"image"`
	Images      []Attachment `json:"images"`
	Files       []Attachment `json:"files"`
}

// UnmarshalJSON folds image, images and files into Attachments, in that order
// after any explicit attachments.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw legacyMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	atts := make([]Attachment, 0, len(raw.Attachments)+len(raw.Images)+len(raw.Files)+1)
	atts = append(atts, raw.Attachments...)
	if raw.Image != nil && raw.Image.Base64 != "" {
		atts = append(atts, *raw.Image)
	}
	atts = append(atts, raw.Images...)
	atts = append(atts, raw.Files...)

	*m = Message{ID: raw.ID, Role: raw.Role, Content: raw.Content}
	if len(atts) > 0 {
		m.Attachments = atts
	}
	return nil
}

// Valid reports whether the message satisfies the role invariants. Assistant
// messages may be empty to mark a cancelled turn.
func (m Message) Valid() bool {
	switch m.Role {
	case RoleUser:
		return strings.TrimSpace(m.Content) != "" || len(m.Attachments) > 0
	case RoleAssistant:
		return true
	default:
		return false
	}
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	ModelID   string    `json:"modelId"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c *Conversation) clone() Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.clone()
	}
	return out
}

// CountRoles returns the number of user and assistant messages.
func (c Conversation) CountRoles() (users, assistants int) {
	for _, m := range c.Messages {
		switch m.Role {
		case RoleUser:
			users++
		case RoleAssistant:
			assistants++
		}
	}
	return users, assistants
}
