package models

import (
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// providerName matches the names backends are registered under.
var providerName = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Category is the coarse content class an attachment falls into.
type Category string

const (
	CategoryText     Category = "text"
	CategoryImage    Category = "image"
	CategoryDocument Category = "document"
	CategoryAudio    Category = "audio"
)

// Capabilities declares which input kinds a model accepts.
type Capabilities struct {
	Text      bool `yaml:"text" json:"text"`
	Images    bool `yaml:"images" json:"images"`
	Documents bool `yaml:"documents" json:"documents"`
	Audio     bool `yaml:"audio" json:"audio"`
	Code      bool `yaml:"code" json:"code"`
}

// Allows reports whether content of the given category may be sent to the model.
// Text is always allowed.
func (c Capabilities) Allows(cat Category) bool {
	switch cat {
	case CategoryText:
		return true
	case CategoryImage:
		return c.Images
	case CategoryDocument:
		return c.Documents
	case CategoryAudio:
		return c.Audio
	default:
		return false
	}
}

// GenerationConfig holds the sampling parameters sent with every request.
// A nil Temperature leaves the provider default in place; zero is sent as is.
type GenerationConfig struct {
	Temperature     *float32 `yaml:"temperature" json:"temperature,omitempty"`
	MaxOutputTokens int32   `yaml:"max_output_tokens" json:"maxOutputTokens"`
}

func (g GenerationConfig) Validate() error {
	return validation.ValidateStruct(&g,
		validation.Field(&g.Temperature, validation.Min(float32(0)), validation.Max(float32(2))),
		validation.Field(&g.MaxOutputTokens, validation.Min(int32(0))),
	)
}

// ModelConfig is one entry of the model catalogue. Immutable after load.
type ModelConfig struct {
	ID                      string           `yaml:"-" json:"id"`
	Name                    string           `yaml:"name" json:"name"`
	DisplayName             string           `yaml:"display_name" json:"displayName"`
	Description             string           `yaml:"description" json:"description"`
	WelcomeMessage          string           `yaml:"welcome_message" json:"welcomeMessage"`
	Provider                string           `yaml:"provider" json:"provider"`
	SystemPrompt            string           `yaml:"system_prompt" json:"-"`
	Capabilities            Capabilities     `yaml:"capabilities" json:"capabilities"`
	GenerationConfig        GenerationConfig `yaml:"generation" json:"generationConfig"`
	SupportsTitleGeneration bool             `yaml:"supports_title_generation" json:"supportsTitleGeneration"`
	Fallback                string           `yaml:"fallback" json:"-"`
}

// Validate checks the entry on its own. Whether Provider is actually
// registered is checked where the providers are wired.
func (m ModelConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.ID, validation.Required),
		validation.Field(&m.Provider, validation.Required, validation.Match(providerName)),
		validation.Field(&m.GenerationConfig),
	)
}

// Label is the human readable name used in warnings.
func (m ModelConfig) Label() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// CategoryOf maps a MIME type to its capability category. Unknown binary
// types are treated as documents.
func CategoryOf(mimeType string) Category {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return CategoryImage
	case strings.HasPrefix(mt, "audio/"):
		return CategoryAudio
	default:
		return CategoryDocument
	}
}
