package models

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed config/models.yaml
var configFiles embed.FS

const defaultProvider = "gemini"

// Catalogue is the on-disk shape of the model list.
type Catalogue struct {
	Default    string        `yaml:"default"`
	TitleModel string        `yaml:"title_model"`
	Models     []ModelConfig `yaml:"-"`
}

// UnmarshalYAML keeps the models in file order.
func (c *Catalogue) UnmarshalYAML(node *yaml.Node) error {
	type plain struct {
		Default    string                 `yaml:"default"`
		TitleModel string                 `yaml:"title_model"`
		Models     map[string]ModelConfig `yaml:"models"`
	}
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	c.Default = p.Default
	c.TitleModel = p.TitleModel

	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "models" {
			continue
		}
		modelsNode := node.Content[i+1]
		for j := 0; j+1 < len(modelsNode.Content); j += 2 {
			id := modelsNode.Content[j].Value
			m, ok := p.Models[id]
			if !ok {
				continue
			}
			m.ID = id
			c.Models = append(c.Models, m)
		}
		break
	}
	return nil
}

// Registry is the static model catalogue. Safe for concurrent use; never mutated after construction.
type Registry struct {
	models     []ModelConfig
	byID       map[string]int
	defaultID  string
	titleModel string
}

// NewRegistry loads the embedded catalogue.
func NewRegistry() (*Registry, error) {
	data, err := configFiles.ReadFile("config/models.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded models: %w", err)
	}
	return Parse(data)
}

// LoadFile loads a catalogue from disk, used when MODELS_FILE is set.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var cat Catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("unmarshal models: %w", err)
	}
	return New(cat)
}

// New validates a catalogue and indexes it.
func New(cat Catalogue) (*Registry, error) {
	if len(cat.Models) == 0 {
		return nil, errors.New("models: catalogue is empty")
	}
	r := &Registry{
		models: make([]ModelConfig, 0, len(cat.Models)),
		byID:   make(map[string]int, len(cat.Models)),
	}
	for _, m := range cat.Models {
		m.ID = strings.TrimSpace(m.ID)
		if m.Provider == "" {
			m.Provider = defaultProvider
		}
		m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("models: model %q: %w", m.ID, err)
		}
		if _, dup := r.byID[m.ID]; dup {
			return nil, fmt.Errorf("models: duplicate model %q", m.ID)
		}
		m.Capabilities.Text = true
		m.SystemPrompt = strings.TrimSpace(m.SystemPrompt)
		r.byID[m.ID] = len(r.models)
		r.models = append(r.models, m)
	}

	r.defaultID = r.models[0].ID
	if _, ok := r.byID[cat.Default]; ok {
		r.defaultID = cat.Default
	}
	r.titleModel = r.defaultID
	if _, ok := r.byID[cat.TitleModel]; ok {
		r.titleModel = cat.TitleModel
	}
	return r, nil
}

// All returns the catalogue in declaration order.
func (r *Registry) All() []ModelConfig {
	out := make([]ModelConfig, len(r.models))
	copy(out, r.models)
	return out
}

func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

func (r *Registry) Default() ModelConfig {
	return r.models[r.byID[r.defaultID]]
}

// TitleModel is the model used for conversation titles, independent of the conversation's own model.
func (r *Registry) TitleModel() ModelConfig {
	return r.models[r.byID[r.titleModel]]
}

// ByID returns the model with the given id, or the default model when the id is unknown.
func (r *Registry) ByID(id string) ModelConfig {
	if i, ok := r.byID[strings.TrimSpace(id)]; ok {
		return r.models[i]
	}
	return r.Default()
}

// Fallback returns the model to retry against after id failed.
// With a single configured model it returns that model.
func (r *Registry) Fallback(id string) ModelConfig {
	primary := r.ByID(id)
	if fb := primary.Fallback; fb != "" && fb != primary.ID {
		if i, ok := r.byID[fb]; ok {
			return r.models[i]
		}
	}
	if r.defaultID != primary.ID {
		return r.Default()
	}
	for _, m := range r.models {
		if m.ID != primary.ID {
			return m
		}
	}
	return primary
}
