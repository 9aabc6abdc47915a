package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider talks to a local Ollama server. Only text and image parts
// are forwarded; other blobs are dropped because Ollama has no field for them.
type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

// OllamaFactory returns a registry factory for one Ollama server.
func OllamaFactory(baseURL string) ProviderFactory {
	return func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		return NewOllamaProvider(baseURL, model), nil
	}
}

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float32 `json:"temperature,omitempty"`
	NumPredict  int32   `json:"num_predict,omitempty"`
}

type ollamaMsg struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResp struct {
	Message ollamaMsg `json:"message"`
	Error   string    `json:"error,omitempty"`
}

func toOllamaMessages(contents []Content) []ollamaMsg {
	out := make([]ollamaMsg, 0, len(contents))
	for _, c := range contents {
		role := "user"
		if c.Role == RoleModel {
			role = "assistant"
		}
		var text []string
		var images []string
		for _, p := range c.Parts {
			if p.IsBlob() {
				if strings.HasPrefix(p.MIMEType, "image/") {
					images = append(images, base64.StdEncoding.EncodeToString(p.Data))
				}
				continue
			}
			if p.Text != "" {
				text = append(text, p.Text)
			}
		}
		if len(text) == 0 && len(images) == 0 {
			continue
		}
		out = append(out, ollamaMsg{Role: role, Content: strings.Join(text, "\n"), Images: images})
	}
	return out
}

func (p *OllamaProvider) Generate(ctx context.Context, req *Request) (string, error) {
	if p.Client == nil {
		return "", errors.New("ollama: http client is nil")
	}

	model := p.Model
	if req.Model != "" {
		model = req.Model
	}
	reqBody := ollamaChatReq{
		Model:    model,
		Stream:   false,
		Messages: toOllamaMessages(req.Contents),
	}
	if req.Temperature != nil || req.MaxOutputTokens > 0 {
		reqBody.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxOutputTokens}
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("ollama: %s", msg)
	}

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != "" {
		return "", errors.New(decoded.Error)
	}
	if strings.TrimSpace(decoded.Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return decoded.Message.Content, nil
}
