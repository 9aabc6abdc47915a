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

// OpenRouterProvider speaks the OpenAI-compatible chat completions API of
// OpenRouter. Images travel as data URLs; other blobs are dropped.
type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

type openRouterPart struct {
	Type     string              `json:"type"`
	Text     string              `json:"text,omitempty"`
	ImageURL *openRouterImageURL `json:"image_url,omitempty"`
}

type openRouterImageURL struct {
	URL string `json:"url"`
}

type openRouterMsg struct {
	Role    string           `json:"role"`
	Content []openRouterPart `json:"content"`
}

type openRouterChatReq struct {
	Model       string          `json:"model"`
	Messages    []openRouterMsg `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature *float32        `json:"temperature,omitempty"`
	MaxTokens   int32           `json:"max_tokens,omitempty"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) (*OpenRouterProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("openrouter: model is required")
	}
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   strings.TrimSpace(model),
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}, nil
}

// OpenRouterFactory returns a registry factory bound to one OpenRouter key.
func OpenRouterFactory(baseURL, apiKey, siteURL, appName string) ProviderFactory {
	return func(ctx context.Context, model string) (Provider, error) {
		return NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName)
	}
}

func toOpenRouterMessages(contents []Content) []openRouterMsg {
	out := make([]openRouterMsg, 0, len(contents))
	for _, c := range contents {
		role := "user"
		if c.Role == RoleModel {
			role = "assistant"
		}
		parts := make([]openRouterPart, 0, len(c.Parts))
		for _, p := range c.Parts {
			switch {
			case p.IsBlob() && strings.HasPrefix(p.MIMEType, "image/"):
				url := "data:" + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
				parts = append(parts, openRouterPart{Type: "image_url", ImageURL: &openRouterImageURL{URL: url}})
			case !p.IsBlob() && p.Text != "":
				parts = append(parts, openRouterPart{Type: "text", Text: p.Text})
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, openRouterMsg{Role: role, Content: parts})
	}
	return out
}

func (p *OpenRouterProvider) Generate(ctx context.Context, req *Request) (string, error) {
	if p.Client == nil {
		return "", errors.New("openrouter: http client is nil")
	}

	model := p.Model
	if req.Model != "" {
		model = req.Model
	}
	reqBody := openRouterChatReq{
		Model:       model,
		Stream:      false,
		Messages:    toOpenRouterMessages(req.Contents),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/chat/completions", p.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		httpReq.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		httpReq.Header.Set("X-Title", p.AppName)
	}

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
		return "", fmt.Errorf("openrouter: %s", msg)
	}

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return decoded.Choices[0].Message.Content, nil
}
