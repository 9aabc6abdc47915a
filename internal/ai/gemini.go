package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

type GeminiProvider struct {
	Model  string
	client *genai.Client
}

// NewGeminiProvider builds a Gemini API client. baseURL overrides the public
// endpoint when non-empty.
func NewGeminiProvider(ctx context.Context, apiKey, baseURL, model string, httpClient *http.Client) (*GeminiProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("gemini: model is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(baseURL, "/") + "/"}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &GeminiProvider{Model: model, client: client}, nil
}

// GeminiFactory returns a registry factory bound to one credential.
func GeminiFactory(apiKey, baseURL string) ProviderFactory {
	return func(ctx context.Context, model string) (Provider, error) {
		return NewGeminiProvider(ctx, apiKey, baseURL, model, nil)
	}
}

func (p *GeminiProvider) Generate(ctx context.Context, req *Request) (string, error) {
	if p.client == nil {
		return "", errors.New("gemini: client is nil")
	}
	model := p.Model
	if req.Model != "" {
		model = req.Model
	}

	contents := make([]*genai.Content, 0, len(req.Contents))
	for _, c := range req.Contents {
		parts := make([]*genai.Part, 0, len(c.Parts))
		for _, part := range c.Parts {
			if part.IsBlob() {
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: part.MIMEType, Data: part.Data}})
				continue
			}
			parts = append(parts, &genai.Part{Text: part.Text})
		}
		if len(parts) == 0 {
			continue
		}
		role := RoleUser
		if c.Role == RoleModel {
			role = RoleModel
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	cfg := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(*req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = req.MaxOutputTokens
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return firstText(resp)
}

// firstText extracts the first text part of the first candidate.
func firstText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	cand := resp.Candidates[0]
	if cand == nil || cand.Content == nil {
		return "", ErrEmptyResponse
	}
	for _, part := range cand.Content.Parts {
		if part != nil && part.Text != "" {
			return part.Text, nil
		}
	}
	return "", ErrEmptyResponse
}
