// Package completion sends built requests upstream and degrades to the
// designated fallback model when the primary model fails.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/suPer8Hu/nahara-chat/internal/ai"
	"github.com/suPer8Hu/nahara-chat/internal/models"
	"github.com/suPer8Hu/nahara-chat/internal/prompt"
)

var ErrAllModelsFailed = errors.New("completion: all models failed")

type Outcome int

const (
	OutcomePrimary Outcome = iota
	OutcomeFallback
)

func (o Outcome) String() string {
	if o == OutcomeFallback {
		return "fallback"
	}
	return "primary"
}

type Result struct {
	Outcome Outcome
	Text    string
	Warning string
	// Model is the id of the model that produced Text.
	Model string
}

// AllModelsFailedError carries both causes of a failed cascade.
type AllModelsFailedError struct {
	Primary  error
	Fallback error
}

func (e *AllModelsFailedError) Error() string {
	return fmt.Sprintf("all models failed: primary: %v; fallback: %v", e.Primary, e.Fallback)
}

func (e *AllModelsFailedError) Unwrap() []error {
	return []error{ErrAllModelsFailed, e.Primary, e.Fallback}
}

type Client struct {
	providers *ai.Registry
	models    *models.Registry
	log       *slog.Logger
}

func NewClient(providers *ai.Registry, registry *models.Registry, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{providers: providers, models: registry, log: log}
}

func (c *Client) call(ctx context.Context, req *prompt.Request) (string, error) {
	p, err := c.providers.Get(ctx, req.Model.Provider, req.Model.ID)
	if err != nil {
		return "", err
	}
	return p.Generate(ctx, req.Upstream)
}

// Complete runs the primary request and, on failure, exactly one text-only
// retry against the fallback model. Structured requests fall back too; their
// fallback text is returned as is.
func (c *Client) Complete(ctx context.Context, req *prompt.Request) (*Result, error) {
	if req == nil || req.Upstream == nil {
		return nil, errors.New("completion: nil request")
	}
	primary := req.Model

	text, err := c.call(ctx, req)
	if err == nil {
		return &Result{Outcome: OutcomePrimary, Text: text, Model: primary.ID}, nil
	}
	if errors.Is(err, ai.ErrMissingAPIKey) {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	fb := c.models.Fallback(primary.ID)
	c.log.Warn("primary model failed, trying fallback",
		"model", primary.ID, "fallback", fb.ID, "structured", req.Structured, "err", err)

	fbText, fbErr := c.call(ctx, prompt.BuildFallback(fb, req.UserText))
	if fbErr != nil {
		if errors.Is(fbErr, ai.ErrMissingAPIKey) {
			return nil, fbErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.log.Error("fallback model failed",
			"model", primary.ID, "fallback", fb.ID, "primary_err", err, "err", fbErr)
		return nil, &AllModelsFailedError{Primary: err, Fallback: fbErr}
	}

	return &Result{
		Outcome: OutcomeFallback,
		Text:    fbText,
		Warning: FallbackWarning(fb, primary),
		Model:   fb.ID,
	}, nil
}

func FallbackWarning(fallback, primary models.ModelConfig) string {
	return fmt.Sprintf("The fallback model %s was used because %s failed.", fallback.Label(), primary.Label())
}
