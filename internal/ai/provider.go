package ai

import (
	"context"
	"errors"
)

// Roles in the upstream vocabulary.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

var (
	// ErrMissingAPIKey is a configuration error. It is never retried.
	ErrMissingAPIKey = errors.New("ai: api key is missing")
	// ErrEmptyResponse is returned when the upstream answered without any text.
	ErrEmptyResponse = errors.New("ai: response does not contain text")
)

// Part is either text or an inline binary blob.
type Part struct {
	Text     string
	MIMEType string
	Data     []byte
}

func (p Part) IsBlob() bool { return len(p.Data) > 0 }

type Content struct {
	Role  string
	Parts []Part
}

// Request is the provider-neutral generation request.
type Request struct {
	Model           string
	Contents        []Content
	Temperature     *float32
	MaxOutputTokens int32
}

// Provider generates a single completion. Implementations must return
// ErrEmptyResponse rather than an empty string.
type Provider interface {
	Generate(ctx context.Context, req *Request) (string, error)
}
