package client

import (
	"context"
	"fmt"
	"net/http"
)

// VisionClient is a chat-style model backend that accepts an optional base64 image
type VisionClient interface {
	// SimpleQuery returns the model's natural-language answer; imgB64 may be empty
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	// AnalyzeImage returns the raw model text for a structured-output prompt
	AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (string, error)
}

// Embedder produces vector embeddings for text
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// StatusError is returned when a model or speech service answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

// ServerError reports a 5xx status
func (e *StatusError) ServerError() bool {
	return e.StatusCode >= http.StatusInternalServerError && e.StatusCode < 600
}

// NotFound reports a 404 status
func (e *StatusError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}
