package model

import (
	"context"

	"github.com/stupiduntilnot/promptrelay/internal/session"
)

// Sampling parameters sent with every completion request.
type Sampling struct {
	Temperature         float32
	TopP                float32
	MaxCompletionTokens int
}

// DefaultSampling returns the fixed sampling used for every request.
// Clients cannot override it.
func DefaultSampling() Sampling {
	return Sampling{
		Temperature:         0.7,
		TopP:                0.9,
		MaxCompletionTokens: 1024,
	}
}

// Request is one completion call: the full message list in order.
type Request struct {
	Model    string
	Messages []session.Turn
	Sampling Sampling
}

// CompletionResponse is the common response model for model providers.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Provider is the completion API abstraction used by the chat service.
type Provider interface {
	ChatCompletion(ctx context.Context, req Request) (CompletionResponse, error)
}
