package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stupiduntilnot/promptrelay/internal/model"
	"github.com/stupiduntilnot/promptrelay/internal/session"
)

// DefaultURL is Groq's OpenAI-compatible chat completions endpoint.
const DefaultURL = "https://api.groq.com/openai/v1/chat/completions"

var (
	ErrNoChoices = errors.New("no choices returned")
	ErrNoContent = errors.New("no message content in completion")
)

// Client is a minimal client for OpenAI-compatible chat completions APIs.
type Client struct {
	apiKey     string
	url        string
	httpClient *http.Client
}

// NewClient creates a client. timeout bounds each HTTP round trip; callers
// may impose a tighter deadline through the request context.
func NewClient(apiKey, url string, timeout time.Duration) *Client {
	return &Client{
		apiKey: apiKey,
		url:    url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatRequest struct {
	Model               string         `json:"model"`
	Messages            []session.Turn `json:"messages"`
	Temperature         float32        `json:"temperature"`
	MaxCompletionTokens int            `json:"max_completion_tokens"`
	TopP                float32        `json:"top_p"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Error code: %d - %s", e.StatusCode, e.Message)
}

// ChatCompletion sends a chat completion request and returns a CompletionResponse.
func (c *Client) ChatCompletion(ctx context.Context, req model.Request) (model.CompletionResponse, error) {
	reqBody := chatRequest{
		Model:               req.Model,
		Messages:            req.Messages,
		Temperature:         req.Sampling.Temperature,
		MaxCompletionTokens: req.Sampling.MaxCompletionTokens,
		TopP:                req.Sampling.TopP,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("failed to create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("failed reading completion response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.CompletionResponse{}, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return model.CompletionResponse{}, fmt.Errorf("failed to parse completion response: %s", truncate(string(body), 400))
	}

	result := model.CompletionResponse{}
	if parsed.Usage != nil {
		result.InputTokens = parsed.Usage.PromptTokens
		result.OutputTokens = parsed.Usage.CompletionTokens
	}

	if len(parsed.Choices) == 0 {
		return result, ErrNoChoices
	}
	content := parsed.Choices[0].Message.Content
	if content == nil {
		return result, ErrNoContent
	}
	result.Content = *content
	return result, nil
}

// errorMessage extracts error.message from an OpenAI-style error body,
// falling back to the truncated raw body.
func errorMessage(body []byte) string {
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return truncate(string(body), 400)
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
