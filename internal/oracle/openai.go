package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAICompleter talks to any OpenAI-compatible chat completions endpoint,
// OpenRouter included.
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

// NewOpenAICompleter builds a completer for baseURL (for example
// https://openrouter.ai/api/v1). httpClient may be nil.
func NewOpenAICompleter(apiKey, baseURL, model string, httpClient *http.Client) (*OpenAICompleter, error) {
	if apiKey == "" {
		return nil, errors.New("openai-compatible API key required")
	}
	if model == "" {
		return nil, errors.New("model required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAICompleter{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// Complete implements Completer.
func (o *OpenAICompleter) Complete(ctx context.Context, prompt string, p Params) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrMalformedResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

func mapOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return &retryableError{err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &retryableError{err: fmt.Errorf("%w: %v", ErrRateLimited, err)}
	case status >= 500:
		return &retryableError{err: fmt.Errorf("%w: server error (%d): %v", ErrUnavailable, status, err)}
	default:
		return fmt.Errorf("%w: API error (%d): %v", ErrUnavailable, status, err)
	}
}

var _ Completer = (*OpenAICompleter)(nil)
