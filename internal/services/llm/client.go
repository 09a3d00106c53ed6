// Package llm speaks the OpenAI chat-completions protocol against
// per-project endpoints. One client serves every project; endpoint,
// model and key travel with each request.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tabula/internal/httpclient"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
)

// maxErrorBodyLen caps how much of an error response body is carried
// into the job's error text.
const maxErrorBodyLen = 512

// chatCompletionRequest is the chat-completions request body.
type chatCompletionRequest struct {
	Model     string                   `json:"model"`
	Messages  []interfaces.ChatMessage `json:"messages"`
	MaxTokens int                      `json:"max_tokens,omitempty"`
}

// chatCompletionResponse is the subset of the response the pipeline
// reads: the first choice's content and the optional usage block.
type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage interfaces.ChatUsage `json:"usage"`
}

// Client is an LLM endpoint client. Deadlines come from the caller's
// context so each project's request timeout applies per call.
type Client struct {
	httpClient *http.Client
	logger     arbor.ILogger
}

// NewClient creates an LLM client.
func NewClient(logger arbor.ILogger) *Client {
	return &Client{
		httpClient: httpclient.NewPooledHTTPClient(),
		logger:     logger,
	}
}

// ChatCompletion posts one chat-completions request and returns the
// assistant content with token usage. Transport failures, timeouts,
// 5xx, 408 and 429 map to models.ErrLLMNetwork; other 4xx map to
// models.ErrLLMClient with an excerpt of the response body.
func (c *Client) ChatCompletion(ctx context.Context, req *interfaces.ChatRequest) (*interfaces.ChatResult, error) {
	if req == nil {
		return nil, fmt.Errorf("chat request cannot be nil")
	}
	if req.Endpoint == "" {
		return nil, fmt.Errorf("chat request endpoint is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("chat request messages cannot be empty")
	}

	body := chatCompletionRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	c.logger.Debug().
		Str("endpoint", req.Endpoint).
		Str("model", req.Model).
		Int("message_count", len(req.Messages)).
		Msg("Sending chat completion request")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: chat completion aborted", models.ErrCanceled)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrLLMNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %v", models.ErrLLMNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt := errorBodyExcerpt(respBody)
		c.logger.Warn().
			Int("status_code", resp.StatusCode).
			Str("endpoint", req.Endpoint).
			Str("response", excerpt).
			Msg("Chat completion returned error status")
		if retriableStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: endpoint returned status %d: %s", models.ErrLLMNetwork, resp.StatusCode, excerpt)
		}
		return nil, fmt.Errorf("%w: endpoint returned status %d: %s", models.ErrLLMClient, resp.StatusCode, excerpt)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: invalid chat completion response: %v", models.ErrParse, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in chat completion response", models.ErrParse)
	}

	result := &interfaces.ChatResult{
		Content: parsed.Choices[0].Message.Content,
		Usage:   parsed.Usage,
	}

	c.logger.Debug().
		Str("model", req.Model).
		Int("content_length", len(result.Content)).
		Int("total_tokens", result.Usage.TotalTokens).
		Msg("Chat completion received")

	return result, nil
}

// retriableStatus reports whether a status code marks a transient
// condition worth another attempt.
func retriableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func errorBodyExcerpt(body []byte) string {
	excerpt := strings.TrimSpace(string(body))
	if len(excerpt) > maxErrorBodyLen {
		excerpt = excerpt[:maxErrorBodyLen] + "..."
	}
	if excerpt == "" {
		excerpt = "(empty body)"
	}
	return excerpt
}

var _ interfaces.LLMClient = (*Client)(nil)
