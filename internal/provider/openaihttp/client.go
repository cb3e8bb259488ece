package openaihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pal-router/internal/config"
	"pal-router/internal/models"
	"pal-router/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "pal-router/0.1"
)

// Client talks to any OpenAI-compatible chat completions endpoint. It also
// serves as the generic passthrough transport for providers without a
// dedicated client.
type Client struct {
	name    string
	apiKey  string
	headers map[string]string
	client  *http.Client
	chatURL string
}

var _ provider.Client = (*Client)(nil)

// New creates a client for one OpenAI-compatible endpoint.
func New(name string, cfg config.ProviderConfig, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Client{
		name:    name,
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  httpClient,
		chatURL: baseURL + "/chat/completions",
	}, nil
}

func (c *Client) Name() string {
	return c.name
}

// Invoke issues exactly one chat completion request for the prompt.
func (c *Client) Invoke(ctx context.Context, modelID, prompt string) (string, models.Usage, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", models.Usage{}, &provider.Error{
			Provider: c.name,
			Code:     provider.CodeInvalidInput,
			Message:  "prompt must not be empty",
		}
	}

	payload := chatPayload{
		Model: modelID,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
	}

	httpReq, err := c.newRequest(ctx, payload)
	if err != nil {
		return "", models.Usage{}, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("%s chat request failed: %w", c.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return "", models.Usage{}, c.parseAPIError(httpResp)
	}

	var providerResp chatResponse
	decoder := json.NewDecoder(httpResp.Body)
	if err := decoder.Decode(&providerResp); err != nil {
		return "", models.Usage{}, &provider.Error{
			Provider: c.name,
			Code:     provider.CodeBadResponse,
			Message:  fmt.Sprintf("decode provider response: %v", err),
		}
	}

	return providerResp.extract(c.name)
}

func (c *Client) newRequest(ctx context.Context, payload chatPayload) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type chatPayload struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string      `json:"id"`
	Choices []choice    `json:"choices"`
	Usage   *usageBlock `json:"usage,omitempty"`
}

type choice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (r chatResponse) extract(providerName string) (string, models.Usage, error) {
	if len(r.Choices) == 0 {
		return "", models.Usage{}, &provider.Error{
			Provider: providerName,
			Code:     provider.CodeBadResponse,
			Message:  "response did not include choices",
		}
	}

	var usage models.Usage
	if r.Usage != nil {
		usage = models.Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		}
	}

	return r.Choices[0].Message.Content, usage, nil
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (c *Client) parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &provider.Error{
			Provider: c.name,
			Code:     provider.CodeBadResponse,
			Status:   resp.StatusCode,
			Message:  fmt.Sprintf("failed to read error body: %v", err),
		}
	}

	message := strings.TrimSpace(string(body))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	}

	return &provider.Error{
		Provider: c.name,
		Code:     codeForStatus(resp.StatusCode),
		Status:   resp.StatusCode,
		Message:  message,
	}
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return provider.CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provider.CodeAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return provider.CodeTimeout
	default:
		return provider.CodeUpstream
	}
}
