package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"pal-router/internal/models"
	"pal-router/internal/provider"
)

// Client invokes Gemini models through the Google Gen AI SDK.
type Client struct {
	name   string
	client *genai.Client
}

var _ provider.Client = (*Client)(nil)

// New creates a Gemini client.
func New(ctx context.Context, name, apiKey string) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{name: name, client: client}, nil
}

func (c *Client) Name() string {
	return c.name
}

// Invoke issues exactly one GenerateContent call for the prompt.
func (c *Client) Invoke(ctx context.Context, modelID, prompt string) (string, models.Usage, error) {
	slog.Debug("gemini invoke", "model", modelID)

	resp, err := c.client.Models.GenerateContent(ctx, modelID, genai.Text(prompt), nil)
	if err != nil {
		return "", models.Usage{}, c.classify(err)
	}

	text := resp.Text()
	if text == "" {
		return "", models.Usage{}, &provider.Error{
			Provider: c.name,
			Code:     provider.CodeBadResponse,
			Message:  "response contained no text candidates",
		}
	}

	var usage models.Usage
	if resp.UsageMetadata != nil {
		usage = models.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return text, usage, nil
}

func (c *Client) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		code := provider.CodeUpstream
		switch apiErr.Code {
		case 429:
			code = provider.CodeRateLimited
		case 401, 403:
			code = provider.CodeAuth
		case 408, 504:
			code = provider.CodeTimeout
		}
		return &provider.Error{
			Provider: c.name,
			Code:     code,
			Status:   apiErr.Code,
			Message:  apiErr.Message,
		}
	}
	return fmt.Errorf("gemini request failed: %w", err)
}
