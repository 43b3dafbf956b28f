// Package anthropic adapts the Anthropic Messages API to the LLMProvider
// port.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/metacogna/sentinel/pkg/models"
	"github.com/metacogna/sentinel/pkg/ports"
)

// Defaults applied when the config leaves fields zero.
const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 1024
	DefaultTimeout   = 60 * time.Second
)

// Config holds the client configuration.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int64
	Temperature float64
	Timeout     time.Duration
}

// Client implements ports.LLMProvider against the Anthropic API.
type Client struct {
	sdk         sdk.Client
	model       string
	maxTokens   int64
	temperature float64
	clock       ports.Clock
}

// New creates a client. An unset Model falls back to ANTHROPIC_MODEL and then
// to DefaultModel; unset MaxTokens and Timeout take the package defaults.
func New(cfg Config, clock ports.Clock) *Client {
	if cfg.Model == "" {
		if envModel := os.Getenv("ANTHROPIC_MODEL"); envModel != "" {
			cfg.Model = envModel
		} else {
			cfg.Model = DefaultModel
		}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}

	return &Client{
		sdk:         sdk.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		clock:       clock,
	}
}

// Name returns the provider name used in upstream errors.
func (c *Client) Name() string { return "anthropic" }

// Complete sends the history and returns the assistant reply.
func (c *Client) Complete(ctx context.Context, history []models.CanonicalMessage) (models.CanonicalMessage, error) {
	params := c.buildParams(history)

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return models.CanonicalMessage{}, c.mapError(err)
	}

	var text strings.Builder
	metadata := map[string]string{"model": c.model, "provider": c.Name()}
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case sdk.TextBlock:
			text.WriteString(variant.Text)
		case sdk.ToolUseBlock:
			metadata["tool_name"] = variant.Name
		}
	}
	if strings.TrimSpace(text.String()) == "" && metadata["tool_name"] == "" {
		return models.CanonicalMessage{}, models.NewUpstreamError(c.Name(), false,
			errors.New("provider returned no content"))
	}
	content := text.String()
	if content == "" {
		content = "(tool call requested)"
	}
	return models.NewMessage(models.RoleAssistant, content, c.clock.Now(), metadata)
}

// Stream yields text deltas as they arrive. Both channels close at stream
// end; cancellation happens through ctx.
func (c *Client) Stream(ctx context.Context, history []models.CanonicalMessage) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		stream := c.sdk.Messages.NewStreaming(ctx, c.buildParams(history))
		defer func() { _ = stream.Close() }()

		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(sdk.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			textDelta, ok := delta.Delta.AsAny().(sdk.TextDelta)
			if !ok || textDelta.Text == "" {
				continue
			}
			select {
			case chunks <- textDelta.Text:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errs <- c.mapError(err)
		}
	}()

	return chunks, errs
}

func (c *Client) buildParams(history []models.CanonicalMessage) sdk.MessageNewParams {
	var system []sdk.TextBlockParam
	messages := make([]sdk.MessageParam, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case models.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: msg.Content})
		case models.RoleAssistant:
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  messages,
		System:    system,
	}
	if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}
	return params
}

// mapError tags provider failures: rate limits and server errors are
// retriable, auth and schema errors are not.
func (c *Client) mapError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		retriable := apierr.StatusCode == http.StatusTooManyRequests ||
			apierr.StatusCode == http.StatusRequestTimeout ||
			apierr.StatusCode >= 500
		return models.NewUpstreamError(c.Name(), retriable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	// Transport-level failures (connection reset, DNS) are worth one retry.
	return models.NewUpstreamError(c.Name(), true, err)
}
