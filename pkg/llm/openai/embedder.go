// Package openai adapts an OpenAI-compatible embeddings endpoint to the
// Embedder port. Self-hosted embedding servers speaking the same wire format
// work through BaseURL.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/metacogna/sentinel/pkg/models"
)

// DefaultModel is used when the config names no embedding model.
const DefaultModel = "text-embedding-3-small"

// Config holds the embedder configuration.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	// Dimensions requests a reduced output dimension when positive.
	Dimensions int
	Timeout    time.Duration
}

// Embedder implements ports.Embedder over the embeddings API.
type Embedder struct {
	sdk        sdk.Client
	model      string
	dimensions int
}

// New creates an embedder.
func New(cfg Config) *Embedder {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	return &Embedder{
		sdk:        sdk.NewClient(opts...),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}
}

// Embed returns the embedding for one text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	params := sdk.EmbeddingNewParams{
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Model: sdk.EmbeddingModel(e.model),
	}
	if e.dimensions > 0 {
		params.Dimensions = sdk.Int(int64(e.dimensions))
	}

	resp, err := e.sdk.Embeddings.New(ctx, params)
	if err != nil {
		return nil, e.mapError(err)
	}
	if len(resp.Data) == 0 {
		return nil, models.NewUpstreamError("openai-embeddings", false,
			errors.New("embeddings response carried no data"))
	}

	raw := resp.Data[0].Embedding
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}

func (e *Embedder) mapError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		retriable := apierr.StatusCode == http.StatusTooManyRequests || apierr.StatusCode >= 500
		return models.NewUpstreamError("openai-embeddings", retriable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return models.NewUpstreamError("openai-embeddings", true, err)
}
