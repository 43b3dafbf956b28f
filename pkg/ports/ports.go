// Package ports defines the capability contracts the runtime consumes.
// Implementations live in adapter packages (pkg/llm, pkg/vector,
// pkg/storage); the domain never names an implementation type.
package ports

import (
	"context"
	"time"

	"github.com/metacogna/sentinel/pkg/models"
)

// LLMProvider is the seam to a completion backend.
//
// Complete returns a message with role assistant. Failures are mapped to
// models.Error with kind Upstream; the Retriable flag follows provider
// semantics (rate-limited and 5xx are retriable, auth and schema errors are
// not).
type LLMProvider interface {
	Complete(ctx context.Context, history []models.CanonicalMessage) (models.CanonicalMessage, error)

	// Stream yields content fragments in order. Both channels close when the
	// stream ends; cancel the context to abandon it. At most one error is
	// delivered.
	Stream(ctx context.Context, history []models.CanonicalMessage) (<-chan string, <-chan error)
}

// Embedder turns text into a fixed-dimension embedding. Kept narrow so a
// completion provider can be wrapped into one when no dedicated embedding
// backend is configured.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchHit is one result from a vector search.
type SearchHit struct {
	ID       string
	Score    float32
	Metadata map[string]string
}

// VectorIndex is the long-term memory seam: an associative store of
// embeddings with similarity search.
//
// Search returns up to k hits in non-increasing score order; equal scores are
// ordered by id ascending so results are deterministic. Upsert is
// associative by id — a given id appears at most once.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, dim int, metric string) error
	Upsert(ctx context.Context, id string, embedding []float32, metadata map[string]string) error
	Search(ctx context.Context, query []float32, k int, filter map[string]string) ([]SearchHit, error)
}

// MetricCosine is the default distance metric for the long-term index.
const MetricCosine = "cosine"

// SummaryStore is the medium-term memory seam. Implementations must survive
// restarts and provide single-key atomicity. Delete is idempotent; Get for a
// missing key returns a NotFound error.
type SummaryStore interface {
	Put(ctx context.Context, summary models.ConversationSummary) error
	Get(ctx context.Context, agent models.AgentID, conversationID string) (models.ConversationSummary, error)
	List(ctx context.Context, agent models.AgentID, limit int) ([]models.ConversationSummary, error)
	Delete(ctx context.Context, agent models.AgentID, conversationID string) error

	// Embedding-retry bookkeeping: summaries written but not yet embedded.
	ListPendingEmbeddings(ctx context.Context, limit int) ([]models.ConversationSummary, error)
	MarkEmbedded(ctx context.Context, id models.MessageID) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}
