package vector

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/metacogna/sentinel/pkg/models"
	"github.com/metacogna/sentinel/pkg/ports"
)

// Qdrant only accepts UUIDs and positive integers as point ids, so foreign
// ids are mapped to a deterministic UUID and the original kept in the
// payload under this field.
const payloadIDField = "_original_id"

// QdrantIndex implements VectorIndex against a Qdrant instance over gRPC.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dim        int
	metric     string
}

// NewQdrantIndex connects to Qdrant. The DSN is host:port shaped
// ("http://localhost:6334", optionally "?api_key=..."); the Go client speaks
// the gRPC API, which listens on 6334 by default.
func NewQdrantIndex(dsn, collection string) (*QdrantIndex, error) {
	if collection == "" {
		return nil, models.NewDomainViolationError("qdrant collection name is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant DSN: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant DSN: %w", err)
	}

	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantIndex{client: client, collection: collection}, nil
}

// EnsureCollection bootstraps the collection idempotently.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dim int, metric string) error {
	if dim <= 0 {
		return models.NewDomainViolationError("embedding dimension must be positive")
	}
	q.dim = dim
	q.metric = strings.ToLower(strings.TrimSpace(metric))

	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return models.NewUpstreamError("qdrant", true, err)
	}
	if exists {
		return nil
	}

	var distance qdrant.Distance
	switch q.metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	default: // cosine
		distance = qdrant.Distance_Cosine
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: distance,
		}),
	})
	if err != nil {
		return models.NewUpstreamError("qdrant", true, err)
	}
	return nil
}

// Upsert writes the point, id-mapped as needed.
func (q *QdrantIndex) Upsert(ctx context.Context, id string, embedding []float32, metadata map[string]string) error {
	uuidStr := id
	if _, err := uuid.Parse(id); err != nil {
		uuidStr = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	}

	payload := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		payload[k] = v
	}
	if uuidStr != id {
		payload[payloadIDField] = id
	}

	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return models.NewUpstreamError("qdrant", true, err)
	}
	return nil
}

// Search queries top-k with an optional exact-match payload filter, then
// re-sorts with the id tie-break the port guarantees.
func (q *QdrantIndex) Search(ctx context.Context, query []float32, k int, filter map[string]string) ([]ports.SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(query))
	copy(vec, query)

	var queryFilter *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for key, val := range filter {
			must = append(must, qdrant.NewMatch(key, val))
		}
		queryFilter = &qdrant.Filter{Must: must}
	}

	limit := uint64(k)
	found, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         queryFilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, models.NewUpstreamError("qdrant", true, err)
	}

	hits := make([]ports.SearchHit, 0, len(found))
	for _, point := range found {
		id := point.Id.GetUuid()
		metadata := make(map[string]string)
		for key, val := range point.Payload {
			if key == payloadIDField {
				id = val.GetStringValue()
				continue
			}
			metadata[key] = val.GetStringValue()
		}
		hits = append(hits, ports.SearchHit{ID: id, Score: point.Score, Metadata: metadata})
	}
	sortHits(hits)
	return hits, nil
}

// Close releases the gRPC connection.
func (q *QdrantIndex) Close() error { return q.client.Close() }

func sortHits(hits []ports.SearchHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
