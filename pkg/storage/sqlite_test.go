package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metacogna/sentinel/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "summaries.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSummary(agent models.AgentID, conversationID, text string) models.ConversationSummary {
	now := time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)
	return models.ConversationSummary{
		ID:             models.NewMessageID(),
		Agent:          agent,
		ConversationID: conversationID,
		Text:           text,
		MessageCount:   4,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := models.NewAgentID()

	summary := testSummary(agent, "conv/000001", "the user asked about weather")
	require.NoError(t, store.Put(ctx, summary))

	got, err := store.Get(ctx, agent, "conv/000001")
	require.NoError(t, err)
	assert.Equal(t, summary.ID, got.ID)
	assert.Equal(t, summary.Agent, got.Agent)
	assert.Equal(t, summary.ConversationID, got.ConversationID)
	assert.Equal(t, summary.Text, got.Text)
	assert.Equal(t, summary.MessageCount, got.MessageCount)
	assert.True(t, summary.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, summary.UpdatedAt.Equal(got.UpdatedAt))
}

func TestGetMissingIsNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), models.NewAgentID(), "nope")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestPutOverwritesSameKey(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := models.NewAgentID()

	first := testSummary(agent, "conv/000001", "v1")
	require.NoError(t, store.Put(ctx, first))

	second := testSummary(agent, "conv/000001", "v2")
	second.UpdatedAt = first.UpdatedAt.Add(time.Minute)
	require.NoError(t, store.Put(ctx, second))

	got, err := store.Get(ctx, agent, "conv/000001")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Text)

	list, err := store.List(ctx, agent, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListNewestFirstBounded(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := models.NewAgentID()

	for i := 0; i < 5; i++ {
		s := testSummary(agent, "conv/00000"+string(rune('0'+i)), "summary")
		s.UpdatedAt = s.UpdatedAt.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Put(ctx, s))
	}

	list, err := store.List(ctx, agent, 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "conv/000004", list[0].ConversationID)
	assert.Equal(t, "conv/000003", list[1].ConversationID)
	assert.Equal(t, "conv/000002", list[2].ConversationID)

	// Other agents are invisible.
	other, err := store.List(ctx, models.NewAgentID(), 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestDeleteIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := models.NewAgentID()

	require.NoError(t, store.Put(ctx, testSummary(agent, "conv/000001", "bye")))
	require.NoError(t, store.Delete(ctx, agent, "conv/000001"))
	require.NoError(t, store.Delete(ctx, agent, "conv/000001"))

	_, err := store.Get(ctx, agent, "conv/000001")
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestPendingEmbeddingLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := models.NewAgentID()

	s1 := testSummary(agent, "conv/000001", "first")
	s2 := testSummary(agent, "conv/000002", "second")
	s2.UpdatedAt = s2.UpdatedAt.Add(time.Minute)
	require.NoError(t, store.Put(ctx, s1))
	require.NoError(t, store.Put(ctx, s2))

	pending, err := store.ListPendingEmbeddings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	// Oldest first so retries preserve write order.
	assert.Equal(t, s1.ID, pending[0].ID)

	require.NoError(t, store.MarkEmbedded(ctx, s1.ID))
	pending, err = store.ListPendingEmbeddings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, s2.ID, pending[0].ID)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "summaries.db")
	ctx := context.Background()
	agent := models.NewAgentID()

	store, err := Open(ctx, path)
	require.NoError(t, err)
	summary := testSummary(agent, "conv/000001", "survives restarts")
	require.NoError(t, store.Put(ctx, summary))
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, agent, "conv/000001")
	require.NoError(t, err)
	assert.Equal(t, "survives restarts", got.Text)
}

func TestPutRejectsInvalidSummary(t *testing.T) {
	store := openTestStore(t)
	bad := testSummary(models.NewAgentID(), "conv/000001", "  ")
	err := store.Put(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindDomainViolation))
}

func TestCodecRejectsUnknownVersion(t *testing.T) {
	payload, err := encodeSummary(testSummary(models.NewAgentID(), "c", "text"))
	require.NoError(t, err)

	payload[0] = 99
	_, err = decodeSummary(payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")

	_, err = decodeSummary(nil)
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	store := openTestStore(t)
	status, err := store.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
}
