package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metacogna/sentinel/pkg/actor"
	"github.com/metacogna/sentinel/pkg/auth"
	"github.com/metacogna/sentinel/pkg/events"
	"github.com/metacogna/sentinel/pkg/memory"
	"github.com/metacogna/sentinel/pkg/models"
	"github.com/metacogna/sentinel/pkg/ports"
	"github.com/metacogna/sentinel/pkg/supervisor"
)

var testNow = time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)

type stubProvider struct {
	mu       sync.Mutex
	stall    time.Duration
	received []string
}

func (p *stubProvider) Complete(ctx context.Context, history []models.CanonicalMessage) (models.CanonicalMessage, error) {
	p.mu.Lock()
	stall := p.stall
	for _, msg := range history {
		if msg.Role == models.RoleUser {
			p.received = append(p.received, msg.Content)
		}
	}
	p.mu.Unlock()

	if stall > 0 {
		select {
		case <-time.After(stall):
		case <-ctx.Done():
			return models.CanonicalMessage{}, ctx.Err()
		}
	}
	return models.NewMessage(models.RoleAssistant, "reply", testNow, nil)
}

func (p *stubProvider) Stream(ctx context.Context, history []models.CanonicalMessage) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)
	close(chunks)
	close(errs)
	return chunks, errs
}

type harness struct {
	orch     *Orchestrator
	sup      *supervisor.Supervisor
	manager  *memory.Manager
	provider *stubProvider
}

func newHarness(t *testing.T, supCfg supervisor.Config, requestTimeout time.Duration) *harness {
	t.Helper()
	provider := &stubProvider{}
	clock := ports.NewFakeClock(testNow)
	manager := memory.NewManager(nil, nil, nil, clock, 64, 8192, 0)
	sup := supervisor.New(provider, manager, clock, events.NewBus(256), nil, supCfg)
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(sup.Shutdown)

	orch := New(sup, manager, nil, clock, requestTimeout, nil)
	return &harness{orch: orch, sup: sup, manager: manager, provider: provider}
}

func userTurn(t *testing.T, content string) []models.CanonicalMessage {
	t.Helper()
	msg, err := models.NewMessage(models.RoleUser, content, testNow, nil)
	require.NoError(t, err)
	return []models.CanonicalMessage{msg}
}

var (
	writer = auth.Principal{ID: "K1", Level: models.LevelWrite}
	reader = auth.Principal{ID: "K2", Level: models.LevelRead}
)

func actorConfigWithTimeout(d time.Duration) actor.Config {
	return actor.Config{StepTimeout: d}
}

func TestCompleteHappyPath(t *testing.T) {
	h := newHarness(t, supervisor.Config{PoolTarget: 1, PoolCap: 2}, 5*time.Second)

	reply, err := h.orch.Complete(context.Background(), writer, userTurn(t, "hi"), Options{})
	require.NoError(t, err)
	assert.Equal(t, models.RoleAssistant, reply.Role)
	assert.Equal(t, "reply", reply.Content)

	// The serving agent is back to Idle with the exchange in short-term.
	statuses, err := h.orch.AgentStatus(reader)
	require.NoError(t, err)
	var served supervisor.AgentHealth
	for _, st := range statuses {
		if st.Processed > 0 {
			served = st
		}
	}
	require.NotZero(t, served.Processed)
	assert.Equal(t, models.StateIdle, served.State)
	assert.Equal(t, 2, h.manager.ShortTermLen(served.ID))
}

func TestCompleteRequiresWrite(t *testing.T) {
	h := newHarness(t, supervisor.Config{PoolTarget: 1, PoolCap: 1}, time.Second)

	before, err := h.orch.AgentStatus(reader)
	require.NoError(t, err)

	_, err = h.orch.Complete(context.Background(), reader, userTurn(t, "hi"), Options{})
	require.Error(t, err)

	var derr *models.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, models.KindAuthorizationFailed, derr.Kind)
	assert.Equal(t, models.LevelWrite, derr.Required)
	assert.Equal(t, models.LevelRead, derr.Actual)

	// No agent state changed and nothing reached the provider.
	after, err := h.orch.AgentStatus(reader)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	h.provider.mu.Lock()
	assert.Empty(t, h.provider.received)
	h.provider.mu.Unlock()
}

func TestCompleteValidatesInput(t *testing.T) {
	h := newHarness(t, supervisor.Config{PoolTarget: 1, PoolCap: 1}, time.Second)
	ctx := context.Background()

	_, err := h.orch.Complete(ctx, writer, nil, Options{})
	assert.True(t, models.IsKind(err, models.KindInvalidMessage))

	bad := userTurn(t, "ok")
	bad[0].Content = "   "
	_, err = h.orch.Complete(ctx, writer, bad, Options{})
	assert.True(t, models.IsKind(err, models.KindInvalidMessage))

	temp := 3.5
	_, err = h.orch.Complete(ctx, writer, userTurn(t, "hi"), Options{Temperature: &temp})
	assert.True(t, models.IsKind(err, models.KindDomainViolation))

	tokens := -1
	_, err = h.orch.Complete(ctx, writer, userTurn(t, "hi"), Options{MaxTokens: &tokens})
	assert.True(t, models.IsKind(err, models.KindDomainViolation))
}

func TestCompleteTimesOut(t *testing.T) {
	h := newHarness(t, supervisor.Config{
		PoolTarget: 1, PoolCap: 1,
		GracePeriod: 500 * time.Millisecond,
		Actor:       actorConfigWithTimeout(time.Hour),
	}, 100*time.Millisecond)
	h.provider.mu.Lock()
	h.provider.stall = time.Hour
	h.provider.mu.Unlock()

	start := time.Now()
	_, err := h.orch.Complete(context.Background(), writer, userTurn(t, "slow"), Options{})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBackpressureUnderSaturation(t *testing.T) {
	h := newHarness(t, supervisor.Config{
		PoolTarget:         1,
		PoolCap:            1,
		MailboxCapacity:    4,
		MailboxSendTimeout: 30 * time.Millisecond,
	}, 10*time.Second)
	h.provider.mu.Lock()
	h.provider.stall = 100 * time.Millisecond
	h.provider.mu.Unlock()

	const total = 16
	results := make(chan error, total)
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.Complete(context.Background(), writer, userTurn(t, "req"), Options{})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded, backpressured := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case models.IsKind(err, models.KindUnavailable):
			backpressured++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Positive(t, succeeded)
	assert.Positive(t, backpressured)
	assert.Equal(t, total, succeeded+backpressured)
}

func TestAgentStatusRequiresRead(t *testing.T) {
	h := newHarness(t, supervisor.Config{PoolTarget: 1, PoolCap: 1}, time.Second)

	statuses, err := h.orch.AgentStatus(reader)
	require.NoError(t, err)
	assert.Len(t, statuses, 1)

	budget, err := h.orch.MemoryBudget(reader)
	require.NoError(t, err)
	assert.Zero(t, budget.Short)
}

func TestIsReady(t *testing.T) {
	h := newHarness(t, supervisor.Config{PoolTarget: 1, PoolCap: 1}, time.Second)
	assert.True(t, h.orch.IsReady(context.Background()))

	// An unreachable port flips readiness.
	h.orch.portsReachable = func(ctx context.Context) bool { return false }
	assert.False(t, h.orch.IsReady(context.Background()))

	h.orch.portsReachable = nil
	h.sup.Shutdown()
	assert.False(t, h.orch.IsReady(context.Background()))
}
