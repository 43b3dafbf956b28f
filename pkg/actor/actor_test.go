package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metacogna/sentinel/pkg/events"
	"github.com/metacogna/sentinel/pkg/mailbox"
	"github.com/metacogna/sentinel/pkg/memory"
	"github.com/metacogna/sentinel/pkg/models"
	"github.com/metacogna/sentinel/pkg/ports"
)

var testNow = time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)

// stubProvider is an in-memory LLMProvider with scriptable behaviour.
type stubProvider struct {
	mu      sync.Mutex
	reply   string
	errs    []error // consumed first, one per call
	delay   time.Duration
	calls   int
	toolTag string
}

func (p *stubProvider) Complete(ctx context.Context, history []models.CanonicalMessage) (models.CanonicalMessage, error) {
	p.mu.Lock()
	p.calls++
	var err error
	if len(p.errs) > 0 {
		err = p.errs[0]
		p.errs = p.errs[1:]
	}
	delay := p.delay
	reply := p.reply
	toolTag := p.toolTag
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return models.CanonicalMessage{}, ctx.Err()
		}
	}
	if err != nil {
		return models.CanonicalMessage{}, err
	}
	if reply == "" {
		reply = "ok"
	}
	var metadata map[string]string
	if toolTag != "" {
		metadata = map[string]string{"tool_name": toolTag}
	}
	return models.NewMessage(models.RoleAssistant, reply, testNow, metadata)
}

func (p *stubProvider) Stream(ctx context.Context, history []models.CanonicalMessage) (<-chan string, <-chan error) {
	chunks := make(chan string, 1)
	errs := make(chan error, 1)
	msg, err := p.Complete(ctx, history)
	if err != nil {
		errs <- err
	} else {
		chunks <- msg.Content
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestActor(t *testing.T, provider ports.LLMProvider, cfg Config) (*Actor, *mailbox.Mailbox[Invocation], *events.Bus, *ports.FakeClock) {
	t.Helper()
	clock := ports.NewFakeClock(testNow)
	bus := events.NewBus(64)
	mgr := memory.NewManager(nil, nil, nil, clock, 32, 4096, 0)
	mb := mailbox.New[Invocation](8)
	a := New(models.NewAgentID(), mb, provider, mgr, clock, bus, cfg)
	return a, mb, bus, clock
}

func userTurn(t *testing.T, content string) []models.CanonicalMessage {
	t.Helper()
	msg, err := models.NewMessage(models.RoleUser, content, testNow, nil)
	require.NoError(t, err)
	return []models.CanonicalMessage{msg}
}

func submit(t *testing.T, mb *mailbox.Mailbox[Invocation], history []models.CanonicalMessage) chan Reply {
	t.Helper()
	replyCh := make(chan Reply, 1)
	require.NoError(t, mb.TrySend(Invocation{History: history, ReplyCh: replyCh}))
	return replyCh
}

func awaitReply(t *testing.T, ch chan Reply) Reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no reply within 5s")
		return Reply{}
	}
}

func TestHappyPathCyclesThroughStates(t *testing.T) {
	provider := &stubProvider{reply: "hello there"}
	a, mb, bus, _ := newTestActor(t, provider, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); a.Run(ctx) }()

	reply := awaitReply(t, submit(t, mb, userTurn(t, "hi")))
	require.NoError(t, reply.Err)
	assert.Equal(t, models.RoleAssistant, reply.Message.Role)
	assert.Equal(t, "hello there", reply.Message.Content)
	assert.Equal(t, 1, a.Processed())
	assert.Equal(t, models.StateIdle, a.State())

	// The published transitions walk Idle→Thinking→Reflecting→Idle.
	var seen []models.AgentState
	for i := 0; i < 3; i++ {
		ev, err := bus.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, events.TypeAgentTransition, ev.Type)
		seen = append(seen, ev.State)
	}
	assert.Equal(t, []models.AgentState{models.StateThinking, models.StateReflecting, models.StateIdle}, seen)

	mb.Close()
	<-done
}

func TestShortTermHoldsBothSidesOfExchange(t *testing.T) {
	provider := &stubProvider{reply: "sure"}
	clock := ports.NewFakeClock(testNow)
	mgr := memory.NewManager(nil, nil, nil, clock, 32, 4096, 0)
	mb := mailbox.New[Invocation](8)
	a := New(models.NewAgentID(), mb, provider, mgr, clock, events.NewBus(16), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	reply := awaitReply(t, submit(t, mb, userTurn(t, "hi")))
	require.NoError(t, reply.Err)

	recent := mgr.Recent(a.ID(), 10)
	require.Len(t, recent, 2)
	assert.Equal(t, models.RoleUser, recent[0].Role)
	assert.Equal(t, models.RoleAssistant, recent[1].Role)
	mb.Close()
}

func TestInvalidTurnRejected(t *testing.T) {
	provider := &stubProvider{}
	a, mb, _, _ := newTestActor(t, provider, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	// Empty history.
	reply := awaitReply(t, submit(t, mb, nil))
	require.Error(t, reply.Err)
	assert.True(t, models.IsKind(reply.Err, models.KindInvalidMessage))

	// Assistant-authored last message.
	assistant, err := models.NewMessage(models.RoleAssistant, "me first", testNow, nil)
	require.NoError(t, err)
	reply = awaitReply(t, submit(t, mb, []models.CanonicalMessage{assistant}))
	require.Error(t, reply.Err)
	assert.True(t, models.IsKind(reply.Err, models.KindInvalidMessage))

	// No provider call happened, and the actor stayed Idle.
	assert.Equal(t, 0, provider.callCount())
	assert.Equal(t, models.StateIdle, a.State())
	mb.Close()
}

func TestStepTimeoutRestoresIdle(t *testing.T) {
	provider := &stubProvider{delay: 2 * time.Second}
	a, mb, _, _ := newTestActor(t, provider, Config{StepTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	reply := awaitReply(t, submit(t, mb, userTurn(t, "slow one")))
	require.Error(t, reply.Err)
	assert.True(t, models.IsKind(reply.Err, models.KindTimeout))
	assert.Equal(t, models.StateIdle, a.State())

	// The actor accepts further work after the timeout.
	provider.mu.Lock()
	provider.delay = 0
	provider.mu.Unlock()
	reply = awaitReply(t, submit(t, mb, userTurn(t, "fast one")))
	require.NoError(t, reply.Err)
	mb.Close()
}

func TestRetriableUpstreamRetriesOnce(t *testing.T) {
	provider := &stubProvider{
		reply: "second try",
		errs:  []error{models.NewUpstreamError("anthropic", true, assert.AnError)},
	}
	a, mb, _, _ := newTestActor(t, provider, Config{StepTimeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	reply := awaitReply(t, submit(t, mb, userTurn(t, "flaky")))
	require.NoError(t, reply.Err)
	assert.Equal(t, "second try", reply.Message.Content)
	assert.Equal(t, 2, provider.callCount())
	assert.Equal(t, models.StateIdle, a.State())
	mb.Close()
}

func TestNonRetriableUpstreamSurfaces(t *testing.T) {
	provider := &stubProvider{
		errs: []error{models.NewUpstreamError("anthropic", false, assert.AnError)},
	}
	a, mb, _, _ := newTestActor(t, provider, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	reply := awaitReply(t, submit(t, mb, userTurn(t, "denied")))
	require.Error(t, reply.Err)
	assert.True(t, models.IsKind(reply.Err, models.KindUpstream))
	assert.Equal(t, 1, provider.callCount())
	assert.Equal(t, models.StateIdle, a.State())
	mb.Close()
}

func TestToolCallDetour(t *testing.T) {
	provider := &stubProvider{reply: "used a tool", toolTag: "calculator"}
	a, mb, bus, _ := newTestActor(t, provider, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	reply := awaitReply(t, submit(t, mb, userTurn(t, "compute")))
	require.NoError(t, reply.Err)

	var seen []models.AgentState
	for i := 0; i < 4; i++ {
		ev, err := bus.Recv(ctx)
		require.NoError(t, err)
		seen = append(seen, ev.State)
	}
	assert.Equal(t, []models.AgentState{
		models.StateThinking, models.StateToolCall, models.StateReflecting, models.StateIdle,
	}, seen)
	mb.Close()
}

func TestDroppedCallerCancelsCall(t *testing.T) {
	provider := &stubProvider{delay: 5 * time.Second}
	a, mb, _, _ := newTestActor(t, provider, Config{StepTimeout: 30 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	callerCtx, abandon := context.WithCancel(context.Background())
	replyCh := make(chan Reply, 1)
	require.NoError(t, mb.TrySend(Invocation{History: userTurn(t, "never mind"), ReplyCh: replyCh, Ctx: callerCtx}))

	time.Sleep(50 * time.Millisecond)
	abandon()

	// The actor cycles back to Idle and serves the next caller promptly.
	provider.mu.Lock()
	provider.delay = 0
	provider.mu.Unlock()
	reply := awaitReply(t, submit(t, mb, userTurn(t, "still here")))
	require.NoError(t, reply.Err)
	assert.Equal(t, models.StateIdle, a.State())
	mb.Close()
}

func TestShutdownExitsCleanly(t *testing.T) {
	provider := &stubProvider{}
	a, mb, _, _ := newTestActor(t, provider, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); a.Run(ctx) }()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("actor did not exit on shutdown")
	}
	mb.Close()
}
