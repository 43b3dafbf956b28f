// Package actor implements the agent actor: one cooperative task per agent
// that owns a mailbox, a state machine position, and a provider handle, and
// services completion turns end to end.
package actor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/metacogna/sentinel/pkg/events"
	"github.com/metacogna/sentinel/pkg/mailbox"
	"github.com/metacogna/sentinel/pkg/memory"
	"github.com/metacogna/sentinel/pkg/models"
	"github.com/metacogna/sentinel/pkg/ports"
)

// DefaultStepTimeout bounds one turn when the config does not say otherwise.
const DefaultStepTimeout = 60 * time.Second

// Reply is the single-shot response to an invocation.
type Reply struct {
	Message models.CanonicalMessage
	Err     error
}

// Invocation is one completion turn submitted to an agent's mailbox. ReplyCh
// must be buffered (capacity 1): the actor never blocks on delivery, so an
// abandoned caller simply loses the reply. Cancelling Ctx cancels the
// in-flight LLM call.
type Invocation struct {
	History  []models.CanonicalMessage
	ReplyCh  chan Reply
	Deadline time.Time
	Ctx      context.Context
}

// Memory is the slice of the memory manager the actor uses.
type Memory interface {
	Append(ctx context.Context, agent models.AgentID, msg models.CanonicalMessage) error
	Context(ctx context.Context, agent models.AgentID, budget memory.ContextBudget) ([]models.CanonicalMessage, error)
}

// Config tunes one actor.
type Config struct {
	StepTimeout   time.Duration
	ContextBudget memory.ContextBudget
}

// Actor owns one agent's mailbox and state. All state mutation happens on
// the actor's own goroutine, always through models.Next.
type Actor struct {
	id       models.AgentID
	mb       *mailbox.Mailbox[Invocation]
	provider ports.LLMProvider
	memory   Memory
	clock    ports.Clock
	bus      *events.Bus
	cfg      Config

	state          models.AgentState // owned by Run's goroutine
	publishedState atomic.Value      // models.AgentState, for external readers
	lastActivity   atomic.Int64      // unix nanos
	processed      atomic.Int64
}

// New creates an actor in the Idle state.
func New(id models.AgentID, mb *mailbox.Mailbox[Invocation], provider ports.LLMProvider, mem Memory, clock ports.Clock, bus *events.Bus, cfg Config) *Actor {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	a := &Actor{
		id:       id,
		mb:       mb,
		provider: provider,
		memory:   mem,
		clock:    clock,
		bus:      bus,
		cfg:      cfg,
		state:    models.StateIdle,
	}
	a.publishedState.Store(models.StateIdle)
	a.lastActivity.Store(clock.Now().UnixNano())
	return a
}

// ID returns the agent id.
func (a *Actor) ID() models.AgentID { return a.id }

// State returns the last published state.
func (a *Actor) State() models.AgentState {
	return a.publishedState.Load().(models.AgentState)
}

// LastActivity is the instant of the last completed exchange.
func (a *Actor) LastActivity() time.Time {
	return time.Unix(0, a.lastActivity.Load()).UTC()
}

// Processed is the number of serviced invocations.
func (a *Actor) Processed() int {
	return int(a.processed.Load())
}

// Run is the actor loop. It exits when the mailbox closes or ctx (the
// shutdown observer) is cancelled, always leaving the state at Idle.
func (a *Actor) Run(ctx context.Context) {
	log := slog.With("agent_id", a.id)
	log.Info("Agent started")

	for {
		inv, err := a.mb.Recv(ctx)
		if err != nil {
			switch {
			case errors.Is(err, mailbox.ErrClosed):
				log.Info("Mailbox closed, agent exiting")
			case ctx.Err() != nil:
				log.Info("Shutdown signalled, agent exiting")
			default:
				log.Error("Mailbox receive failed, agent exiting", "error", err)
			}
			return
		}
		a.serve(ctx, inv)
	}
}

// serve runs one full turn. The state machine is walked home to Idle on
// every path, success or failure, so the next invocation is serviceable.
func (a *Actor) serve(ctx context.Context, inv Invocation) {
	log := slog.With("agent_id", a.id)

	stepCtx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
	defer cancel()
	if !inv.Deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		stepCtx, cancelDeadline = context.WithDeadline(stepCtx, inv.Deadline)
		defer cancelDeadline()
	}
	if inv.Ctx != nil {
		// A cancelled caller (dropped reply channel) aborts the LLM call.
		stop := context.AfterFunc(inv.Ctx, cancel)
		defer stop()
	}

	if err := a.validateTurn(inv.History); err != nil {
		a.deliver(inv, Reply{Err: err})
		return
	}

	if err := a.transition(models.EventReceived); err != nil {
		// The loop only serves from Idle; anything else is a defect.
		a.deliver(inv, Reply{Err: models.NewInternalError("actor not idle at turn start", err)})
		a.recover(models.EventFailed)
		return
	}

	incoming := inv.History[len(inv.History)-1]
	if err := a.memory.Append(stepCtx, a.id, incoming); err != nil {
		log.Warn("Short-term append rejected", "error", err)
		a.failTurn(inv, err)
		return
	}

	history, err := a.memory.Context(stepCtx, a.id, a.cfg.ContextBudget)
	if err != nil {
		a.failTurn(inv, err)
		return
	}
	if len(history) == 0 {
		history = inv.History
	}

	reply, err := a.complete(stepCtx, history)
	if err != nil {
		a.failTurn(inv, classify(stepCtx, err))
		return
	}

	// A provider-indicated tool call takes the ToolCall detour; resolution
	// is recorded immediately since tool execution sits outside the runtime.
	if reply.Metadata["tool_name"] != "" {
		if err := a.transition(models.EventToolRequested); err == nil {
			_ = a.transition(models.EventToolResolved)
		}
	} else if err := a.transition(models.EventLLMProduced); err != nil {
		a.deliver(inv, Reply{Err: models.NewInternalError("state walk failed", err)})
		a.recover(models.EventFailed)
		return
	}

	if err := a.memory.Append(stepCtx, a.id, reply); err != nil {
		// The reply is already produced; losing the memory copy is logged,
		// not fatal to the caller.
		log.Warn("Assistant reply not retained in short-term memory", "error", err)
	}

	a.deliver(inv, Reply{Message: reply})
	_ = a.transition(models.EventCompleted)
	a.touch()
	a.processed.Add(1)
}

// complete calls the provider, retrying once with jittered backoff when the
// failure is a retriable upstream error.
func (a *Actor) complete(ctx context.Context, history []models.CanonicalMessage) (models.CanonicalMessage, error) {
	reply, err := a.provider.Complete(ctx, history)
	if err == nil {
		return reply, nil
	}

	var derr *models.Error
	if !errors.As(err, &derr) || derr.Kind != models.KindUpstream || !derr.Retriable {
		return models.CanonicalMessage{}, err
	}

	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = 500 * time.Millisecond
	select {
	case <-time.After(wait.NextBackOff()):
	case <-ctx.Done():
		return models.CanonicalMessage{}, err
	}

	slog.Debug("Retrying provider call after retriable failure", "agent_id", a.id)
	return a.provider.Complete(ctx, history)
}

// failTurn publishes the failure and walks the machine back to Idle.
func (a *Actor) failTurn(inv Invocation, err error) {
	a.deliver(inv, Reply{Err: err})
	a.recover(models.EventFailed)
	a.touch()
}

// recover walks the state machine home from wherever the failure left it.
func (a *Actor) recover(event models.StateEvent) {
	switch a.state {
	case models.StateThinking:
		_ = a.transition(models.EventLLMProduced)
	case models.StateToolCall:
		_ = a.transition(models.EventToolResolved)
	}
	if a.state == models.StateReflecting {
		_ = a.transition(event)
	}
}

// transition applies one state machine step and publishes the result.
func (a *Actor) transition(event models.StateEvent) error {
	next, err := models.Next(a.state, event)
	if err != nil {
		return err
	}
	a.state = next
	a.publishedState.Store(next)
	if a.bus != nil {
		a.bus.Publish(events.Event{
			Type:      events.TypeAgentTransition,
			Agent:     a.id,
			State:     next,
			Processed: a.Processed(),
			At:        a.clock.Now(),
		})
	}
	return nil
}

// validateTurn checks the invocation history: non-empty, every message
// well-formed, and the newest message authored by the user or the system.
func (a *Actor) validateTurn(history []models.CanonicalMessage) error {
	if len(history) == 0 {
		return models.NewInvalidMessageError("history is empty")
	}
	now := a.clock.Now()
	for _, msg := range history {
		if err := msg.Validate(now); err != nil {
			return err
		}
	}
	if last := history[len(history)-1]; last.Role == models.RoleAssistant {
		return models.NewInvalidMessageError("last message must not be from the assistant")
	}
	return nil
}

// deliver hands the reply to the caller without blocking. ReplyCh is
// buffered, so default only fires when the channel was already consumed or
// never read — the caller is gone either way.
func (a *Actor) deliver(inv Invocation, reply Reply) {
	if inv.ReplyCh == nil {
		return
	}
	select {
	case inv.ReplyCh <- reply:
	default:
		slog.Debug("Reply dropped, caller gone", "agent_id", a.id)
	}
}

func (a *Actor) touch() {
	a.lastActivity.Store(a.clock.Now().UnixNano())
}

// classify maps a step failure to the taxonomy: an elapsed deadline is a
// Timeout, everything already tagged passes through.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.NewTimeoutError()
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return models.NewUnavailableError(models.ReasonShuttingDown)
	}
	var derr *models.Error
	if errors.As(err, &derr) {
		return err
	}
	return models.NewInternalError("provider call failed", err)
}
