// Package orchestrator exposes the capabilities the transport shell
// consumes: completion requests, agent status, memory budget, and the
// readiness probe. It owns no transport concerns — credentials arrive
// already authenticated as a Principal.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/metacogna/sentinel/pkg/actor"
	"github.com/metacogna/sentinel/pkg/auth"
	"github.com/metacogna/sentinel/pkg/memory"
	"github.com/metacogna/sentinel/pkg/models"
	"github.com/metacogna/sentinel/pkg/ports"
	"github.com/metacogna/sentinel/pkg/supervisor"
)

// DefaultRequestTimeout bounds one completion request end to end.
const DefaultRequestTimeout = 30 * time.Second

// Options are the optional per-request knobs accepted alongside the history.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   *int
	Stream      bool
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		return models.NewDomainViolationError("temperature must be within [0.0, 2.0]")
	}
	if o.MaxTokens != nil && *o.MaxTokens <= 0 {
		return models.NewDomainViolationError("max_tokens must be positive")
	}
	return nil
}

// Probe reports whether the outbound ports are reachable.
type Probe func(ctx context.Context) bool

// Orchestrator routes completion requests through the supervisor's pool.
type Orchestrator struct {
	sup            *supervisor.Supervisor
	manager        *memory.Manager
	consolidator   *memory.Consolidator
	clock          ports.Clock
	requestTimeout time.Duration
	portsReachable Probe
}

// New wires the entry point. portsReachable may be nil (treated as always
// reachable).
func New(sup *supervisor.Supervisor, manager *memory.Manager, consolidator *memory.Consolidator, clock ports.Clock, requestTimeout time.Duration, portsReachable Probe) *Orchestrator {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Orchestrator{
		sup:            sup,
		manager:        manager,
		consolidator:   consolidator,
		clock:          clock,
		requestTimeout: requestTimeout,
		portsReachable: portsReachable,
	}
}

// Complete services one completion request: authorize, validate, route to
// an agent, await the reply. Requires Write.
func (o *Orchestrator) Complete(ctx context.Context, principal auth.Principal, history []models.CanonicalMessage, opts Options) (models.CanonicalMessage, error) {
	if err := auth.Authorize(principal, models.LevelWrite); err != nil {
		return models.CanonicalMessage{}, err
	}
	if err := opts.Validate(); err != nil {
		return models.CanonicalMessage{}, err
	}
	if len(history) == 0 {
		return models.CanonicalMessage{}, models.NewInvalidMessageError("history is empty")
	}
	now := o.clock.Now()
	for _, msg := range history {
		if err := msg.Validate(now); err != nil {
			return models.CanonicalMessage{}, err
		}
	}

	agentID, err := o.sup.PickAvailable()
	if err != nil {
		return models.CanonicalMessage{}, err
	}

	// Deadlines are scheduling, not domain time: they come from the wall
	// clock even when a test clock drives validation.
	deadline := time.Now().Add(o.requestTimeout)
	// The invocation context dies with this call: an abandoned or timed-out
	// request cancels the in-flight LLM call instead of wedging the agent.
	invCtx, cancelInv := context.WithCancel(ctx)
	defer cancelInv()

	replyCh := make(chan actor.Reply, 1)
	inv := actor.Invocation{
		History:  history,
		ReplyCh:  replyCh,
		Deadline: deadline,
		Ctx:      invCtx,
	}

	if err := o.sup.Dispatch(agentID, inv); err != nil {
		return models.CanonicalMessage{}, err
	}
	slog.Debug("Completion dispatched",
		"agent_id", agentID, "principal", principal.ID, "history_len", len(history))

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		if reply.Err != nil {
			return models.CanonicalMessage{}, reply.Err
		}
		return reply.Message, nil
	case <-ctx.Done():
		return models.CanonicalMessage{}, models.NewUnavailableError(models.ReasonShuttingDown)
	case <-timer.C:
		return models.CanonicalMessage{}, models.NewTimeoutError()
	}
}

// AgentStatus lists every agent's id, state, last activity, and processed
// count. Requires Read.
func (o *Orchestrator) AgentStatus(principal auth.Principal) ([]supervisor.AgentHealth, error) {
	if err := auth.Authorize(principal, models.LevelRead); err != nil {
		return nil, err
	}
	return o.sup.HealthAll(), nil
}

// MemoryBudget reports the three-tier token accounting. Requires Read.
func (o *Orchestrator) MemoryBudget(principal auth.Principal) (models.TokenBudget, error) {
	if err := auth.Authorize(principal, models.LevelRead); err != nil {
		return models.TokenBudget{}, err
	}
	return o.manager.ReportBudget(), nil
}

// IsReady is the readiness probe: supervisor up, consolidator up, and the
// outbound ports reachable.
func (o *Orchestrator) IsReady(ctx context.Context) bool {
	if !o.sup.Running() {
		return false
	}
	if o.consolidator != nil && !o.consolidator.Running() {
		return false
	}
	if o.portsReachable != nil && !o.portsReachable(ctx) {
		return false
	}
	return true
}
