// Package supervisor owns the agent pool: it is the only component that
// constructs or destroys agents. It tracks liveness, replaces zombies,
// converts panics into restarts, and drives graceful shutdown.
package supervisor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metacogna/sentinel/pkg/actor"
	"github.com/metacogna/sentinel/pkg/events"
	"github.com/metacogna/sentinel/pkg/mailbox"
	"github.com/metacogna/sentinel/pkg/models"
	"github.com/metacogna/sentinel/pkg/ports"
)

// Config tunes the supervisor.
type Config struct {
	PoolTarget         int
	PoolCap            int
	HealthInterval     time.Duration
	ZombieThreshold    time.Duration
	GracePeriod        time.Duration
	MailboxCapacity    int
	MailboxSendTimeout time.Duration
	Actor              actor.Config
}

// DefaultConfig returns the built-in supervisor defaults.
func DefaultConfig() Config {
	return Config{
		PoolTarget:         2,
		PoolCap:            8,
		HealthInterval:     10 * time.Second,
		ZombieThreshold:    60 * time.Second,
		GracePeriod:        30 * time.Second,
		MailboxCapacity:    mailbox.DefaultCapacity,
		MailboxSendTimeout: 5 * time.Second,
	}
}

// Task is a background component whose lifecycle the supervisor drives
// alongside the pool (the consolidator).
type Task interface {
	Start(ctx context.Context) error
	Stop()
}

// AgentHealth is one agent's externally visible status.
type AgentHealth struct {
	ID           models.AgentID    `json:"id"`
	State        models.AgentState `json:"state"`
	LastActivity time.Time         `json:"last_activity"`
	Processed    int               `json:"messages_processed"`
}

// handle is the supervisor's view of one live agent.
type handle struct {
	actor  *actor.Actor
	mb     *mailbox.Mailbox[actor.Invocation]
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Supervisor owns the agent map and the runtime background loops.
type Supervisor struct {
	provider ports.LLMProvider
	memory   actor.Memory
	clock    ports.Clock
	bus      *events.Bus
	cfg      Config

	mu     sync.RWMutex
	agents map[models.AgentID]*handle

	consolidator Task

	ctx          context.Context
	cancel       context.CancelFunc
	started      atomic.Bool
	shuttingDown atomic.Bool
	shutdownOnce sync.Once

	loopWg  sync.WaitGroup
	agentWg sync.WaitGroup

	zombiesReplaced atomic.Int64
	panicsRecovered atomic.Int64
}

// New creates a supervisor. The consolidator may be nil when the memory
// tiers are externally managed (tests).
func New(provider ports.LLMProvider, memory actor.Memory, clock ports.Clock, bus *events.Bus, consolidator Task, cfg Config) *Supervisor {
	def := DefaultConfig()
	if cfg.PoolTarget <= 0 {
		cfg.PoolTarget = def.PoolTarget
	}
	if cfg.PoolCap < cfg.PoolTarget {
		cfg.PoolCap = max(cfg.PoolTarget, def.PoolCap)
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.ZombieThreshold <= 0 {
		cfg.ZombieThreshold = def.ZombieThreshold
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = def.MailboxCapacity
	}
	if cfg.MailboxSendTimeout <= 0 {
		cfg.MailboxSendTimeout = def.MailboxSendTimeout
	}
	return &Supervisor{
		provider:     provider,
		memory:       memory,
		clock:        clock,
		bus:          bus,
		cfg:          cfg,
		agents:       make(map[models.AgentID]*handle),
		consolidator: consolidator,
	}
}

// Start spawns the target pool and launches the health loop and the
// consolidator. Safe to call once; duplicates are no-ops.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		slog.Warn("Supervisor already started, ignoring duplicate Start call")
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	slog.Info("Starting supervisor",
		"pool_target", s.cfg.PoolTarget, "pool_cap", s.cfg.PoolCap,
		"zombie_threshold", s.cfg.ZombieThreshold)

	for i := 0; i < s.cfg.PoolTarget; i++ {
		if _, err := s.Spawn(); err != nil {
			return err
		}
	}

	s.loopWg.Add(1)
	go s.runHealthLoop()

	if s.consolidator != nil {
		if err := s.consolidator.Start(s.ctx); err != nil {
			return err
		}
	}
	return nil
}

// Running reports whether the supervisor is live (readiness probe).
func (s *Supervisor) Running() bool {
	return s.started.Load() && !s.shuttingDown.Load()
}

// Spawn creates and launches a new agent. Fails with Unavailable when the
// pool cap is reached or shutdown has begun.
func (s *Supervisor) Spawn() (models.AgentID, error) {
	if s.shuttingDown.Load() {
		return models.AgentID{}, models.NewUnavailableError(models.ReasonShuttingDown)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.agents) >= s.cfg.PoolCap {
		return models.AgentID{}, models.NewUnavailableError("agent pool at capacity")
	}

	id := models.NewAgentID()
	mb := mailbox.New[actor.Invocation](s.cfg.MailboxCapacity)
	a := actor.New(id, mb, s.provider, s.memory, s.clock, s.bus, s.cfg.Actor)

	agentCtx, cancel := context.WithCancel(s.ctx)
	h := &handle{actor: a, mb: mb, cancel: cancel, done: make(chan struct{})}
	s.agents[id] = h

	s.agentWg.Add(1)
	go s.runAgent(agentCtx, h)

	s.publish(events.TypeAgentSpawned, id, "")
	slog.Info("Agent spawned", "agent_id", id, "pool_size", len(s.agents))
	return id, nil
}

// runAgent hosts one actor task, converting a panic into a restart. No
// panic escapes the runtime.
func (s *Supervisor) runAgent(ctx context.Context, h *handle) {
	defer s.agentWg.Done()
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			s.panicsRecovered.Add(1)
			id := h.actor.ID()
			slog.Error("Agent panicked, scheduling replacement", "agent_id", id, "panic", r)
			s.publish(events.TypeAgentPanic, id, "panic recovered")
			// Replace from a fresh goroutine; this one is dying.
			go s.replaceAgent(id)
		}
	}()
	h.actor.Run(ctx)
}

// replaceAgent removes a dead agent and spawns a successor unless shutdown
// is underway.
func (s *Supervisor) replaceAgent(id models.AgentID) {
	s.removeAgent(id)
	if s.shuttingDown.Load() {
		return
	}
	if _, err := s.Spawn(); err != nil {
		slog.Error("Failed to spawn replacement agent", "error", err)
	}
}

// Terminate stops an agent and removes it from the pool.
func (s *Supervisor) Terminate(id models.AgentID) error {
	s.mu.RLock()
	h, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return models.NewNotFoundError()
	}

	h.mb.Close()
	h.cancel()
	<-h.done
	s.removeAgent(id)
	s.publish(events.TypeAgentTerminated, id, "terminated")
	slog.Info("Agent terminated", "agent_id", id)
	return nil
}

// Restart replaces an agent with a fresh one and returns the new id.
func (s *Supervisor) Restart(id models.AgentID) (models.AgentID, error) {
	if err := s.Terminate(id); err != nil {
		return models.AgentID{}, err
	}
	newID, err := s.Spawn()
	if err != nil {
		return models.AgentID{}, err
	}
	s.publish(events.TypeAgentRestarted, newID, "restarted from "+id.String())
	return newID, nil
}

// Dispatch submits an invocation to an agent's mailbox, respecting
// backpressure through the configured send timeout.
func (s *Supervisor) Dispatch(id models.AgentID, inv actor.Invocation) error {
	if s.shuttingDown.Load() {
		return models.NewUnavailableError(models.ReasonShuttingDown)
	}
	s.mu.RLock()
	h, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return models.NewNotFoundError()
	}

	err := h.mb.SendTimeout(inv, s.cfg.MailboxSendTimeout)
	if err == mailbox.ErrClosed {
		return models.NewUnavailableError(models.ReasonShuttingDown)
	}
	return err
}

// PickAvailable selects the least-recently-busy idle agent, growing the
// pool toward the target (and, when nothing is idle, toward the cap).
func (s *Supervisor) PickAvailable() (models.AgentID, error) {
	if s.shuttingDown.Load() {
		return models.AgentID{}, models.NewUnavailableError(models.ReasonShuttingDown)
	}

	s.mu.RLock()
	poolSize := len(s.agents)
	var bestIdle, bestAny models.AgentID
	var bestIdleAt, bestAnyAt time.Time
	foundIdle, foundAny := false, false
	for id, h := range s.agents {
		if h.finished() {
			continue
		}
		at := h.actor.LastActivity()
		if !foundAny || at.Before(bestAnyAt) {
			bestAny, bestAnyAt, foundAny = id, at, true
		}
		if h.actor.State() == models.StateIdle {
			if !foundIdle || at.Before(bestIdleAt) {
				bestIdle, bestIdleAt, foundIdle = id, at, true
			}
		}
	}
	s.mu.RUnlock()

	if poolSize < s.cfg.PoolTarget {
		if id, err := s.Spawn(); err == nil {
			return id, nil
		}
	}
	if foundIdle {
		return bestIdle, nil
	}
	// Everyone is busy: grow toward the cap before queueing behind a busy
	// agent's mailbox.
	if poolSize < s.cfg.PoolCap {
		if id, err := s.Spawn(); err == nil {
			return id, nil
		}
	}
	if foundAny {
		return bestAny, nil
	}
	return models.AgentID{}, models.NewUnavailableError("no agents available")
}

// Health returns one agent's status.
func (s *Supervisor) Health(id models.AgentID) (AgentHealth, error) {
	s.mu.RLock()
	h, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return AgentHealth{}, models.NewNotFoundError()
	}
	return agentHealth(h), nil
}

// HealthAll returns every agent's status, ordered by id for determinism.
func (s *Supervisor) HealthAll() []AgentHealth {
	s.mu.RLock()
	out := make([]AgentHealth, 0, len(s.agents))
	for _, h := range s.agents {
		out = append(out, agentHealth(h))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// ZombiesReplaced counts zombie replacements since start.
func (s *Supervisor) ZombiesReplaced() int64 { return s.zombiesReplaced.Load() }

// PanicsRecovered counts panics converted into restarts since start.
func (s *Supervisor) PanicsRecovered() int64 { return s.panicsRecovered.Load() }

// Shutdown broadcasts stop, waits up to the grace period for drains, then
// forcibly cancels what remains. Idempotent: the second call observes the
// same completed shutdown.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.shuttingDown.Store(true)
		s.publish(events.TypeShutdownStarted, models.AgentID{}, "")
		slog.Info("Supervisor shutting down", "grace_period", s.cfg.GracePeriod)

		if s.consolidator != nil {
			s.consolidator.Stop()
		}

		// Broadcast stop: close every mailbox so agents drain and exit.
		s.mu.RLock()
		handles := make([]*handle, 0, len(s.agents))
		for _, h := range s.agents {
			handles = append(handles, h)
		}
		s.mu.RUnlock()
		for _, h := range handles {
			h.mb.Close()
		}

		drained := make(chan struct{})
		go func() {
			s.agentWg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			slog.Info("All agents drained")
		case <-time.After(s.cfg.GracePeriod):
			slog.Warn("Grace period elapsed, forcing agent shutdown")
		}

		// Force whatever is left, stop the loops, and release the bus.
		if s.cancel != nil {
			s.cancel()
		}
		s.agentWg.Wait()
		s.loopWg.Wait()

		s.mu.Lock()
		s.agents = make(map[models.AgentID]*handle)
		s.mu.Unlock()

		s.publish(events.TypeShutdownComplete, models.AgentID{}, "")
		if s.bus != nil {
			s.bus.Close()
		}
		slog.Info("Supervisor shutdown complete")
	})
}

// runHealthLoop periodically scans for zombies: agents stuck mid-turn whose
// last activity predates the threshold.
func (s *Supervisor) runHealthLoop() {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.scanZombies()
		}
	}
}

func (s *Supervisor) scanZombies() {
	now := s.clock.Now()

	s.mu.RLock()
	type zombie struct {
		id models.AgentID
		h  *handle
	}
	var zombies []zombie
	for id, h := range s.agents {
		if h.finished() {
			continue
		}
		if h.actor.State() == models.StateIdle {
			continue
		}
		if now.Sub(h.actor.LastActivity()) > s.cfg.ZombieThreshold {
			zombies = append(zombies, zombie{id: id, h: h})
		}
	}
	s.mu.RUnlock()

	for _, z := range zombies {
		slog.Warn("Zombie agent detected, replacing",
			"agent_id", z.id,
			"state", z.h.actor.State(),
			"last_activity", z.h.actor.LastActivity())
		s.publish(events.TypeAgentZombie, z.id, "stalled past zombie threshold")

		// Abort the task and close its mailbox; pending invocations fail
		// when their reply channels are dropped with the handle.
		z.h.cancel()
		z.h.mb.Close()
		s.removeAgent(z.id)
		s.zombiesReplaced.Add(1)

		if !s.shuttingDown.Load() {
			if _, err := s.Spawn(); err != nil {
				slog.Error("Failed to spawn zombie replacement", "error", err)
			}
		}
	}
}

func (s *Supervisor) removeAgent(id models.AgentID) {
	s.mu.Lock()
	delete(s.agents, id)
	s.mu.Unlock()
}

func (s *Supervisor) publish(t events.Type, id models.AgentID, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: t, Agent: id, Reason: reason, At: s.clock.Now()})
}

func agentHealth(h *handle) AgentHealth {
	return AgentHealth{
		ID:           h.actor.ID(),
		State:        h.actor.State(),
		LastActivity: h.actor.LastActivity(),
		Processed:    h.actor.Processed(),
	}
}
