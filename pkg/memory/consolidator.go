package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metacogna/sentinel/pkg/events"
	"github.com/metacogna/sentinel/pkg/models"
	"github.com/metacogna/sentinel/pkg/ports"
)

// ConsolidatorConfig controls the background consolidation task.
type ConsolidatorConfig struct {
	// Interval is the periodic tick driving scheduled work.
	Interval time.Duration
	// StepTimeout is the hard bound on one summarisation cycle.
	StepTimeout time.Duration
	// MaxSummaryTokens caps the requested summary length.
	MaxSummaryTokens int
	// Retention keeps at most this many summaries per agent; zero disables
	// pruning.
	Retention int
	// SignalCapacity bounds the append-side wakeup queue.
	SignalCapacity int
}

// DefaultConsolidatorConfig returns the built-in defaults.
func DefaultConsolidatorConfig() ConsolidatorConfig {
	return ConsolidatorConfig{
		Interval:         30 * time.Second,
		StepTimeout:      120 * time.Second,
		MaxSummaryTokens: 512,
		SignalCapacity:   64,
	}
}

// Consolidator is the background task that drains short-term buffers into
// medium-term summaries and long-term embeddings. One instance serves every
// agent; cycles for a given agent are serialised so summaries land in
// conversation order.
type Consolidator struct {
	manager  *Manager
	provider ports.LLMProvider
	store    ports.SummaryStore
	index    ports.VectorIndex
	embedder ports.Embedder
	clock    ports.Clock
	bus      *events.Bus
	cfg      ConsolidatorConfig

	signalCh chan models.AgentID
	healthy  atomic.Bool
	running  atomic.Bool

	agentMu sync.Map // models.AgentID → *sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsolidator wires the task. It registers itself on the manager so
// Append can signal and apply backpressure.
func NewConsolidator(manager *Manager, provider ports.LLMProvider, store ports.SummaryStore, index ports.VectorIndex, embedder ports.Embedder, clock ports.Clock, bus *events.Bus, cfg ConsolidatorConfig) *Consolidator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConsolidatorConfig().Interval
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConsolidatorConfig().StepTimeout
	}
	if cfg.SignalCapacity <= 0 {
		cfg.SignalCapacity = DefaultConsolidatorConfig().SignalCapacity
	}
	c := &Consolidator{
		manager:  manager,
		provider: provider,
		store:    store,
		index:    index,
		embedder: embedder,
		clock:    clock,
		bus:      bus,
		cfg:      cfg,
		signalCh: make(chan models.AgentID, cfg.SignalCapacity),
		stopCh:   make(chan struct{}),
	}
	c.healthy.Store(true)
	manager.SetConsolidator(c)
	return c
}

// Start launches the background loop. Safe to call once.
func (c *Consolidator) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		slog.Warn("Consolidator already started, ignoring duplicate Start call")
		return nil
	}
	c.wg.Add(1)
	go c.run(ctx)
	slog.Info("Consolidator started", "interval", c.cfg.Interval)
	return nil
}

// Stop signals the loop to exit and waits for it.
func (c *Consolidator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.running.Store(false)
}

// Healthy reports whether the last cycle succeeded. Manager.Append does not
// read it: an overflowing append always attempts an inline cycle and is
// refused with memory_full only when that attempt fails.
func (c *Consolidator) Healthy() bool { return c.healthy.Load() }

// Running reports whether the background loop is live (readiness probe).
func (c *Consolidator) Running() bool { return c.running.Load() }

// Signal requests an out-of-band consolidation for an agent. Best-effort:
// a full signal queue is fine because the periodic tick covers the backlog.
func (c *Consolidator) Signal(agent models.AgentID) {
	select {
	case c.signalCh <- agent:
	default:
	}
}

func (c *Consolidator) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			slog.Info("Consolidator shutting down")
			return
		case <-ctx.Done():
			slog.Info("Context cancelled, consolidator shutting down")
			return
		case agent := <-c.signalCh:
			if err := c.ConsolidateAgent(ctx, agent); err != nil {
				slog.Warn("Signalled consolidation failed", "agent", agent, "error", err)
			}
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

// runCycle walks the priority ladder: High (buffers at threshold), Medium
// (retention maintenance), Low (embedding retries).
func (c *Consolidator) runCycle(ctx context.Context) {
	for _, agent := range c.manager.AgentIDs() {
		if c.manager.agentMemory(agent).buffer.ShouldConsolidate() {
			if err := c.ConsolidateAgent(ctx, agent); err != nil {
				slog.Warn("Scheduled consolidation failed", "agent", agent, "error", err)
			}
		}
	}
	if c.cfg.Retention > 0 {
		c.pruneRetention(ctx)
	}
	c.retryPendingEmbeddings(ctx)
}

// ConsolidateAgent runs one High-priority cycle for an agent: drain,
// summarise, persist, embed, upsert. A persistence failure restores the
// drained messages so nothing accepted is lost; an embedding failure leaves
// the summary on disk flagged for retry at the next Low tick.
func (c *Consolidator) ConsolidateAgent(ctx context.Context, agent models.AgentID) error {
	lock := c.lockFor(agent)
	lock.Lock()
	defer lock.Unlock()

	am := c.manager.agentMemory(agent)
	msgs := am.buffer.Drain()
	if len(msgs) == 0 {
		return nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	defer cancel()

	text, err := c.summarise(stepCtx, msgs)
	if err != nil {
		am.buffer.Restore(msgs)
		c.healthy.Store(false)
		c.publish(agent, "summarise_failed")
		return fmt.Errorf("summarising %d messages: %w", len(msgs), err)
	}

	now := c.clock.Now()
	summary := models.ConversationSummary{
		ID:             models.NewMessageID(),
		Agent:          agent,
		ConversationID: am.conversationID(),
		Text:           text,
		MessageCount:   len(msgs),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := summary.Validate(); err != nil {
		am.buffer.Restore(msgs)
		c.healthy.Store(false)
		return fmt.Errorf("building summary: %w", err)
	}

	if err := c.store.Put(stepCtx, summary); err != nil {
		am.buffer.Restore(msgs)
		c.healthy.Store(false)
		c.publish(agent, "store_failed")
		return fmt.Errorf("persisting summary %s: %w", summary.ID, err)
	}

	// The segment advances only after the summary is durable, so a retried
	// cycle reuses the same conversation key instead of leaving a gap.
	am.segment++
	c.manager.recordSummary((len(text) + 3) / 4)
	c.healthy.Store(true)

	slog.Info("Short-term memory consolidated",
		"agent", agent, "conversation_id", summary.ConversationID,
		"message_count", summary.MessageCount)
	c.publish(agent, "consolidated")

	if err := c.embedAndIndex(stepCtx, summary); err != nil {
		slog.Warn("Summary embedding deferred to retry",
			"agent", agent, "summary_id", summary.ID, "error", err)
	}
	return nil
}

// summarise asks the provider for a synthesis of the drained messages.
func (c *Consolidator) summarise(ctx context.Context, msgs []models.CanonicalMessage) (string, error) {
	prompt := fmt.Sprintf(
		"Summarise the following conversation in at most %d tokens. Preserve decisions, facts, and open questions. Reply with the summary only.",
		c.cfg.MaxSummaryTokens)
	system, err := models.NewMessage(models.RoleSystem, prompt, c.clock.Now(), nil)
	if err != nil {
		return "", err
	}

	history := make([]models.CanonicalMessage, 0, len(msgs)+1)
	history = append(history, system)
	history = append(history, msgs...)

	reply, err := c.provider.Complete(ctx, history)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(reply.Content)
	if text == "" {
		return "", models.NewDomainViolationError("provider returned an empty summary")
	}
	return text, nil
}

// embedAndIndex performs steps 5 and 6 of the cycle. The summary is already
// durable; failures here only defer the long-term entry.
func (c *Consolidator) embedAndIndex(ctx context.Context, summary models.ConversationSummary) error {
	emb, err := c.embedder.Embed(ctx, summary.Text)
	if err != nil {
		return fmt.Errorf("embedding summary: %w", err)
	}
	metadata := map[string]string{
		"agent_id":        summary.Agent.String(),
		"conversation_id": summary.ConversationID,
		"text":            summary.Text,
	}
	if err := c.index.Upsert(ctx, summary.ID.String(), emb, metadata); err != nil {
		return fmt.Errorf("upserting embedding: %w", err)
	}
	if err := c.store.MarkEmbedded(ctx, summary.ID); err != nil {
		return fmt.Errorf("marking summary embedded: %w", err)
	}
	c.manager.recordEmbedding()
	return nil
}

// retryPendingEmbeddings is the Low-priority pass: summaries persisted but
// not yet present in the long-term index.
func (c *Consolidator) retryPendingEmbeddings(ctx context.Context) {
	pending, err := c.store.ListPendingEmbeddings(ctx, 32)
	if err != nil {
		slog.Warn("Listing pending embeddings failed", "error", err)
		return
	}
	for _, summary := range pending {
		if err := c.embedAndIndex(ctx, summary); err != nil {
			slog.Warn("Embedding retry failed",
				"agent", summary.Agent, "summary_id", summary.ID, "error", err)
			continue
		}
		c.publish(summary.Agent, "embedding_retried")
	}
}

// pruneRetention is the Medium-priority pass: drop summaries beyond the
// configured per-agent retention, oldest first.
func (c *Consolidator) pruneRetention(ctx context.Context) {
	for _, agent := range c.manager.AgentIDs() {
		summaries, err := c.store.List(ctx, agent, c.cfg.Retention+64)
		if err != nil || len(summaries) <= c.cfg.Retention {
			continue
		}
		// List returns newest first; everything past the retention window goes.
		for _, old := range summaries[c.cfg.Retention:] {
			if err := c.store.Delete(ctx, old.Agent, old.ConversationID); err != nil {
				slog.Warn("Retention prune failed",
					"agent", old.Agent, "conversation_id", old.ConversationID, "error", err)
				continue
			}
			c.publish(agent, "retention_pruned")
		}
	}
}

func (c *Consolidator) lockFor(agent models.AgentID) *sync.Mutex {
	actual, _ := c.agentMu.LoadOrStore(agent, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (c *Consolidator) publish(agent models.AgentID, reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:   events.TypeConsolidation,
		Agent:  agent,
		Reason: reason,
		At:     c.clock.Now(),
	})
}
