package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/metacogna/sentinel/pkg/models"
	"github.com/metacogna/sentinel/pkg/ports"
)

// ContextBudget bounds what Context assembles for a turn.
type ContextBudget struct {
	// RecentMessages is the number of short-term messages to include.
	RecentMessages int
	// LongTermHits is the number of rehydrated summaries to include when the
	// token budget allows.
	LongTermHits int
	// MaxTokens caps the assembled context; zero means no cap.
	MaxTokens int
}

// DefaultContextBudget mirrors the runtime defaults.
func DefaultContextBudget() ContextBudget {
	return ContextBudget{RecentMessages: 10, LongTermHits: 2}
}

// agentMemory is the per-agent slice of the short-term tier plus the
// conversation bookkeeping the consolidator keys summaries by.
type agentMemory struct {
	buffer   *ShortTermBuffer
	convBase string
	segment  int
}

func (a *agentMemory) conversationID() string {
	return fmt.Sprintf("%s/%06d", a.convBase, a.segment)
}

// Manager is the three-tier memory façade. Short-term buffers are created
// lazily per agent; the medium and long tiers sit behind their ports.
type Manager struct {
	mu     sync.RWMutex
	agents map[models.AgentID]*agentMemory

	store    ports.SummaryStore
	index    ports.VectorIndex
	embedder ports.Embedder
	clock    ports.Clock

	maxMessages int
	maxTokens   int

	// Budget counters, updated by the consolidator.
	budgetMu     sync.Mutex
	mediumTokens int
	longEntries  int
	globalCap    int

	consolidator *Consolidator
}

// NewManager wires the façade. Attach the consolidator afterwards with
// SetConsolidator (they reference each other by construction order).
func NewManager(store ports.SummaryStore, index ports.VectorIndex, embedder ports.Embedder, clock ports.Clock, maxMessages, maxTokens, globalCap int) *Manager {
	return &Manager{
		agents:      make(map[models.AgentID]*agentMemory),
		store:       store,
		index:       index,
		embedder:    embedder,
		clock:       clock,
		maxMessages: maxMessages,
		maxTokens:   maxTokens,
		globalCap:   globalCap,
	}
}

// SetConsolidator attaches the background task that services overflow.
func (m *Manager) SetConsolidator(c *Consolidator) {
	m.consolidator = c
}

// Append accepts a message into the agent's short-term buffer. When the
// buffer is full (message bound) or at twice its token bound, the call
// becomes synchronous backpressure: it consolidates inline, and fails with
// memory_full when no consolidator is attached or that inline cycle fails.
func (m *Manager) Append(ctx context.Context, agent models.AgentID, msg models.CanonicalMessage) error {
	am := m.agentMemory(agent)

	if am.buffer.Full() || am.buffer.AtCriticalCapacity() {
		// Synchronous backpressure: consolidate inline or refuse. A failed
		// attempt marks the consolidator unhealthy, so the refusal reason
		// holds until a cycle succeeds again.
		if m.consolidator == nil {
			return models.NewUnavailableError(models.ReasonMemoryFull)
		}
		if err := m.consolidator.ConsolidateAgent(ctx, agent); err != nil {
			slog.Warn("Inline consolidation failed, rejecting append",
				"agent", agent, "error", err)
			return models.NewUnavailableError(models.ReasonMemoryFull)
		}
	}

	if err := am.buffer.Append(msg); err != nil {
		return err
	}

	if am.buffer.ShouldConsolidate() && m.consolidator != nil {
		m.consolidator.Signal(agent)
	}
	return nil
}

// Recent returns the agent's most recent n short-term messages.
func (m *Manager) Recent(agent models.AgentID, n int) []models.CanonicalMessage {
	return m.agentMemory(agent).buffer.Recent(n)
}

// Context assembles the turn context: recent short-term messages plus, when
// the budget allows, a few long-term hits rehydrated from summaries and
// presented as system messages ahead of the conversation.
func (m *Manager) Context(ctx context.Context, agent models.AgentID, budget ContextBudget) ([]models.CanonicalMessage, error) {
	if budget.RecentMessages <= 0 {
		budget = DefaultContextBudget()
	}
	am := m.agentMemory(agent)
	recent := am.buffer.Recent(budget.RecentMessages)

	used := 0
	for _, msg := range recent {
		used += msg.ApproxTokens()
	}

	var out []models.CanonicalMessage
	if budget.LongTermHits > 0 && len(recent) > 0 && (budget.MaxTokens == 0 || used < budget.MaxTokens) {
		hits := m.searchLongTerm(ctx, agent, recent[len(recent)-1].Content, budget.LongTermHits)
		for _, text := range hits {
			sys, err := models.NewMessage(models.RoleSystem, "Relevant prior context: "+text, m.clock.Now(), nil)
			if err != nil {
				continue
			}
			if budget.MaxTokens > 0 && used+sys.ApproxTokens() > budget.MaxTokens {
				break
			}
			used += sys.ApproxTokens()
			out = append(out, sys)
		}
	}
	out = append(out, recent...)
	return out, nil
}

// searchLongTerm embeds the query and rehydrates the matching summary texts.
// Failures degrade to an empty result — context assembly is best-effort.
func (m *Manager) searchLongTerm(ctx context.Context, agent models.AgentID, query string, k int) []string {
	if m.embedder == nil || m.index == nil {
		return nil
	}
	emb, err := m.embedder.Embed(ctx, query)
	if err != nil {
		slog.Debug("Long-term query embedding failed", "agent", agent, "error", err)
		return nil
	}
	hits, err := m.index.Search(ctx, emb, k, map[string]string{"agent_id": agent.String()})
	if err != nil {
		slog.Debug("Long-term search failed", "agent", agent, "error", err)
		return nil
	}

	texts := make([]string, 0, len(hits))
	for _, hit := range hits {
		if text := hit.Metadata["text"]; text != "" {
			texts = append(texts, text)
			continue
		}
		if conv := hit.Metadata["conversation_id"]; conv != "" {
			if summary, err := m.store.Get(ctx, agent, conv); err == nil {
				texts = append(texts, summary.Text)
			}
		}
	}
	return texts
}

// ReportBudget snapshots the per-tier token accounting.
func (m *Manager) ReportBudget() models.TokenBudget {
	m.mu.RLock()
	short := 0
	for _, am := range m.agents {
		short += am.buffer.TokenCount()
	}
	m.mu.RUnlock()

	m.budgetMu.Lock()
	defer m.budgetMu.Unlock()
	return models.TokenBudget{
		Short:     short,
		Medium:    m.mediumTokens,
		Long:      m.longEntries,
		GlobalCap: m.globalCap,
	}
}

// AgentIDs returns every agent with a live short-term buffer.
func (m *Manager) AgentIDs() []models.AgentID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AgentID, 0, len(m.agents))
	for id := range m.agents {
		out = append(out, id)
	}
	return out
}

// ShortTermLen reports the buffer length for an agent, for status surfaces.
func (m *Manager) ShortTermLen(agent models.AgentID) int {
	return m.agentMemory(agent).buffer.Len()
}

func (m *Manager) agentMemory(agent models.AgentID) *agentMemory {
	m.mu.RLock()
	am, ok := m.agents[agent]
	m.mu.RUnlock()
	if ok {
		return am
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if am, ok = m.agents[agent]; ok {
		return am
	}
	am = &agentMemory{
		buffer:   NewShortTermBuffer(m.maxMessages, m.maxTokens),
		convBase: uuid.NewString(),
	}
	m.agents[agent] = am
	return am
}

func (m *Manager) recordSummary(tokens int) {
	m.budgetMu.Lock()
	defer m.budgetMu.Unlock()
	m.mediumTokens += tokens
}

func (m *Manager) recordEmbedding() {
	m.budgetMu.Lock()
	defer m.budgetMu.Unlock()
	m.longEntries++
}
