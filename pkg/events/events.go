// Package events carries the runtime's observability events: agent state
// transitions, lifecycle actions, and consolidation activity. The bus is
// bounded and best-effort — publishing never blocks a hot path, and overflow
// drops are counted rather than silently ignored.
package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/metacogna/sentinel/pkg/mailbox"
	"github.com/metacogna/sentinel/pkg/models"
)

// Type identifies the event payload shape.
type Type string

// Event types.
const (
	TypeAgentTransition  Type = "agent.transition"
	TypeAgentSpawned     Type = "agent.spawned"
	TypeAgentTerminated  Type = "agent.terminated"
	TypeAgentRestarted   Type = "agent.restarted"
	TypeAgentZombie      Type = "agent.zombie"
	TypeAgentPanic       Type = "agent.panic"
	TypeConsolidation    Type = "memory.consolidation"
	TypeShutdownStarted  Type = "supervisor.shutdown_started"
	TypeShutdownComplete Type = "supervisor.shutdown_complete"
)

// Event is the single payload type on the bus. Agent-scoped fields are zero
// for supervisor-scoped events.
type Event struct {
	Type      Type
	Agent     models.AgentID
	State     models.AgentState
	Reason    string
	Processed int
	At        time.Time
}

// DefaultBusCapacity bounds the event backlog.
const DefaultBusCapacity = 256

// Bus is a bounded single-consumer event stream.
type Bus struct {
	mb      *mailbox.Mailbox[Event]
	dropped atomic.Int64
}

// NewBus creates a bus with the given capacity (DefaultBusCapacity when
// non-positive).
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultBusCapacity
	}
	return &Bus{mb: mailbox.New[Event](capacity)}
}

// Publish enqueues best-effort. A full bus drops the event and bumps the
// drop counter; observability must not backpressure the runtime.
func (b *Bus) Publish(ev Event) {
	if err := b.mb.TrySend(ev); err != nil {
		b.dropped.Add(1)
		slog.Debug("Event bus full, dropping event",
			"type", ev.Type, "agent", ev.Agent, "dropped_total", b.dropped.Load())
	}
}

// Recv yields the next event, honouring ctx like mailbox.Recv.
func (b *Bus) Recv(ctx context.Context) (Event, error) {
	return b.mb.Recv(ctx)
}

// Dropped is the number of events lost to overflow since start.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close ends the stream; the consumer drains the backlog first.
func (b *Bus) Close() { b.mb.Close() }
