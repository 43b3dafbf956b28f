// Package memory implements the three-tier conversational memory: the
// in-process short-term buffer, the manager façade over the medium- and
// long-term ports, and the background consolidator that moves data
// short → medium → long.
package memory

import (
	"sync"

	"github.com/metacogna/sentinel/pkg/models"
)

// Short-term defaults.
const (
	DefaultMaxMessages = 64
	DefaultMaxTokens   = 8192
)

// ShortTermBuffer is a bounded ordered sequence of messages with an
// approximate token count. One agent owns the writes; readers share an
// RWMutex. Overflow is a signal to the manager, never a silent drop.
type ShortTermBuffer struct {
	mu          sync.RWMutex
	messages    []models.CanonicalMessage
	tokens      int
	maxMessages int
	maxTokens   int
}

// NewShortTermBuffer creates a buffer with the given bounds, falling back to
// the defaults for non-positive values.
func NewShortTermBuffer(maxMessages, maxTokens int) *ShortTermBuffer {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &ShortTermBuffer{
		messages:    make([]models.CanonicalMessage, 0, maxMessages),
		maxMessages: maxMessages,
		maxTokens:   maxTokens,
	}
}

// Append stores a copy of msg and updates the token count. A full buffer
// refuses the message — the manager decides whether to consolidate or
// reject upward.
func (b *ShortTermBuffer) Append(msg models.CanonicalMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.messages) >= b.maxMessages {
		return models.NewUnavailableError(models.ReasonMemoryFull)
	}
	b.messages = append(b.messages, msg.Clone())
	b.tokens += msg.ApproxTokens()
	return nil
}

// Recent returns copies of the most recent n messages in order.
func (b *ShortTermBuffer) Recent(n int) []models.CanonicalMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || len(b.messages) == 0 {
		return nil
	}
	if n > len(b.messages) {
		n = len(b.messages)
	}
	out := make([]models.CanonicalMessage, 0, n)
	for _, m := range b.messages[len(b.messages)-n:] {
		out = append(out, m.Clone())
	}
	return out
}

// Drain removes and returns every buffered message in order.
func (b *ShortTermBuffer) Drain() []models.CanonicalMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.messages
	b.messages = make([]models.CanonicalMessage, 0, b.maxMessages)
	b.tokens = 0
	return out
}

// Restore puts drained messages back at the front, preserving order. Used
// when a consolidation cycle aborts so no accepted message is lost.
func (b *ShortTermBuffer) Restore(msgs []models.CanonicalMessage) {
	if len(msgs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	restored := make([]models.CanonicalMessage, 0, len(msgs)+len(b.messages))
	restored = append(restored, msgs...)
	restored = append(restored, b.messages...)
	b.messages = restored
	b.tokens = 0
	for _, m := range b.messages {
		b.tokens += m.ApproxTokens()
	}
}

// ShouldConsolidate reports whether either bound has been reached.
func (b *ShortTermBuffer) ShouldConsolidate() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages) >= b.maxMessages || b.tokens >= b.maxTokens
}

// AtCriticalCapacity reports the 2× threshold breach that turns appends into
// synchronous backpressure.
func (b *ShortTermBuffer) AtCriticalCapacity() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tokens >= 2*b.maxTokens
}

// Full reports whether the message bound is reached.
func (b *ShortTermBuffer) Full() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages) >= b.maxMessages
}

// Len is the current number of buffered messages.
func (b *ShortTermBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

// TokenCount is the current approximate token total.
func (b *ShortTermBuffer) TokenCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tokens
}
