package models

import (
	"strings"
	"time"
)

// ConversationSummary is the medium-term record produced by consolidation.
// The summary ID doubles as the long-term vector key.
type ConversationSummary struct {
	ID             MessageID `json:"id"`
	Agent          AgentID   `json:"agent"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	MessageCount   int       `json:"message_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate checks the summary invariants before persistence.
func (s ConversationSummary) Validate() error {
	if s.ID.IsZero() {
		return NewDomainViolationError("summary id is missing")
	}
	if s.Agent.IsZero() {
		return NewDomainViolationError("summary agent is missing")
	}
	if s.ConversationID == "" {
		return NewDomainViolationError("summary conversation id is empty")
	}
	if strings.TrimSpace(s.Text) == "" {
		return NewDomainViolationError("summary text is empty")
	}
	if s.MessageCount <= 0 {
		return NewDomainViolationError("summary message count must be positive")
	}
	return nil
}

// TokenBudget is a read-only snapshot of per-tier token accounting reported
// by the memory manager.
type TokenBudget struct {
	Short     int `json:"short"`
	Medium    int `json:"medium"`
	Long      int `json:"long"`
	GlobalCap int `json:"global_cap,omitempty"`
}
