// Package models contains the domain types shared across every internal
// boundary: messages, identifiers, agent states, auth levels, summaries,
// and the error taxonomy. Everything here is a pure value — no I/O.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Timestamp sanity bounds for message validation.
const (
	// MaxFutureDrift is how far into the future a message timestamp may lie
	// relative to the injected clock (tolerates caller clock skew).
	MaxFutureDrift = time.Hour

	// MaxPastDrift is how far into the past a message timestamp may lie.
	MaxPastDrift = 100 * 365 * 24 * time.Hour
)

// MessageID is an opaque 128-bit message identifier. Equality is byte
// equality; IDs are never reused.
type MessageID struct {
	id uuid.UUID
}

// NewMessageID generates a fresh unique message ID.
func NewMessageID() MessageID {
	return MessageID{id: uuid.New()}
}

// ParseMessageID parses the lexical form produced by String().
func ParseMessageID(s string) (MessageID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return MessageID{}, NewInvalidMessageError(fmt.Sprintf("malformed message id: %v", err))
	}
	return MessageID{id: u}, nil
}

// String returns the lexical form of the ID.
func (m MessageID) String() string { return m.id.String() }

// IsZero reports whether the ID is the zero value (never assigned).
func (m MessageID) IsZero() bool { return m.id == uuid.UUID{} }

// MarshalText serialises the lexical form.
func (m MessageID) MarshalText() ([]byte, error) {
	return []byte(m.id.String()), nil
}

// UnmarshalText parses the lexical form.
func (m *MessageID) UnmarshalText(b []byte) error {
	parsed, err := ParseMessageID(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// AgentID is an opaque 128-bit agent identifier.
type AgentID struct {
	id uuid.UUID
}

// NewAgentID generates a fresh unique agent ID.
func NewAgentID() AgentID {
	return AgentID{id: uuid.New()}
}

// ParseAgentID parses the lexical form produced by String().
func ParseAgentID(s string) (AgentID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AgentID{}, NewInvalidMessageError(fmt.Sprintf("malformed agent id: %v", err))
	}
	return AgentID{id: u}, nil
}

// String returns the lexical form of the ID.
func (a AgentID) String() string { return a.id.String() }

// IsZero reports whether the ID is the zero value.
func (a AgentID) IsZero() bool { return a.id == uuid.UUID{} }

// MarshalText serialises the lexical form.
func (a AgentID) MarshalText() ([]byte, error) {
	return []byte(a.id.String()), nil
}

// UnmarshalText parses the lexical form.
func (a *AgentID) UnmarshalText(b []byte) error {
	parsed, err := ParseAgentID(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Role identifies the author of a conversation message.
type Role string

// Message roles. Serialised as lowercase strings.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole validates and returns a Role from its serialised form.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(s), nil
	default:
		return "", NewInvalidMessageError(fmt.Sprintf("unknown role %q", s))
	}
}

// Valid reports whether the role is one of the three known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// CanonicalMessage is the sole conversational payload crossing internal
// boundaries. Fields are fixed at construction; treat values as immutable.
type CanonicalMessage struct {
	ID        MessageID         `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewMessage builds a validated message with a fresh ID. The timestamp is
// taken from the supplied clock instant. Construction never panics: it
// returns the message or an InvalidMessage error.
func NewMessage(role Role, content string, now time.Time, metadata map[string]string) (CanonicalMessage, error) {
	msg := CanonicalMessage{
		ID:        NewMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: now.UTC(),
		Metadata:  cloneMetadata(metadata),
	}
	if err := msg.Validate(now); err != nil {
		return CanonicalMessage{}, err
	}
	return msg, nil
}

// Validate enforces the message invariants against the given clock instant.
// It is total: every input yields nil or an InvalidMessage error.
func (m CanonicalMessage) Validate(now time.Time) error {
	if m.ID.IsZero() {
		return NewInvalidMessageError("missing message id")
	}
	if !m.Role.Valid() {
		return NewInvalidMessageError(fmt.Sprintf("unknown role %q", m.Role))
	}
	if strings.TrimSpace(m.Content) == "" {
		return NewInvalidMessageError("content is empty")
	}
	if m.Timestamp.IsZero() {
		return NewInvalidMessageError("missing timestamp")
	}
	if m.Timestamp.After(now.Add(MaxFutureDrift)) {
		return NewInvalidMessageError("timestamp lies more than one hour in the future")
	}
	if m.Timestamp.Before(now.Add(-MaxPastDrift)) {
		return NewInvalidMessageError("timestamp lies more than a century in the past")
	}
	for k, v := range m.Metadata {
		if k == "" {
			return NewInvalidMessageError("metadata key is empty")
		}
		if v == "" {
			return NewInvalidMessageError(fmt.Sprintf("metadata value for %q is empty", k))
		}
	}
	return nil
}

// Clone returns a deep copy. Memory hands out clones rather than aliases.
func (m CanonicalMessage) Clone() CanonicalMessage {
	out := m
	out.Metadata = cloneMetadata(m.Metadata)
	return out
}

// ApproxTokens is the approximate token cost of the message: ceil(chars/4)
// over content plus role tag, computed once per message by callers that
// account budgets.
func (m CanonicalMessage) ApproxTokens() int {
	chars := len(m.Content) + len(string(m.Role))
	return (chars + 3) / 4
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
