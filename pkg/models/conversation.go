package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Chat Roles
// ============================================================================

// ChatRole represents the role of a chat message sender.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleSystem    ChatRole = "system"
)

// IsValidChatRole checks if the given role is valid.
func IsValidChatRole(r ChatRole) bool {
	switch r {
	case ChatRoleUser, ChatRoleAssistant, ChatRoleSystem:
		return true
	}
	return false
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation groups the messages of one user thread.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatMessage is one stored turn. Assistant turns carry the entities the
// answer surfaced and the query that produced it, both feeding follow-up
// questions.
type ChatMessage struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           ChatRole  `json:"role"`
	Content        string    `json:"content"`
	AgentName      string    `json:"agent_name,omitempty"`
	ShownEntities  []string  `json:"shown_entities,omitempty"`
	Query          *VDSQuery `json:"query,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsFromUser returns true if the message is from a user.
func (m *ChatMessage) IsFromUser() bool {
	return m.Role == ChatRoleUser
}

// IsFromAssistant returns true if the message is from the assistant.
func (m *ChatMessage) IsFromAssistant() bool {
	return m.Role == ChatRoleAssistant
}
