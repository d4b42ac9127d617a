package repositories

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/askviz/askviz-engine/pkg/models"
)

// memoryConversationRepository keeps conversations in process memory. It
// backs deployments that run without Postgres; history is lost on restart.
type memoryConversationRepository struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*models.Conversation
	messages      map[uuid.UUID][]*models.ChatMessage
}

// NewMemoryConversationRepository creates the in-memory repository.
func NewMemoryConversationRepository() ConversationRepository {
	return &memoryConversationRepository{
		conversations: make(map[uuid.UUID]*models.Conversation),
		messages:      make(map[uuid.UUID][]*models.ChatMessage),
	}
}

var _ ConversationRepository = (*memoryConversationRepository)(nil)

func (r *memoryConversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *conv
	r.conversations[conv.ID] = &clone
	return nil
}

func (r *memoryConversationRepository) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok || conv.UserID != userID {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (r *memoryConversationRepository) List(ctx context.Context, userID string, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Conversation
	for _, conv := range r.conversations {
		if conv.UserID != userID {
			continue
		}
		clone := *conv
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryConversationRepository) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok || conv.UserID != userID {
		return ErrNotFound
	}
	delete(r.conversations, id)
	delete(r.messages, id)
	return nil
}

func (r *memoryConversationRepository) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	clone := cloneMessage(msg)
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], clone)
	if conv, ok := r.conversations[msg.ConversationID]; ok {
		conv.UpdatedAt = msg.CreatedAt
	}
	return nil
}

func (r *memoryConversationRepository) Messages(ctx context.Context, conversationID uuid.UUID) ([]*models.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.messages[conversationID]
	out := make([]*models.ChatMessage, 0, len(stored))
	for _, msg := range stored {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

// cloneMessage copies a message deeply enough that callers and the store
// cannot mutate each other's entities or query.
func cloneMessage(msg *models.ChatMessage) *models.ChatMessage {
	clone := *msg
	clone.ShownEntities = slices.Clone(msg.ShownEntities)
	if msg.Query != nil {
		query := *msg.Query
		clone.Query = &query
	}
	return &clone
}
