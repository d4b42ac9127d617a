package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/askviz/askviz-engine/pkg/database"
	"github.com/askviz/askviz-engine/pkg/models"
)

// ErrNotFound is returned when a conversation does not exist or belongs to
// another user.
var ErrNotFound = errors.New("conversation not found")

// ConversationRepository stores conversations and their messages. Postgres
// backs the production implementation; an in-memory one serves deployments
// without a database.
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, userID string, id uuid.UUID) (*models.Conversation, error)
	List(ctx context.Context, userID string, limit int) ([]*models.Conversation, error)
	Delete(ctx context.Context, userID string, id uuid.UUID) error

	AppendMessage(ctx context.Context, msg *models.ChatMessage) error
	Messages(ctx context.Context, conversationID uuid.UUID) ([]*models.ChatMessage, error)
}

type conversationRepository struct {
	db *database.DB
}

// NewConversationRepository creates the Postgres-backed repository.
func NewConversationRepository(db *database.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

var _ ConversationRepository = (*conversationRepository)(nil)

func (r *conversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
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

	_, err := r.db.Exec(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (r *conversationRepository) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND user_id = $2`,
		id, userID).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (r *conversationRepository) List(ctx context.Context, userID string, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		conv := &models.Conversation{}
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (r *conversationRepository) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM conversations WHERE id = $1 AND user_id = $2`,
		id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *conversationRepository) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var entitiesJSON, queryJSON []byte
	var err error
	if len(msg.ShownEntities) > 0 {
		entitiesJSON, err = json.Marshal(msg.ShownEntities)
		if err != nil {
			return fmt.Errorf("failed to marshal shown_entities: %w", err)
		}
	}
	if msg.Query != nil {
		queryJSON, err = json.Marshal(msg.Query)
		if err != nil {
			return fmt.Errorf("failed to marshal query: %w", err)
		}
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, agent_name, shown_entities, query, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.AgentName,
		entitiesJSON, queryJSON, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		UPDATE conversations SET updated_at = $1 WHERE id = $2`,
		msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

func (r *conversationRepository) Messages(ctx context.Context, conversationID uuid.UUID) ([]*models.ChatMessage, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, conversation_id, role, content, agent_name, shown_entities, query, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var out []*models.ChatMessage
	for rows.Next() {
		msg := &models.ChatMessage{}
		var entitiesJSON, queryJSON []byte
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&msg.AgentName, &entitiesJSON, &queryJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(entitiesJSON) > 0 {
			if err := json.Unmarshal(entitiesJSON, &msg.ShownEntities); err != nil {
				return nil, fmt.Errorf("failed to unmarshal shown_entities: %w", err)
			}
		}
		if len(queryJSON) > 0 {
			if err := json.Unmarshal(queryJSON, &msg.Query); err != nil {
				return nil, fmt.Errorf("failed to unmarshal query: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
