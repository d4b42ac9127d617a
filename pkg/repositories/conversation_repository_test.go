//go:build integration

package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/askviz/askviz-engine/pkg/models"
	"github.com/askviz/askviz-engine/pkg/testhelpers"
)

func setupConversationRepo(t *testing.T) ConversationRepository {
	engineDB := testhelpers.GetEngineDB(t)
	return NewConversationRepository(engineDB.DB)
}

func newStoredConversation(userID, title string) *models.Conversation {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestConversationRepository_CreateAndGet(t *testing.T) {
	repo := setupConversationRepo(t)
	ctx := context.Background()

	conv := newStoredConversation("user-a", "Total sales by region")
	if err := repo.Create(ctx, conv); err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}

	got, err := repo.Get(ctx, "user-a", conv.ID)
	if err != nil {
		t.Fatalf("failed to get conversation: %v", err)
	}
	if got.Title != "Total sales by region" {
		t.Errorf("expected title to round-trip, got %q", got.Title)
	}
	if got.UserID != "user-a" {
		t.Errorf("expected user_id to round-trip, got %q", got.UserID)
	}
}

func TestConversationRepository_UserIsolation(t *testing.T) {
	repo := setupConversationRepo(t)
	ctx := context.Background()

	conv := newStoredConversation("user-a", "private")
	if err := repo.Create(ctx, conv); err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}

	if _, err := repo.Get(ctx, "user-b", conv.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for another user, got %v", err)
	}
	if err := repo.Delete(ctx, "user-b", conv.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound deleting as another user, got %v", err)
	}

	// Still visible to the owner.
	if _, err := repo.Get(ctx, "user-a", conv.ID); err != nil {
		t.Errorf("expected owner to still see the conversation, got %v", err)
	}
}

func TestConversationRepository_MessagesRoundTrip(t *testing.T) {
	repo := setupConversationRepo(t)
	ctx := context.Background()

	conv := newStoredConversation("user-a", "messages")
	if err := repo.Create(ctx, conv); err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	userMsg := &models.ChatMessage{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Role:           models.ChatRoleUser,
		Content:        "What are total sales by region?",
		CreatedAt:      now,
	}
	assistantMsg := &models.ChatMessage{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Role:           models.ChatRoleAssistant,
		Content:        "Sales total 3000 across 2 regions.",
		AgentName:      "sales",
		ShownEntities:  []string{"East", "West"},
		Query: &models.VDSQuery{
			Fields: []models.QueryField{
				{FieldCaption: "Region"},
				{FieldCaption: "Sales", Function: "SUM"},
			},
		},
		CreatedAt: now.Add(time.Second),
	}

	if err := repo.AppendMessage(ctx, userMsg); err != nil {
		t.Fatalf("failed to append user message: %v", err)
	}
	if err := repo.AppendMessage(ctx, assistantMsg); err != nil {
		t.Fatalf("failed to append assistant message: %v", err)
	}

	msgs, err := repo.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != models.ChatRoleUser || msgs[1].Role != models.ChatRoleAssistant {
		t.Errorf("expected user then assistant ordering, got %s then %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Query == nil || len(msgs[1].Query.Fields) != 2 {
		t.Errorf("expected the stored query to round-trip, got %+v", msgs[1].Query)
	}
	if len(msgs[1].ShownEntities) != 2 {
		t.Errorf("expected shown entities to round-trip, got %v", msgs[1].ShownEntities)
	}

	// Appending bumps the conversation's updated_at, which drives list order.
	got, err := repo.Get(ctx, "user-a", conv.ID)
	if err != nil {
		t.Fatalf("failed to re-read conversation: %v", err)
	}
	if !got.UpdatedAt.After(conv.UpdatedAt) {
		t.Errorf("expected updated_at to advance, got %v (was %v)", got.UpdatedAt, conv.UpdatedAt)
	}
}

func TestConversationRepository_ListOrderAndDelete(t *testing.T) {
	repo := setupConversationRepo(t)
	ctx := context.Background()

	userID := "user-" + uuid.NewString()
	first := newStoredConversation(userID, "first")
	second := newStoredConversation(userID, "second")
	second.UpdatedAt = second.UpdatedAt.Add(time.Minute)

	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("failed to create first: %v", err)
	}
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("failed to create second: %v", err)
	}

	convs, err := repo.List(ctx, userID, 10)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].Title != "second" {
		t.Errorf("expected most recently updated first, got %q", convs[0].Title)
	}

	if err := repo.Delete(ctx, userID, first.ID); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	convs, err = repo.List(ctx, userID, 10)
	if err != nil {
		t.Fatalf("failed to list after delete: %v", err)
	}
	if len(convs) != 1 {
		t.Errorf("expected 1 conversation after delete, got %d", len(convs))
	}
}
