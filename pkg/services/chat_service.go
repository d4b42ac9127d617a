package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/askviz/askviz-engine/pkg/apperrors"
	"github.com/askviz/askviz-engine/pkg/config"
	"github.com/askviz/askviz-engine/pkg/models"
	"github.com/askviz/askviz-engine/pkg/repositories"
	"github.com/askviz/askviz-engine/pkg/services/vizql"
)

// maxTitleLen bounds auto-generated conversation titles.
const maxTitleLen = 80

// AskRequest is one user question, optionally continuing a conversation or
// pinned to a named agent.
type AskRequest struct {
	UserID         string
	Question       string
	ConversationID *uuid.UUID
	Agent          string
}

// AskResult is the outcome of one question.
type AskResult struct {
	ConversationID uuid.UUID
	Answer         string
	Metadata       *models.QueryMetadata
	ShownEntities  []string
	TaskResults    []models.TaskResult
}

// ChatService routes questions: an explicit or sole agent runs the graph
// directly, several agents go through the orchestrator. It owns conversation
// loading and persistence around the run.
type ChatService struct {
	registry     *AgentRegistry
	runner       QueryRunner
	orchestrator *Orchestrator
	repo         repositories.ConversationRepository
	logger       *zap.Logger
}

// NewChatService creates the chat service.
func NewChatService(registry *AgentRegistry, runner QueryRunner, orchestrator *Orchestrator,
	repo repositories.ConversationRepository, logger *zap.Logger) *ChatService {
	return &ChatService{
		registry:     registry,
		runner:       runner,
		orchestrator: orchestrator,
		repo:         repo,
		logger:       logger.Named("chat"),
	}
}

// Ask answers one question. The returned result is non-nil whenever any
// partial outcome exists, error included, so callers can stream metadata
// best-effort.
func (s *ChatService) Ask(ctx context.Context, req AskRequest, emit vizql.EmitFunc) (*AskResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, apperrors.NewAgentError(apperrors.CodeQueryGenerationFailed, "",
			"the question is empty", nil)
	}

	conv, history, err := s.loadConversation(ctx, req, question)
	if err != nil {
		return nil, err
	}
	result := &AskResult{ConversationID: conv.ID}

	var answer string
	var runErr error
	if agent, direct := s.directAgent(req); direct {
		answer, runErr = s.askAgent(ctx, agent, question, history, result, emit)
	} else if req.Agent != "" {
		_, getErr := s.registry.Get(req.Agent)
		return result, getErr
	} else {
		answer, runErr = s.askOrchestrated(ctx, question, history, result, emit)
	}

	result.Answer = answer
	s.persistTurn(ctx, conv, question, result, runErr)
	return result, runErr
}

// directAgent resolves the single-graph path: a valid explicit agent, or the
// only registered one.
func (s *ChatService) directAgent(req AskRequest) (config.AgentDefinition, bool) {
	if req.Agent != "" {
		agent, err := s.registry.Get(req.Agent)
		return agent, err == nil
	}
	if s.registry.Len() == 1 {
		return s.registry.List()[0], true
	}
	return config.AgentDefinition{}, false
}

func (s *ChatService) askAgent(ctx context.Context, agent config.AgentDefinition, question string,
	history []models.ChatMessage, result *AskResult, emit vizql.EmitFunc) (string, error) {

	st := models.NewGraphState(agent.Name, agent.DatasourceID, agent.DatasourceName,
		question, agent.MaxBuildAttempts, agent.MaxExecutionAttempts)
	st.History = history
	st.PriorQuestion, st.PriorQuery = priorTurn(history)

	st, err := s.runner.Run(ctx, st, emit)
	if st != nil {
		result.Metadata = taskMetadata(st)
		result.ShownEntities = st.ShownEntities
		if err != nil && st.Summary != "" {
			// handle_error composed a user-facing failure; surface it as
			// the answer alongside the error.
			return st.Summary, err
		}
	}
	if err != nil {
		return "", err
	}
	return st.Summary, nil
}

func (s *ChatService) askOrchestrated(ctx context.Context, question string,
	history []models.ChatMessage, result *AskResult, emit vizql.EmitFunc) (string, error) {

	res, err := s.orchestrator.Answer(ctx, question, history, emit)
	if res != nil {
		result.TaskResults = res.Results
		result.Metadata = lastSuccessMetadata(res.Results)
		if err != nil && res.Answer != "" {
			return res.Answer, err
		}
	}
	if err != nil {
		return "", err
	}
	return res.Answer, nil
}

func lastSuccessMetadata(results []models.TaskResult) *models.QueryMetadata {
	var meta *models.QueryMetadata
	for _, r := range results {
		if r.Status == models.TaskSucceeded && r.Metadata != nil {
			meta = r.Metadata
		}
	}
	return meta
}

// loadConversation resolves or creates the conversation and loads its turns.
func (s *ChatService) loadConversation(ctx context.Context, req AskRequest, question string) (*models.Conversation, []models.ChatMessage, error) {
	if req.ConversationID != nil && *req.ConversationID != uuid.Nil {
		conv, err := s.repo.Get(ctx, req.UserID, *req.ConversationID)
		if err != nil {
			return nil, nil, err
		}
		stored, err := s.repo.Messages(ctx, conv.ID)
		if err != nil {
			return nil, nil, err
		}
		history := make([]models.ChatMessage, 0, len(stored))
		for _, m := range stored {
			history = append(history, *m)
		}
		return conv, history, nil
	}

	conv := &models.Conversation{UserID: req.UserID, Title: titleFromQuestion(question)}
	if err := s.repo.Create(ctx, conv); err != nil {
		return nil, nil, err
	}
	return conv, nil, nil
}

// persistTurn stores the user question and, when the run produced anything
// user-facing, the assistant's reply with its follow-up context. Persistence
// failures are logged, never surfaced: the user already has the answer.
func (s *ChatService) persistTurn(ctx context.Context, conv *models.Conversation,
	question string, result *AskResult, runErr error) {

	userMsg := &models.ChatMessage{
		ConversationID: conv.ID,
		Role:           models.ChatRoleUser,
		Content:        question,
	}
	if err := s.repo.AppendMessage(ctx, userMsg); err != nil {
		s.logger.Warn("failed to persist user message", zap.Error(err))
		return
	}

	if result.Answer == "" {
		return
	}

	assistantMsg := &models.ChatMessage{
		ConversationID: conv.ID,
		Role:           models.ChatRoleAssistant,
		Content:        result.Answer,
		ShownEntities:  result.ShownEntities,
	}
	if meta := result.Metadata; meta != nil {
		assistantMsg.AgentName = meta.AgentName
		// Failed runs keep their failure text but no query: a broken query
		// must not seed follow-up reuse.
		if runErr == nil {
			assistantMsg.Query = meta.Query
		}
	}
	if err := s.repo.AppendMessage(ctx, assistantMsg); err != nil {
		s.logger.Warn("failed to persist assistant message", zap.Error(err))
	}
}

// priorTurn extracts the most recent successful question/query pair from the
// conversation for follow-up reuse.
func priorTurn(history []models.ChatMessage) (string, *models.VDSQuery) {
	for i := len(history) - 1; i >= 0; i-- {
		m := &history[i]
		if !m.IsFromAssistant() || m.Query == nil {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if history[j].IsFromUser() {
				return history[j].Content, m.Query
			}
		}
		return "", m.Query
	}
	return "", nil
}

func titleFromQuestion(question string) string {
	title := strings.TrimSpace(question)
	if len(title) > maxTitleLen {
		title = strings.TrimSpace(title[:maxTitleLen]) + "…"
	}
	return title
}
