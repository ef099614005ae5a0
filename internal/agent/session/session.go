package session

import (
	"context"
	"fmt"
	"time"

	"github.com/dataquery-core-poc/server/internal/agent/graph"
	"github.com/dataquery-core-poc/server/internal/agent/graph/conversations"
	"github.com/dataquery-core-poc/server/internal/agent/graph/nodes"
	"github.com/dataquery-core-poc/server/internal/agent/model"
	"github.com/dataquery-core-poc/server/internal/scope"
	"github.com/dataquery-core-poc/server/internal/store"
	logx "github.com/dataquery-core-poc/server/pkg/logger"
)

// FallbackAnswer is returned when the summarizer itself fails, so the caller
// always gets a usable answer from a completed turn.
const FallbackAnswer = "I'm sorry, I couldn't retrieve an answer—please rephrase or check the data."

// Config holds everything needed to assemble one query session.
type Config struct {
	APIKey  string
	BaseURL string

	Identity scope.Identity
	Session  model.SessionConfig

	SQLModel     model.SQLModelConfig
	SummaryModel model.SummaryModelConfig
	Conversation model.ConversationConfig

	ConversationRepo model.ConversationRepository
	Source           *store.SQLiteSource

	// ChatModels overrides provider model construction when set (tests).
	ChatModels *nodes.ChatModels
}

// Session binds a resolved access scope, a scoped dataset and a compiled
// turn graph to one conversation. Sessions are not safe for concurrent use.
type Session struct {
	runner         graph.Runner
	scope          scope.Scope
	scoped         *store.ScopedSource
	conversationID string
}

// New resolves the identity against the store catalog, materializes the
// scoped dataset and compiles the turn graph. An unknown merchant fails here,
// before any model call.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("dataset source is nil")
	}
	if cfg.ConversationRepo == nil {
		return nil, fmt.Errorf("conversation repo is nil")
	}

	sc, err := scope.Resolve(ctx, cfg.Source, cfg.Identity)
	if err != nil {
		return nil, err
	}

	scoped, err := cfg.Source.Scoped(ctx, sc)
	if err != nil {
		return nil, err
	}

	cms := cfg.ChatModels
	if cms == nil {
		cms, err = nodes.NewChatModels(ctx, nodes.ChatModelConfig{
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			SQLConfig:     &cfg.SQLModel,
			SummaryConfig: &cfg.SummaryModel,
		})
		if err != nil {
			scoped.Close()
			return nil, err
		}
	}

	mm := conversations.NewMessagesManager(cfg.ConversationRepo, cfg.Conversation)

	runner, err := graph.BuildTurnGraph(ctx, &graph.GraphConfig{
		ChatModels:        cms,
		MessagesManager:   mm,
		DataSource:        scoped,
		ScopeContext:      sc.ContextLine(),
		RetryBudget:       cfg.Session.RetryBudget,
		GenerationTimeout: time.Duration(cfg.SQLModel.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		scoped.Close()
		return nil, err
	}

	s := &Session{
		runner:         runner,
		scope:          sc,
		scoped:         scoped,
		conversationID: fmt.Sprintf("session-%d", time.Now().UnixNano()),
	}

	logx.Info().
		Str("conversation_id", s.conversationID).
		Str("scope", sc.ContextLine()).
		Msg("Session ready")

	return s, nil
}

// Ask runs one question through the turn graph and returns the final answer.
// A cancelled context propagates; any other terminal failure degrades to the
// fallback answer so the console loop keeps going.
func (s *Session) Ask(ctx context.Context, question string) (string, error) {
	answer, err := s.runner.Invoke(ctx, model.QueryInput{
		ConversationID: s.conversationID,
		Query:          question,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logx.Error().Err(err).Msg("Turn failed")
		return FallbackAnswer, nil
	}
	if answer == "" {
		return FallbackAnswer, nil
	}
	return answer, nil
}

// Scope reports the access scope this session was resolved to.
func (s *Session) Scope() scope.Scope {
	return s.scope
}

// ConversationID identifies this session's conversation in the repository.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Close releases the scoped dataset.
func (s *Session) Close() error {
	return s.scoped.Close()
}
