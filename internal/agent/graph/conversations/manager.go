package conversations

import (
	"context"
	"strings"

	"github.com/dataquery-core-poc/server/internal/agent/model"

	"github.com/cloudwego/eino/schema"
)

type MessagesManager struct {
	conversationRepo model.ConversationRepository
	maxTurns         int
}

func NewMessagesManager(conversationRepo model.ConversationRepository, config model.ConversationConfig) *MessagesManager {
	maxTurns := config.MaxTurns
	if maxTurns < 0 {
		maxTurns = 0
	}
	return &MessagesManager{
		conversationRepo: conversationRepo,
		maxTurns:         maxTurns,
	}
}

// BuildTranscript loads the recent window of the conversation and renders it
// as context lines for the generation prompt. Only the last maxTurns
// question/answer pairs are kept; older turns fall out of the window.
func (cm *MessagesManager) BuildTranscript(ctx context.Context, conversationID string) (string, error) {
	history, err := cm.conversationRepo.LoadHistory(ctx, conversationID)
	if err != nil {
		return "", err
	}

	recentMessages := trimTail(history.Messages, cm.maxTurns*2)
	if len(recentMessages) == 0 {
		return "", nil
	}

	var contextBuilder strings.Builder
	contextBuilder.WriteString("<conversation_context>\n")
	for _, msg := range recentMessages {
		if msg == nil || msg.Content == "" {
			continue
		}
		switch msg.Role {
		case schema.User:
			contextBuilder.WriteString("UserMessage(" + msg.Content + ")\n")
		case schema.Assistant:
			contextBuilder.WriteString("AssistantMessage(" + msg.Content + ")\n")
		}
	}
	contextBuilder.WriteString("</conversation_context>")
	return contextBuilder.String(), nil
}

// SaveTurn appends a completed question/answer pair. Turns are saved only
// after the summarizer produced a final answer, so an aborted turn leaves
// the conversation untouched.
func (cm *MessagesManager) SaveTurn(ctx context.Context, conversationID string, question string, answer string) error {
	if err := cm.conversationRepo.AddMessage(ctx, conversationID, schema.UserMessage(question)); err != nil {
		return err
	}
	return cm.conversationRepo.AddMessage(ctx, conversationID, schema.AssistantMessage(answer, nil))
}

// ====================== Helper function ======================
func trimTail(messages []*schema.Message, max int) []*schema.Message {
	if max <= 0 {
		return nil
	}
	if len(messages) <= max {
		result := make([]*schema.Message, len(messages))
		copy(result, messages)
		return result
	}
	source := messages[len(messages)-max:]
	result := make([]*schema.Message, len(source))
	copy(result, source)
	return result
}
