package repo

import (
	"context"
	"sync"

	"github.com/dataquery-core-poc/server/internal/agent/model"
	"github.com/cloudwego/eino/schema"
)

// InMemoryConversationRepository keeps conversation history in process memory.
// Used for tests and for console runs without a Redis instance; sessions are
// not persisted across restarts, which matches their lifetime anyway.
type InMemoryConversationRepository struct {
	mu       sync.Mutex
	messages map[string][]*schema.Message
}

func NewInMemoryConversationRepository() *InMemoryConversationRepository {
	return &InMemoryConversationRepository{messages: make(map[string][]*schema.Message)}
}

func (r *InMemoryConversationRepository) AddMessage(ctx context.Context, conversationID string, message *schema.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[conversationID] = append(r.messages[conversationID], message)
	return nil
}

func (r *InMemoryConversationRepository) LoadHistory(ctx context.Context, conversationID string) (*model.ConversationHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.messages[conversationID]
	msgs := make([]*schema.Message, len(src))
	copy(msgs, src)
	return &model.ConversationHistory{ConversationID: conversationID, Messages: msgs}, nil
}

func (r *InMemoryConversationRepository) ClearHistory(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, conversationID)
	return nil
}

func (r *InMemoryConversationRepository) GetMessageCount(ctx context.Context, conversationID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages[conversationID]), nil
}

var _ model.ConversationRepository = (*InMemoryConversationRepository)(nil)
