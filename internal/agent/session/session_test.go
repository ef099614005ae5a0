package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataquery-core-poc/server/internal/agent/graph/nodes"
	"github.com/dataquery-core-poc/server/internal/agent/model"
	"github.com/dataquery-core-poc/server/internal/agent/repo"
	errx "github.com/dataquery-core-poc/server/internal/core/error"
	"github.com/dataquery-core-poc/server/internal/scope"
	"github.com/dataquery-core-poc/server/internal/store"
)

type fixedModel struct {
	reply string
	err   error
}

func (m *fixedModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *fixedModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	out, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{out}), nil
}

func seedSource(t *testing.T) *store.SQLiteSource {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dataset.db")

	db, err := store.Bootstrap(ctx, path)
	require.NoError(t, err)
	stmts := []string{
		`INSERT INTO stores (store_id, name, active) VALUES ('s1', 'Tikka Shack', 1)`,
		`INSERT INTO orders (order_id, store_id, created_at, total_amount_in_cents)
			VALUES ('o1', 's1', '2025-03-05T12:00:00Z', 7802008)`,
	}
	for _, stmt := range stmts {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	src, err := store.Open(store.Config{Path: path, QueryTimeoutSeconds: 5})
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return src
}

func baseConfig(t *testing.T, identity scope.Identity, sqlModel, summaryModel einomodel.BaseChatModel) Config {
	t.Helper()
	return Config{
		Identity:         identity,
		Session:          model.SessionConfig{RetryBudget: 1},
		SQLModel:         model.SQLModelConfig{Model: "test", TimeoutSeconds: 5},
		SummaryModel:     model.SummaryModelConfig{Model: "test"},
		Conversation:     model.ConversationConfig{TTL: "15m", MaxTurns: 3},
		ConversationRepo: repo.NewInMemoryConversationRepository(),
		Source:           seedSource(t),
		ChatModels: &nodes.ChatModels{
			SQL:              sqlModel,
			Summary:          summaryModel,
			SQLModelName:     "test",
			SummaryModelName: "test",
		},
	}
}

func TestNewRejectsUnknownMerchant(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig(t, scope.Identity{Merchant: "Burger Barn"}, &fixedModel{}, &fixedModel{})

	_, err := New(ctx, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errx.ErrUnknownScope))
}

func TestAskAnswersFromScopedData(t *testing.T) {
	ctx := context.Background()
	sqlModel := &fixedModel{reply: `SELECT ROUND(SUM(total_amount_in_cents) / 100.0, 2) FROM orders`}
	summary := &fixedModel{reply: "Total revenue for Tikka Shack in March 2025 was $78,020.08."}
	cfg := baseConfig(t, scope.Identity{Merchant: "Tikka Shack"}, sqlModel, summary)

	sess, err := New(ctx, cfg)
	require.NoError(t, err)
	defer sess.Close()

	assert.True(t, sess.Scope().IsRestricted())
	assert.Equal(t, "Serving for merchant: Tikka Shack", sess.Scope().ContextLine())

	answer, err := sess.Ask(ctx, "What was my revenue in March 2025?")
	require.NoError(t, err)
	assert.Contains(t, answer, "78,020.08")

	// Completed turn lands in memory under the session conversation
	count, err := cfg.ConversationRepo.GetMessageCount(ctx, sess.ConversationID())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAskFallsBackWhenSummarizerFails(t *testing.T) {
	ctx := context.Background()
	sqlModel := &fixedModel{reply: `SELECT COUNT(*) FROM orders`}
	summary := &fixedModel{err: errors.New("model unavailable")}
	cfg := baseConfig(t, scope.Identity{Internal: true}, sqlModel, summary)

	sess, err := New(ctx, cfg)
	require.NoError(t, err)
	defer sess.Close()

	answer, err := sess.Ask(ctx, "how many orders?")
	require.NoError(t, err)
	assert.Equal(t, FallbackAnswer, answer)

	// A failed turn never reaches memory
	count, err := cfg.ConversationRepo.GetMessageCount(ctx, sess.ConversationID())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAskPropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sqlModel := &fixedModel{reply: `SELECT COUNT(*) FROM orders`}
	cfg := baseConfig(t, scope.Identity{Internal: true}, sqlModel, &fixedModel{reply: "ok"})

	sess, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer sess.Close()

	cancel()
	_, err = sess.Ask(ctx, "how many orders?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
