package graph

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataquery-core-poc/server/internal/agent/graph/conversations"
	"github.com/dataquery-core-poc/server/internal/agent/graph/nodes"
	"github.com/dataquery-core-poc/server/internal/agent/model"
	"github.com/dataquery-core-poc/server/internal/agent/repo"
	"github.com/dataquery-core-poc/server/internal/scope"
	"github.com/dataquery-core-poc/server/internal/store"
)

// step is one scripted model response: either a completion or a service error.
type step struct {
	reply string
	err   error
}

// scriptedModel replays a fixed sequence of completions, repeating the last
// one when the script runs out. It records every input for assertions.
type scriptedModel struct {
	mu     sync.Mutex
	steps  []step
	calls  int
	inputs [][]*schema.Message
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.calls
	if idx >= len(m.steps) {
		idx = len(m.steps) - 1
	}
	m.calls++
	m.inputs = append(m.inputs, input)
	s := m.steps[idx]
	if s.err != nil {
		return nil, s.err
	}
	return schema.AssistantMessage(s.reply, nil), nil
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	out, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{out}), nil
}

// echoModel answers with the last user message verbatim, so tests can assert
// on the exact context the summarizer received.
type echoModel struct{}

func (m *echoModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	for i := len(input) - 1; i >= 0; i-- {
		if input[i] != nil && input[i].Role == schema.User {
			return schema.AssistantMessage(input[i].Content, nil), nil
		}
	}
	return schema.AssistantMessage("", nil), nil
}

func (m *echoModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
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
		`INSERT INTO stores (store_id, name, active) VALUES ('s2', 'Coffee Drip', 1)`,
		`INSERT INTO orders (order_id, store_id, created_at, total_amount_in_cents)
			VALUES ('o1', 's1', '2025-03-05T12:00:00Z', 7800000)`,
		`INSERT INTO orders (order_id, store_id, created_at, total_amount_in_cents)
			VALUES ('o2', 's1', '2025-03-20T18:30:00Z', 2008)`,
		`INSERT INTO orders (order_id, store_id, created_at, total_amount_in_cents)
			VALUES ('o3', 's2', '2025-03-11T09:15:00Z', 124875001)`,
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

type turnFixture struct {
	runner Runner
	sqlm   *scriptedModel
	repo   model.ConversationRepository
}

func newTurnFixture(t *testing.T, sc scope.Scope, steps []step) *turnFixture {
	t.Helper()
	ctx := context.Background()

	src := seedSource(t)
	scoped, err := src.Scoped(ctx, sc)
	require.NoError(t, err)
	t.Cleanup(func() { scoped.Close() })

	r := repo.NewInMemoryConversationRepository()
	mm := conversations.NewMessagesManager(r, model.ConversationConfig{TTL: "15m", MaxTurns: 3})

	sqlm := &scriptedModel{steps: steps}
	runner, err := BuildTurnGraph(ctx, &GraphConfig{
		ChatModels: &nodes.ChatModels{
			SQL:              sqlm,
			Summary:          &echoModel{},
			SQLModelName:     "scripted-sql",
			SummaryModelName: "echo-summary",
		},
		MessagesManager:   mm,
		DataSource:        scoped,
		ScopeContext:      sc.ContextLine(),
		RetryBudget:       3,
		GenerationTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	return &turnFixture{runner: runner, sqlm: sqlm, repo: r}
}

const marchRevenue = `SELECT ROUND(SUM(total_amount_in_cents) / 100.0, 2) FROM orders
	WHERE created_at >= '2025-03-01' AND created_at < '2025-04-01'`

func TestTurnSucceedsOnFirstAttempt(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, scope.Unrestricted(), []step{{reply: marchRevenue}})

	answer, err := f.runner.Invoke(ctx, model.QueryInput{
		ConversationID: "conv-1",
		Query:          "What was total revenue in March 2025?",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.sqlm.calls)
	assert.Contains(t, answer, "1326770.09")
	assert.Contains(t, answer, "What was total revenue in March 2025?")

	// A clean first attempt never sees correction context
	firstInput := f.sqlm.inputs[0]
	for _, msg := range firstInput {
		assert.NotContains(t, msg.Content, "Failed SQL:")
	}

	count, err := f.repo.GetMessageCount(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestTurnRepairsRejectedStatement(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, scope.Unrestricted(), []step{
		{reply: "DELETE FROM orders"},
		{reply: marchRevenue},
	})

	answer, err := f.runner.Invoke(ctx, model.QueryInput{
		ConversationID: "conv-1",
		Query:          "total revenue in March 2025?",
	})
	require.NoError(t, err)

	require.Equal(t, 2, f.sqlm.calls)
	assert.Contains(t, answer, "1326770.09")

	// The second generation saw the failure context
	repairInput := f.sqlm.inputs[1]
	last := repairInput[len(repairInput)-1]
	assert.Contains(t, last.Content, "Error:")
	assert.Contains(t, last.Content, "not a read-only query")
}

func TestTurnRepairsEngineError(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, scope.Unrestricted(), []step{
		{reply: "SELECT no_such_column FROM orders"},
		{reply: marchRevenue},
	})

	answer, err := f.runner.Invoke(ctx, model.QueryInput{
		ConversationID: "conv-1",
		Query:          "total revenue?",
	})
	require.NoError(t, err)

	require.Equal(t, 2, f.sqlm.calls)
	assert.Contains(t, answer, "1326770.09")

	repairInput := f.sqlm.inputs[1]
	last := repairInput[len(repairInput)-1]
	assert.Contains(t, last.Content, "Failed SQL:")
	assert.Contains(t, last.Content, "no_such_column")
}

func TestTurnRepairsModelServiceError(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, scope.Unrestricted(), []step{
		{err: errors.New("503 model overloaded")},
		{reply: marchRevenue},
	})

	answer, err := f.runner.Invoke(ctx, model.QueryInput{
		ConversationID: "conv-1",
		Query:          "total revenue?",
	})
	require.NoError(t, err)

	require.Equal(t, 2, f.sqlm.calls)
	assert.Contains(t, answer, "1326770.09")
}

func TestRepairPromptCarriesConversationWindow(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, scope.Unrestricted(), []step{
		{reply: marchRevenue},
		{reply: "SELECT no_such_column FROM orders"},
		{reply: `SELECT COUNT(*) FROM orders`},
	})

	_, err := f.runner.Invoke(ctx, model.QueryInput{
		ConversationID: "conv-1",
		Query:          "total revenue in March 2025?",
	})
	require.NoError(t, err)

	_, err = f.runner.Invoke(ctx, model.QueryInput{
		ConversationID: "conv-1",
		Query:          "and how many orders was that?",
	})
	require.NoError(t, err)
	require.Equal(t, 3, f.sqlm.calls)

	// The second turn's correction prompt still sees the prior turn
	repairInput := f.sqlm.inputs[2]
	last := repairInput[len(repairInput)-1]
	assert.Contains(t, last.Content, "<conversation_context>")
	assert.Contains(t, last.Content, "UserMessage(total revenue in March 2025?)")
	assert.Contains(t, last.Content, "Failed SQL:")
	assert.Contains(t, last.Content, "no_such_column")
}

func TestTurnGivesUpAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, scope.Unrestricted(), []step{
		{reply: "this is not sql"},
	})

	answer, err := f.runner.Invoke(ctx, model.QueryInput{
		ConversationID: "conv-1",
		Query:          "total revenue?",
	})
	require.NoError(t, err)

	// Retry budget of 3 means exactly four generations
	assert.Equal(t, 4, f.sqlm.calls)
	assert.Contains(t, answer, "Error executing SQL")
	assert.Contains(t, answer, "All retry attempts were exhausted.")

	// The failed turn is still summarized and recorded
	count, err := f.repo.GetMessageCount(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRestrictedTurnAnswersFromScopedRows(t *testing.T) {
	ctx := context.Background()
	sc := scope.RestrictedTo("s1", "Tikka Shack")
	f := newTurnFixture(t, sc, []step{{reply: marchRevenue}})

	answer, err := f.runner.Invoke(ctx, model.QueryInput{
		ConversationID: "conv-1",
		Query:          "my total revenue in March 2025?",
	})
	require.NoError(t, err)

	assert.Contains(t, answer, "78020.08")
	assert.NotContains(t, answer, "1326770.09")
}

func TestTurnWithEmptyResult(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, scope.Unrestricted(), []step{
		{reply: `SELECT order_id FROM orders WHERE store_id = 'no-such-store'`},
	})

	answer, err := f.runner.Invoke(ctx, model.QueryInput{
		ConversationID: "conv-1",
		Query:          "orders for a missing store?",
	})
	require.NoError(t, err)
	assert.Contains(t, answer, "no rows returned")
}

func TestTurnWithZeroSingleValue(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, scope.Unrestricted(), []step{
		{reply: `SELECT COUNT(*) FROM orders WHERE store_id = 'no-such-store'`},
	})

	answer, err := f.runner.Invoke(ctx, model.QueryInput{
		ConversationID: "conv-1",
		Query:          "how many orders for a missing store?",
	})
	require.NoError(t, err)
	assert.Contains(t, answer, "Result: single value 0")
}

func TestTurnWithTableResult(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, scope.Unrestricted(), []step{
		{reply: `SELECT s.name, COUNT(o.order_id) AS order_count
			FROM stores s JOIN orders o ON o.store_id = s.store_id
			GROUP BY s.name ORDER BY s.name`},
	})

	answer, err := f.runner.Invoke(ctx, model.QueryInput{
		ConversationID: "conv-1",
		Query:          "orders per store?",
	})
	require.NoError(t, err)
	assert.Contains(t, answer, "Result Table:")
	assert.Contains(t, answer, "Tikka Shack,2")
	assert.Contains(t, answer, "Coffee Drip,1")
}

func TestFollowUpSeesPreviousTurn(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, scope.Unrestricted(), []step{
		{reply: marchRevenue},
		{reply: `SELECT COUNT(*) FROM orders`},
	})

	_, err := f.runner.Invoke(ctx, model.QueryInput{
		ConversationID: "conv-1",
		Query:          "total revenue in March 2025?",
	})
	require.NoError(t, err)

	_, err = f.runner.Invoke(ctx, model.QueryInput{
		ConversationID: "conv-1",
		Query:          "and how many orders was that?",
	})
	require.NoError(t, err)

	require.Equal(t, 2, f.sqlm.calls)
	secondInput := f.sqlm.inputs[1]
	last := secondInput[len(secondInput)-1]
	assert.Contains(t, last.Content, "<conversation_context>")
	assert.Contains(t, last.Content, "UserMessage(total revenue in March 2025?)")
}

func TestBuildTurnGraphValidatesConfig(t *testing.T) {
	ctx := context.Background()

	_, err := BuildTurnGraph(ctx, nil)
	require.Error(t, err)

	_, err = BuildTurnGraph(ctx, &GraphConfig{})
	require.Error(t, err)
}
