package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/dataquery-core-poc/server/internal/agent/graph/conversations"
	"github.com/dataquery-core-poc/server/internal/agent/graph/nodes"
	"github.com/dataquery-core-poc/server/internal/agent/graph/observers"
	"github.com/dataquery-core-poc/server/internal/agent/model"
	logx "github.com/dataquery-core-poc/server/pkg/logger"
)

// Runner is a thin wrapper to execute the compiled graph with the public QueryInput.
type Runner interface {
	Invoke(ctx context.Context, in model.QueryInput) (string, error)
}

// GraphConfig holds all configuration needed to build the turn graph.
type GraphConfig struct {
	ChatModels      *nodes.ChatModels
	MessagesManager *conversations.MessagesManager
	DataSource      nodes.DataSource

	// ScopeContext is the access line rendered into every system prompt.
	ScopeContext string
	RetryBudget  int

	// GenerationTimeout bounds each statement-generation model call.
	GenerationTimeout time.Duration
}

// GraphBuilder handles the construction of the query turn graph
type GraphBuilder struct {
	config *GraphConfig
	graph  *compose.Graph[model.QueryInput, *schema.Message]
}

type graphRunner struct {
	runnable compose.Runnable[model.QueryInput, *schema.Message]
}

func (r *graphRunner) Invoke(ctx context.Context, in model.QueryInput) (string, error) {
	out, err := r.runnable.Invoke(ctx, model.QueryInput{
		ConversationID: in.ConversationID,
		Query:          in.Query,
	}, compose.WithCallbacks(observers.NewAllCallbacks()))
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	// Best-effort log Extra (e.g., usage_cost) if present
	if len(out.Extra) > 0 {
		if b, err := json.Marshal(out.Extra); err == nil {
			logx.Debug().RawJSON("extra", b).Msg("Turn finished")
		}
	}
	return out.Content, nil
}

// BuildTurnGraph constructs the compiled turn graph and returns a Runner.
//
// The graph runs one question through generation, validation and execution,
// looping failed attempts back through the repair assembler until the retry
// budget is spent, then summarizes whatever the turn produced:
//
//	START -> InputConverter -> SQLGenerator -> StatementParser -> QueryExecutor
//	           ^                                                       |
//	           |                    (failed, budget left)              v
//	           +--------------- RepairAssembler <----------------- branch
//	                                                                   |
//	                                  (success or budget spent)        v
//	                                             SummaryAssembler -> Summarizer -> END
func BuildTurnGraph(ctx context.Context, config *GraphConfig) (Runner, error) {
	if config == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	if config.ChatModels == nil || config.ChatModels.SQL == nil || config.ChatModels.Summary == nil {
		return nil, fmt.Errorf("chat models are not properly initialized")
	}
	if config.MessagesManager == nil {
		return nil, fmt.Errorf("messages manager is nil")
	}
	if config.DataSource == nil {
		return nil, fmt.Errorf("data source is nil")
	}

	builder := &GraphBuilder{
		config: config,
		graph: compose.NewGraph[model.QueryInput, *schema.Message](
			compose.WithGenLocalState(func(ctx context.Context) *model.TurnState {
				return &model.TurnState{}
			}),
		),
	}

	builder.addNodes()
	builder.addEdges()

	if err := builder.addBranches(); err != nil {
		return nil, err
	}

	runnable, err := builder.compile(ctx)
	if err != nil {
		return nil, err
	}

	logx.Debug().Msg("Turn graph built successfully")
	return &graphRunner{runnable: runnable}, nil
}

// addNodes adds all processing nodes to the graph
func (b *GraphBuilder) addNodes() {
	b.graph.AddLambdaNode(nodes.NodeInputConverter,
		nodes.NewInputConverterNode(b.config.MessagesManager, b.config.ScopeContext),
		compose.WithStatePreHandler(nodes.NewInputConverterPreHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeSQLGenerator,
		nodes.NewSQLGeneratorNode(b.config.ChatModels.SQL, b.config.GenerationTimeout),
		compose.WithStatePreHandler(nodes.NewSQLGeneratorPreHandler()),
		compose.WithStatePostHandler(nodes.NewSQLGeneratorPostHandler(b.config.ChatModels.SQLModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeStatementParser,
		nodes.NewStatementParserNode(),
		compose.WithStatePostHandler(nodes.NewStatementParserPostHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeQueryExecutor,
		nodes.NewQueryExecutorNode(b.config.DataSource),
		compose.WithStatePostHandler(nodes.NewQueryExecutorPostHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeRepairAssembler,
		nodes.NewRepairAssemblerNode(b.config.MessagesManager, b.config.ScopeContext),
	)

	b.graph.AddLambdaNode(nodes.NodeSummaryAssembler,
		nodes.NewSummaryAssemblerNode(b.config.MessagesManager, b.config.ScopeContext),
	)

	b.graph.AddChatModelNode(nodes.NodeSummarizer,
		b.config.ChatModels.Summary,
		compose.WithStatePostHandler(nodes.NewSummarizerPostHandler(b.config.MessagesManager, b.config.ChatModels.SummaryModelName)),
	)
}

// addEdges creates the main flow connections between nodes
func (b *GraphBuilder) addEdges() {
	edges := [][2]string{
		{compose.START, nodes.NodeInputConverter},
		{nodes.NodeInputConverter, nodes.NodeSQLGenerator},
		{nodes.NodeSQLGenerator, nodes.NodeStatementParser},
		{nodes.NodeStatementParser, nodes.NodeQueryExecutor},
		{nodes.NodeRepairAssembler, nodes.NodeSQLGenerator},
		{nodes.NodeSummaryAssembler, nodes.NodeSummarizer},
		{nodes.NodeSummarizer, compose.END},
	}

	for _, edge := range edges {
		b.graph.AddEdge(edge[0], edge[1])
	}
}

// addBranches creates the repair-or-summarize routing after execution
func (b *GraphBuilder) addBranches() error {
	repairBranch := compose.NewGraphBranch(
		nodes.NewRepairCondition(b.config.RetryBudget),
		map[string]bool{
			nodes.NodeRepairAssembler:  true,
			nodes.NodeSummaryAssembler: true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeQueryExecutor, repairBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding repair branch")
		return fmt.Errorf("error adding repair branch: %w", err)
	}

	return nil
}

// compile finalizes and compiles the graph
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[model.QueryInput, *schema.Message], error) {
	// Limit total run steps so a miswired loop can never spin forever.
	// Each repair pass visits four nodes, plus the fixed head and tail.
	maxSteps := 10 + b.config.RetryBudget*4
	if maxSteps < 20 {
		maxSteps = 20
	}

	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(maxSteps))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}

	logx.Debug().Msg("Graph compiled successfully")
	return runnable, nil
}
