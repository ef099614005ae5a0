package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	errx "github.com/dataquery-core-poc/server/internal/core/error"

	einomodel "github.com/cloudwego/eino/components/model"

	"github.com/dataquery-core-poc/server/internal/agent/graph/conversations"
	"github.com/dataquery-core-poc/server/internal/agent/graph/parsers"
	"github.com/dataquery-core-poc/server/internal/agent/graph/prompts"
	"github.com/dataquery-core-poc/server/internal/agent/model"
	"github.com/dataquery-core-poc/server/internal/store"
	logx "github.com/dataquery-core-poc/server/pkg/logger"
)

// DataSource executes one read-only statement against the scoped dataset.
type DataSource interface {
	Query(ctx context.Context, statement string) (*store.RowSet, error)
}

// NewInputConverterPreHandler creates the pre-handler for InputConverter node
func NewInputConverterPreHandler() func(context.Context, model.QueryInput, *model.TurnState) (model.QueryInput, error) {
	return func(ctx context.Context, in model.QueryInput, s *model.TurnState) (model.QueryInput, error) {
		if s.ConversationID == "" {
			s.ConversationID = in.ConversationID
		}
		s.Question = in.Query
		// Reset repair bookkeeping and accumulated cost for each new question
		s.Attempts = 0
		s.CandidateSQL = ""
		s.LastFailure = nil
		s.GaveUp = false
		s.TotalCostUSD = 0
		return in, nil
	}
}

// NewInputConverterNode creates the InputConverter node. It renders the
// generation system prompt and packs the recent conversation window plus the
// current question into the model input.
func NewInputConverterNode(
	mm *conversations.MessagesManager,
	scopeContext string,
) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, input model.QueryInput) ([]*schema.Message, error) {
		systemPrompt, err := prompts.RenderSQLSystem(ctx, scopeContext)
		if err != nil {
			return nil, fmt.Errorf("render sql system prompt: %w", err)
		}

		transcript, err := mm.BuildTranscript(ctx, input.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("error getting conversation context: %w", err)
		}

		var userContent strings.Builder
		if transcript != "" {
			userContent.WriteString(transcript)
			userContent.WriteString("\n")
		}
		userContent.WriteString("Question: ")
		userContent.WriteString(input.Query)

		messages := []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(userContent.String()),
		}

		return messages, nil
	})
}

// NewSQLGeneratorPreHandler counts generation attempts for the repair loop.
func NewSQLGeneratorPreHandler() func(context.Context, []*schema.Message, *model.TurnState) ([]*schema.Message, error) {
	return func(ctx context.Context, in []*schema.Message, state *model.TurnState) ([]*schema.Message, error) {
		state.Attempts++
		logx.Debug().
			Str("conversation_id", state.ConversationID).
			Int("attempt", state.Attempts).
			Msg("Generating SQL statement")
		return in, nil
	}
}

// NewSQLGeneratorNode wraps the generation model with a per-call timeout.
// A model service failure is folded into the turn as a failed candidate
// rather than aborting the graph, so the repair loop can retry it. Only
// cancellation of the turn context aborts.
func NewSQLGeneratorNode(cm einomodel.BaseChatModel, timeout time.Duration) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in []*schema.Message) (*schema.Message, error) {
		callCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		out, err := cm.Generate(callCtx, in)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logx.Warn().Err(err).Msg("SQL generation model call failed")
			synthetic := schema.AssistantMessage("", nil)
			synthetic.Extra = map[string]any{ExtraGenerationError: err.Error()}
			return synthetic, nil
		}
		return out, nil
	})
}

// NewSQLGeneratorPostHandler computes and logs usage cost for the generation model.
func NewSQLGeneratorPostHandler(modelName string) func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.TurnState) (*schema.Message, error) {
		recordUsageCost(out, state, modelName, NodeSQLGenerator)
		return out, nil
	}
}

// NewStatementParserNode creates the StatementParser node. It validates the
// completion shape and rejects anything that is not a single read-only
// statement. A rejected candidate carries the reason and skips execution.
func NewStatementParserNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, resp *schema.Message) (model.CandidateStatement, error) {
		if resp == nil {
			return model.CandidateStatement{}, fmt.Errorf("parser received nil message")
		}
		if reason, ok := resp.Extra[ExtraGenerationError]; ok {
			return model.CandidateStatement{
				Err: fmt.Errorf("%w: model service failure: %v", errx.ErrGeneration, reason),
			}, nil
		}

		statement, err := parsers.ExtractStatement(resp.Content)
		if err != nil {
			logx.Debug().Err(err).Msg("Rejected generated statement")
			return model.CandidateStatement{Err: err}, nil
		}
		return model.CandidateStatement{SQL: statement}, nil
	})
}

// NewStatementParserPostHandler records the accepted candidate in state.
func NewStatementParserPostHandler() func(context.Context, model.CandidateStatement, *model.TurnState) (model.CandidateStatement, error) {
	return func(ctx context.Context, out model.CandidateStatement, state *model.TurnState) (model.CandidateStatement, error) {
		if out.Err == nil {
			state.CandidateSQL = out.SQL
			logx.Debug().
				Str("conversation_id", state.ConversationID).
				Str("sql", out.SQL).
				Msg("Candidate statement accepted")
		}
		return out, nil
	}
}

// NewQueryExecutorNode creates the QueryExecutor node. Engine errors become
// execution failures that feed the repair path. Context cancellation is the
// only error that aborts the turn.
func NewQueryExecutorNode(ds DataSource) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, candidate model.CandidateStatement) (model.Outcome, error) {
		if candidate.Err != nil {
			return model.Outcome{
				Failure: &model.ExecutionFailure{Message: candidate.Err.Error()},
			}, nil
		}

		rows, err := ds.Query(ctx, candidate.SQL)
		if err != nil {
			if ctx.Err() != nil {
				return model.Outcome{}, ctx.Err()
			}
			return model.Outcome{
				Statement: candidate.SQL,
				Failure: &model.ExecutionFailure{
					Message:   err.Error(),
					Statement: candidate.SQL,
				},
			}, nil
		}

		return model.Outcome{Statement: candidate.SQL, Rows: rows}, nil
	})
}

// NewQueryExecutorPostHandler records the attempt result in state.
func NewQueryExecutorPostHandler() func(context.Context, model.Outcome, *model.TurnState) (model.Outcome, error) {
	return func(ctx context.Context, out model.Outcome, state *model.TurnState) (model.Outcome, error) {
		state.LastFailure = out.Failure
		if out.Failed() {
			logx.Debug().
				Str("conversation_id", state.ConversationID).
				Int("attempt", state.Attempts).
				Str("error", out.Failure.Message).
				Msg("Attempt failed")
		} else {
			logx.Debug().
				Str("conversation_id", state.ConversationID).
				Int("attempt", state.Attempts).
				Int("rows", len(out.Rows.Rows)).
				Msg("Query executed")
		}
		return out, nil
	}
}

// NewRepairCondition creates the condition function routing a failed attempt
// back through the repair loop while budget remains. Exhausting the budget
// marks the turn as given up and routes to the summary path.
func NewRepairCondition(retryBudget int) func(context.Context, model.Outcome) (string, error) {
	retryBudget = normalizeRetryBudget(retryBudget)
	return func(ctx context.Context, input model.Outcome) (string, error) {
		if !input.Failed() {
			return NodeSummaryAssembler, nil
		}

		var route string
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			if state.Attempts <= retryBudget {
				route = NodeRepairAssembler
				return nil
			}
			state.GaveUp = true
			route = NodeSummaryAssembler
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to access state: %w", err)
		}

		if route == NodeRepairAssembler {
			logx.Debug().Msg("Routing to repair")
		} else {
			logx.Debug().Int("retry_budget", retryBudget).Msg("Retry budget exhausted - giving up")
		}
		return route, nil
	}
}

// NewRepairAssemblerNode creates the RepairAssembler node. It builds the
// correction prompt from the conversation window, the failed statement and
// the engine error, feeding the generator for another attempt. The window
// matters here: a failing question may only make sense through prior turns.
func NewRepairAssemblerNode(mm *conversations.MessagesManager, scopeContext string) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, outcome model.Outcome) ([]*schema.Message, error) {
		var question, conversationID string
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			question = state.Question
			conversationID = state.ConversationID
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		systemPrompt, err := prompts.RenderRepairSystem(ctx, scopeContext)
		if err != nil {
			return nil, fmt.Errorf("render repair system prompt: %w", err)
		}

		transcript, err := mm.BuildTranscript(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("error getting conversation context: %w", err)
		}

		var userContent strings.Builder
		if transcript != "" {
			userContent.WriteString(transcript)
			userContent.WriteString("\n")
		}
		userContent.WriteString("Question: ")
		userContent.WriteString(question)
		userContent.WriteString("\n\nFailed SQL:\n")
		if outcome.Failure.Statement != "" {
			userContent.WriteString(outcome.Failure.Statement)
		} else {
			userContent.WriteString("(no statement was produced)")
		}
		userContent.WriteString("\n\nError:\n")
		userContent.WriteString(outcome.Failure.Message)

		messages := []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(userContent.String()),
		}

		return messages, nil
	})
}

// NewSummaryAssemblerNode creates the SummaryAssembler node. It renders the
// summarization prompt and folds the query result (or the terminal failure)
// plus the conversation window into the user message the summarizer answers from.
func NewSummaryAssemblerNode(mm *conversations.MessagesManager, scopeContext string) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, outcome model.Outcome) ([]*schema.Message, error) {
		var question, conversationID string
		var gaveUp bool
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			question = state.Question
			conversationID = state.ConversationID
			gaveUp = state.GaveUp
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		systemPrompt, err := prompts.RenderSummarySystem(ctx, scopeContext)
		if err != nil {
			return nil, fmt.Errorf("render summary system prompt: %w", err)
		}

		transcript, err := mm.BuildTranscript(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("error getting conversation context: %w", err)
		}

		var userContent strings.Builder
		if transcript != "" {
			userContent.WriteString(transcript)
			userContent.WriteString("\n")
		}
		userContent.WriteString("Question: ")
		userContent.WriteString(question)
		userContent.WriteString("\n\n")
		userContent.WriteString(describeOutcome(outcome, gaveUp))

		messages := []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(userContent.String()),
		}

		return messages, nil
	})
}

// describeOutcome renders the attempt result as model context. A single-cell
// zero gets its own note so the summarizer can apply its zero-records reply.
func describeOutcome(outcome model.Outcome, gaveUp bool) string {
	if outcome.Failed() {
		note := "Error executing SQL: " + outcome.Failure.Message
		if gaveUp {
			note += "\nAll retry attempts were exhausted."
		}
		return note
	}
	if outcome.Rows == nil || outcome.Rows.Empty() {
		return "Result: no rows returned."
	}
	if v, ok := outcome.Rows.SingleValue(); ok && (v == "0" || v == "0.0") {
		return "Result: single value 0"
	}
	return "Result Table:\n" + outcome.Rows.CSV()
}

// NewSummarizerPostHandler computes usage cost for the summary model and
// persists the completed turn. This is the only place a turn is saved, so an
// aborted turn never reaches memory.
func NewSummarizerPostHandler(
	mm *conversations.MessagesManager,
	modelName string,
) func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.TurnState) (*schema.Message, error) {
		recordUsageCost(out, state, modelName, NodeSummarizer)

		if out != nil && strings.TrimSpace(out.Content) != "" {
			if err := mm.SaveTurn(ctx, state.ConversationID, state.Question, out.Content); err != nil {
				logx.Error().
					Str("conversation_id", state.ConversationID).
					Err(err).
					Msg("Error saving completed turn")
			} else {
				logx.Debug().
					Str("conversation_id", state.ConversationID).
					Msg("Saved completed turn")
			}
		}

		return out, nil
	}
}

// recordUsageCost attaches per-call usage cost to the message Extra and
// accumulates the running total in state.
func recordUsageCost(out *schema.Message, state *model.TurnState, modelName, node string) {
	if !model.CostEnabled() || out == nil || out.ResponseMeta == nil || out.ResponseMeta.Usage == nil {
		return
	}
	pricing := model.ResolvePricing(modelName)
	inC, outC, totalC := model.ComputeCost(out.ResponseMeta.Usage, pricing)
	if out.Extra == nil {
		out.Extra = map[string]any{}
	}
	out.Extra["usage_cost"] = map[string]any{
		"currency":          "USD",
		"model":             modelName,
		"prompt_tokens":     out.ResponseMeta.Usage.PromptTokens,
		"completion_tokens": out.ResponseMeta.Usage.CompletionTokens,
		"total_tokens":      out.ResponseMeta.Usage.TotalTokens,
		"input_cost":        inC,
		"output_cost":       outC,
		"total_cost":        totalC,
	}
	logx.Debug().
		Str("conversation_id", state.ConversationID).
		Str("node", node).
		Str("model", modelName).
		Int("prompt_tokens", out.ResponseMeta.Usage.PromptTokens).
		Int("completion_tokens", out.ResponseMeta.Usage.CompletionTokens).
		Int("total_tokens", out.ResponseMeta.Usage.TotalTokens).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")

	state.TotalCostUSD += totalC
	out.Extra["usage_cost_total_usd"] = state.TotalCostUSD
}
