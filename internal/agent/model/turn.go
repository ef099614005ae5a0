package model

import (
	"github.com/dataquery-core-poc/server/internal/store"
)

// QueryInput represents one user question entering the turn graph.
type QueryInput struct {
	ConversationID string `json:"conversation_id"`
	Query          string `json:"query"`
}

// CandidateStatement is one statement produced by the generation model for a
// single attempt. Err is set when the completion was unusable (service error,
// empty text, rejected statement shape); such candidates are never executed
// and feed the repair path directly.
type CandidateStatement struct {
	SQL string
	Err error
}

// ExecutionFailure captures a failed attempt: the engine (or guard) message
// and the statement that caused it. It is model context for the repair and
// summary prompts, never user-visible text.
type ExecutionFailure struct {
	Message   string
	Statement string
}

// Outcome is the result of one executed (or rejected) attempt. Exactly one of
// Rows / Failure is set.
type Outcome struct {
	Statement string
	Rows      *store.RowSet
	Failure   *ExecutionFailure
}

// Failed reports whether the attempt must go through the repair path.
func (o Outcome) Failed() bool {
	return o.Failure != nil
}

// TurnState stores per-invocation state for the turn graph.
// Concurrency model:
//   - This struct is registered as Graph Local State via compose.WithGenLocalState.
//   - All reads/writes happen only inside Eino state handlers:
//     WithStatePreHandler, WithStatePostHandler, or compose.ProcessState.
//   - Eino serializes access to state within these handlers, so no additional
//     mutex/atomic is required as long as you never touch it outside handlers.
type TurnState struct {
	ConversationID string
	Question       string

	// Repair loop bookkeeping. Attempts counts generation attempts; the loop
	// gives up once a failure lands with Attempts > retry budget, so a turn
	// never exceeds budget+1 generations.
	Attempts     int
	CandidateSQL string
	LastFailure  *ExecutionFailure
	GaveUp       bool

	// Accumulated total LLM cost (USD) across model invocations for this turn
	TotalCostUSD float64
}
