package nodes

// Node names used for graph wiring and branch targets.
const (
	NodeInputConverter   = "InputConverter"
	NodeSQLGenerator     = "SQLGenerator"
	NodeStatementParser  = "StatementParser"
	NodeQueryExecutor    = "QueryExecutor"
	NodeRepairAssembler  = "RepairAssembler"
	NodeSummaryAssembler = "SummaryAssembler"
	NodeSummarizer       = "Summarizer"
)

// DefaultRetryBudget is the number of repair attempts after the initial
// generation, so a turn runs at most DefaultRetryBudget+1 generations.
const DefaultRetryBudget = 3

// ExtraGenerationError marks a synthetic assistant message produced when the
// generation model itself failed (service error or timeout). The parser turns
// it into a failed candidate so the repair path handles it like any other
// bad attempt.
const ExtraGenerationError = "generation_error"

// normalizeRetryBudget returns a sane default when the provided value is invalid.
func normalizeRetryBudget(n int) int {
	if n < 0 {
		return DefaultRetryBudget
	}
	return n
}
