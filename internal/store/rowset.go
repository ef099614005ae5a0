package store

import (
	"encoding/csv"
	"strings"
)

// RowSet is the result of one read-only statement: ordered column names and
// row values already rendered as strings.
type RowSet struct {
	Columns []string
	Rows    [][]string
}

// Empty reports whether the result carries no rows.
func (rs *RowSet) Empty() bool {
	return rs == nil || len(rs.Rows) == 0
}

// SingleValue returns the sole cell when the result is exactly one row with
// one column, which is the common shape for aggregate answers.
func (rs *RowSet) SingleValue() (string, bool) {
	if rs == nil || len(rs.Rows) != 1 || len(rs.Columns) != 1 || len(rs.Rows[0]) != 1 {
		return "", false
	}
	return rs.Rows[0][0], true
}

// CSV renders the result as header + rows, the form handed to the summary
// model as context.
func (rs *RowSet) CSV() string {
	if rs == nil {
		return ""
	}
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	_ = w.Write(rs.Columns)
	for _, row := range rs.Rows {
		_ = w.Write(row)
	}
	w.Flush()
	return sb.String()
}
