package errx

import "net/http"

// WrapSQLite maps data source errors to the unified AppError type. Statement
// execution errors are not wrapped here; those become ExecutionFailure values
// and feed the repair loop. This wrapper is for infrastructure faults
// (open, attach, catalog lookups).
func WrapSQLite(err error) error {
	if err == nil {
		return nil
	}
	return New(err, http.StatusBadGateway, SQLiteErrorMessage)
}
