package generation

import "fmt"

// ValidationError rejects a create request before any state is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// QuotaError reports that the user is at their concurrent-job limit.
type QuotaError struct {
	Limit  int
	Active int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("concurrent job limit reached (%d active, limit %d)", e.Active, e.Limit)
}
