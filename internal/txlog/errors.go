package txlog

import "fmt"

// RollbackError reports how many rollback operations failed during a
// RollbackAll pass. It is returned once per pass after every operation has
// been attempted.
type RollbackError struct {
	Failed int
	Total  int
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed for %d of %d operations", e.Failed, e.Total)
}
