package orchestrator

import (
	"fmt"

	"github.com/iambrandonn/potter/internal/protocol"
)

// RoundFailure is a round that ended with task_failed or fatal.
type RoundFailure struct {
	Current uint32
	Total   uint32
	Outcome protocol.RoundOutcome
}

func (e *RoundFailure) Error() string {
	return fmt.Sprintf("round %d/%d %s: %s", e.Current, e.Total, e.Outcome.Kind, e.Outcome.Message)
}
