package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/cardlens/cardlens/internal/model"
)

// stageOrder is the sequential path of a successful run. Failed and
// rejected are reachable from any non-terminal state and are handled by
// the executor, not by nextStatus.
var stageOrder = []model.RunStatus{
	model.StatusQueued,
	model.StatusExtracting,
	model.StatusReasoning,
	model.StatusFannedOut,
	model.StatusAggregating,
	model.StatusComplete,
}

// nextStatus returns the state a run advances to from current on the
// success path. Advancing from a terminal state is a programming error.
func nextStatus(current model.RunStatus) (model.RunStatus, error) {
	if current.Terminal() {
		return "", eris.Errorf("pipeline: run already terminal in state %s", current)
	}
	for i, s := range stageOrder {
		if s == current {
			return stageOrder[i+1], nil
		}
	}
	return "", eris.Errorf("pipeline: unknown run state %s", current)
}
