package ingest

import (
	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/types"
)

// legalTransitions is the document lifecycle. An illegal transition is
// a programming error, surfaced as Internal rather than silently
// applied.
var legalTransitions = map[types.DocumentStatus][]types.DocumentStatus{
	types.DocumentStatusPending:    {types.DocumentStatusProcessing, types.DocumentStatusFailed},
	types.DocumentStatusProcessing: {types.DocumentStatusCompleted, types.DocumentStatusFailed},
	types.DocumentStatusCompleted:  {types.DocumentStatusProcessing},
	types.DocumentStatusFailed:     {types.DocumentStatusProcessing},
}

// checkTransition validates a lifecycle move.
func checkTransition(from, to types.DocumentStatus) error {
	if from == to {
		return nil
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return nil
		}
	}
	return errdefs.E(errdefs.KindInternal,
		"illegal document transition %s -> %s", from, to)
}
