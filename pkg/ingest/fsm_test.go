package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/classmind/kbengine/pkg/types"
)

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to types.DocumentStatus
		ok       bool
	}{
		{types.DocumentStatusPending, types.DocumentStatusProcessing, true},
		{types.DocumentStatusPending, types.DocumentStatusFailed, true},
		{types.DocumentStatusProcessing, types.DocumentStatusCompleted, true},
		{types.DocumentStatusProcessing, types.DocumentStatusFailed, true},
		{types.DocumentStatusCompleted, types.DocumentStatusProcessing, true},
		{types.DocumentStatusFailed, types.DocumentStatusProcessing, true},

		{types.DocumentStatusPending, types.DocumentStatusCompleted, false},
		{types.DocumentStatusCompleted, types.DocumentStatusFailed, false},
		{types.DocumentStatusFailed, types.DocumentStatusCompleted, false},
		{types.DocumentStatusCompleted, types.DocumentStatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			err := checkTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCheckTransitionSameState(t *testing.T) {
	for _, s := range []types.DocumentStatus{
		types.DocumentStatusPending,
		types.DocumentStatusProcessing,
		types.DocumentStatusCompleted,
		types.DocumentStatusFailed,
	} {
		assert.NoError(t, checkTransition(s, s))
	}
}
