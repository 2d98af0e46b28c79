package agentruntime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcharbon70/agentkeeper/errs"
)

func TestValidateTransitionLegalEdges(t *testing.T) {
	cases := []struct {
		from, to Status
	}{
		{StatusIdle, StatusWorking},
		{StatusIdle, StatusTerminating},
		{StatusWorking, StatusCompleted},
		{StatusWorking, StatusFailed},
		{StatusWorking, StatusIdle},
		{StatusWorking, StatusTerminating},
		{StatusCompleted, StatusIdle},
		{StatusCompleted, StatusTerminating},
		{StatusFailed, StatusIdle},
		{StatusFailed, StatusTerminating},
		{StatusTerminating, StatusTerminated},
		{StatusTerminated, StatusTerminated},
	}
	for _, c := range cases {
		require.NoError(t, ValidateTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestValidateTransitionIllegalEdges(t *testing.T) {
	cases := []struct {
		from, to Status
	}{
		{StatusIdle, StatusCompleted},
		{StatusIdle, StatusFailed},
		{StatusCompleted, StatusWorking},
		{StatusFailed, StatusWorking},
		{StatusTerminating, StatusWorking},
		{StatusTerminated, StatusIdle},
		{StatusTerminated, StatusWorking},
	}
	for _, c := range cases {
		err := ValidateTransition(c.from, c.to)
		assert.ErrorIs(t, err, errs.ErrIllegalTransition, "%s -> %s", c.from, c.to)

		var ite *errs.IllegalTransitionError
		require.ErrorAs(t, err, &ite)
		assert.Equal(t, string(c.from), ite.From)
		assert.Equal(t, string(c.to), ite.To)
	}
}

func TestAgentStateCloneDoesNotAlias(t *testing.T) {
	s := NewAgentState()
	s.Extra["counter"] = 1

	clone := s.Clone()
	clone.Extra["counter"] = 2

	assert.Equal(t, 1, s.Extra["counter"])
	assert.Equal(t, 2, clone.Extra["counter"])
}
