package contracts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotAssignable_IsInvalidTransition(t *testing.T) {
	assert.True(t, errors.Is(ErrNotAssignable, ErrInvalidTransition))
	assert.False(t, errors.Is(ErrInvalidTransition, ErrNotAssignable))
	assert.False(t, errors.Is(ErrWorkerBusy, ErrInvalidTransition))
}

func TestStatus_Predicates(t *testing.T) {
	for _, s := range Statuses {
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("DONE").Valid())

	assert.True(t, StatusOpen.Assignable())
	assert.True(t, StatusReopen.Assignable())
	assert.False(t, StatusDoing.Assignable())
	assert.True(t, StatusFinish.Terminal())
	assert.True(t, StatusReview.Engaged())
	assert.False(t, StatusReopen.Engaged())
}

func TestParseJobID(t *testing.T) {
	id, err := ParseJobID("42")
	require.NoError(t, err)
	assert.Equal(t, JobID(42), id)
	assert.Equal(t, "42", id.String())

	_, err = ParseJobID("-1")
	assert.Error(t, err)
}

func TestJob_Clone(t *testing.T) {
	res := "done"
	j := &Job{ID: 1, Result: &res}
	c := j.Clone()
	*c.Result = "changed"
	assert.Equal(t, "done", *j.Result)
	assert.Nil(t, (*Job)(nil).Clone())
}
