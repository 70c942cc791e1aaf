package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for _, m := range Modes {
		got, err := ParseMode(" " + string(m) + " ")
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseMode("async")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestModeParallel(t *testing.T) {
	assert.False(t, ModeSequential.Parallel())
	assert.False(t, ModeCooperative.Parallel())
	assert.True(t, ModeThread.Parallel())
	assert.True(t, ModeProcess.Parallel())
}

func TestJobFailureWrapsCause(t *testing.T) {
	cause := errors.New("decode failed")
	jf := NewJobFailure(Job{Index: 7, TraceID: "7"}, cause)

	assert.ErrorIs(t, jf, cause)
	assert.Equal(t, 7, jf.Index)
	assert.Contains(t, jf.Error(), "job 7")

	// Wrapping twice keeps the original failure.
	assert.Same(t, jf, NewJobFailure(Job{Index: 1}, jf))
}

func TestJobResultStatus(t *testing.T) {
	assert.Equal(t, StatusCompleted, JobResult{}.Status())
	assert.Equal(t, StatusFailed, JobResult{Err: errors.New("x")}.Status())
}
