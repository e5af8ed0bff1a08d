package job

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jewelpos/backend/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProcessingJob(t *testing.T, maxAttempts int) *Job {
	t.Helper()
	j, err := NewJob("price.update", []byte(`{"percent":"5"}`), WithMaxAttempts(maxAttempts))
	require.NoError(t, err)
	require.NoError(t, j.MarkProcessing(time.Now()))
	return j
}

func TestNewJob(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		j, err := NewJob("ticket.generate", nil)
		require.NoError(t, err)

		assert.Equal(t, StatusQueued, j.Status)
		assert.Equal(t, DefaultMaxAttempts, j.MaxAttempts)
		assert.Equal(t, []byte("{}"), j.Payload)
		assert.Equal(t, 0, j.Attempts)
		assert.Equal(t, j.CreatedAt, j.ScheduledAt)
	})

	t.Run("options", func(t *testing.T) {
		later := time.Now().Add(time.Hour)
		j, err := NewJob("labels.print", []byte(`{}`), WithMaxAttempts(7), WithScheduledAt(later), WithPriority(3))
		require.NoError(t, err)

		assert.Equal(t, 7, j.MaxAttempts)
		assert.True(t, later.Equal(j.ScheduledAt))
		assert.Equal(t, 3, j.Priority)
		assert.False(t, j.IsDue(time.Now()))
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		_, err := NewJob("  ", nil)
		assert.ErrorIs(t, err, ErrEmptyType)

		_, err = NewJob(strings.Repeat("x", 65), nil)
		assert.ErrorIs(t, err, ErrTypeTooLong)

		_, err = NewJob("x", []byte("{not json"))
		assert.ErrorIs(t, err, ErrInvalidPayload)

		_, err = NewJob("x", nil, WithMaxAttempts(0))
		assert.ErrorIs(t, err, ErrInvalidMaxAttempts)
		assert.True(t, errors.Is(err, shared.ErrInvalidInput))
	})
}

func TestJob_MarkFailed_LinearBackoff(t *testing.T) {
	j := newProcessingJob(t, 3)
	now := time.Now()
	backoff := 10 * time.Second

	require.NoError(t, j.MarkFailed("boom", backoff, now))
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, now.Add(10*time.Second), j.ScheduledAt)
	assert.Equal(t, "boom", j.LastError)

	require.NoError(t, j.MarkProcessing(now))
	require.NoError(t, j.MarkFailed("boom again", backoff, now))
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, now.Add(20*time.Second), j.ScheduledAt)

	require.NoError(t, j.MarkProcessing(now))
	require.NoError(t, j.MarkFailed("final", backoff, now))
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, 3, j.Attempts)
	require.NotNil(t, j.CompletedAt)
}

func TestJob_AttemptsNeverExceedMax(t *testing.T) {
	j := newProcessingJob(t, 1)
	require.NoError(t, j.MarkFailed("x", time.Second, time.Now()))
	assert.Equal(t, StatusFailed, j.Status)

	assert.ErrorIs(t, j.MarkProcessing(time.Now()), ErrNotQueued)
	assert.Equal(t, 1, j.Attempts)
}

func TestJob_MarkCompleted(t *testing.T) {
	j := newProcessingJob(t, 3)
	require.NoError(t, j.MarkCompleted([]byte(`{"updated":4}`), time.Now()))

	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, []byte(`{"updated":4}`), j.Result)
	assert.True(t, j.Status.IsTerminal())
	assert.ErrorIs(t, j.MarkCompleted(nil, time.Now()), ErrNotProcessing)
}

func TestJob_PermanentFailure(t *testing.T) {
	j := newProcessingJob(t, 5)
	require.NoError(t, j.MarkPermanentlyFailed("no handler", time.Now()))
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, 1, j.Attempts)
}

func TestJob_RetryAndCancel(t *testing.T) {
	j, err := NewJob("report.export", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, j.Retry(time.Now()), ErrNotRetryable)
	require.NoError(t, j.Cancel(time.Now()))
	assert.Equal(t, StatusCancelled, j.Status)
	assert.ErrorIs(t, j.Cancel(time.Now()), ErrNotQueued)

	now := time.Now()
	require.NoError(t, j.Retry(now))
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, 0, j.Attempts)
	assert.Nil(t, j.CompletedAt)
	assert.True(t, j.IsDue(now))
}

func TestJob_ResetStale(t *testing.T) {
	j := newProcessingJob(t, 3)
	now := time.Now()

	require.NoError(t, j.ResetStale(now))
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Nil(t, j.StartedAt)
	assert.ErrorIs(t, j.ResetStale(now), ErrNotProcessing)
}

func TestJob_LastErrorIsTruncated(t *testing.T) {
	j := newProcessingJob(t, 3)
	require.NoError(t, j.MarkFailed(strings.Repeat("e", 5000), time.Second, time.Now()))
	assert.Len(t, j.LastError, maxErrorLength)
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusQueued.IsValid())
	assert.False(t, Status("done").IsValid())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}
