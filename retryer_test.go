package qcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcache/qcache/internal/backoff"
)

func TestRetryerRetriesWithBackoffThenSucceeds(t *testing.T) {
	t.Parallel()

	var attempts int
	var delays []time.Duration

	r := NewRetryer(RetryerConfig{
		Fn: func(ctx context.Context) (interface{}, error) {
			attempts++
			if attempts < 3 {
				return nil, assert.AnError
			}
			return "ok", nil
		},
		Retry:       backoff.UpTo(5),
		RetryDelay: func(failureCount int, _ error) time.Duration {
			d := time.Millisecond * time.Duration(failureCount)
			delays = append(delays, d)
			return d
		},
		NetworkMode: backoff.Always,
	}).Start()

	data, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", data)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestRetryerGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var attempts int
	r := NewRetryer(RetryerConfig{
		Fn: func(ctx context.Context) (interface{}, error) {
			attempts++
			return nil, assert.AnError
		},
		Retry:       backoff.UpTo(2),
		RetryDelay:  func(int, error) time.Duration { return time.Millisecond },
		NetworkMode: backoff.Always,
	}).Start()

	_, err := r.Wait(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestRetryerPausesWhenOffline(t *testing.T) {
	t.Parallel()

	online := false
	var attempts int
	r := NewRetryer(RetryerConfig{
		Fn: func(ctx context.Context) (interface{}, error) {
			attempts++
			return "ok", nil
		},
		IsOnline:    func() bool { return online },
		NetworkMode: backoff.Online,
	}).Start()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, r.IsPaused())
	assert.Equal(t, 0, attempts)

	online = true
	r.Continue()

	data, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", data)
	assert.Equal(t, 1, attempts)
}

func TestRetryerCancelWithRevertReportsPreError(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	r := NewRetryer(RetryerConfig{
		Fn: func(ctx context.Context) (interface{}, error) {
			select {
			case <-block:
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		NetworkMode: backoff.Always,
	}).Start()

	preErr := assert.AnError
	r.Cancel(CancelOptions{Revert: true}, preErr)

	_, err := r.Wait(context.Background())
	assert.Equal(t, preErr, err)
	close(block)
}
