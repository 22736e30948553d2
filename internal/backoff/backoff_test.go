package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultDelayCapsAt30Seconds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		failureCount int
		want         time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		got := Default(tc.failureCount, nil)
		assert.Equal(t, tc.want, got, "failureCount=%d", tc.failureCount)
	}
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	assert.False(t, NoRetry().ShouldRetry(1, nil))
	assert.True(t, AlwaysRetry().ShouldRetry(100, nil))
	assert.True(t, UpTo(3).ShouldRetry(3, nil))
	assert.False(t, UpTo(3).ShouldRetry(4, nil))
	assert.True(t, When(func(n int, _ error) bool { return n < 2 }).ShouldRetry(1, nil))
	assert.False(t, When(func(n int, _ error) bool { return n < 2 }).ShouldRetry(2, nil))

	var zero RetryPolicy
	assert.True(t, zero.ShouldRetry(3, nil))
	assert.False(t, zero.ShouldRetry(4, nil))
}

func TestNetworkModeCanRun(t *testing.T) {
	t.Parallel()

	assert.True(t, Always.CanRun(5, false))

	assert.True(t, Online.CanRun(0, true))
	assert.False(t, Online.CanRun(0, false))

	assert.True(t, OfflineFirst.CanRun(0, false))
	assert.False(t, OfflineFirst.CanRun(1, false))
	assert.True(t, OfflineFirst.CanRun(1, true))
}
