package qcache

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRemovableScheduleGcFires(t *testing.T) {
	t.Parallel()

	var r Removable
	var fired int32
	r.ScheduleGc(5*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestRemovableClearGcTimeoutPreventsFire(t *testing.T) {
	t.Parallel()

	var r Removable
	var fired int32
	r.ScheduleGc(5*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	r.ClearGcTimeout()

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestRemovableInfiniteGcTimeDisablesTimer(t *testing.T) {
	t.Parallel()

	var r Removable
	var fired int32
	r.ScheduleGc(infiniteGcTime, func() { atomic.AddInt32(&fired, 1) })

	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
	assert.Equal(t, infiniteGcTime, r.GcTime())
}

func TestRemovableRescheduleReplacesPendingTimer(t *testing.T) {
	t.Parallel()

	var r Removable
	var fired int32
	r.ScheduleGc(5*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	r.ScheduleGc(50*time.Millisecond, func() { atomic.AddInt32(&fired, 2) })

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 2 }, time.Second, time.Millisecond)
}
