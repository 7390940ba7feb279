package bridge

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestScheduler_AfterRunsOnce(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	var runs int32
	s.After(TimerRetry, "r", 5*time.Millisecond, func() { atomic.AddInt32(&runs, 1) })
	assert.True(t, s.Pending(TimerRetry, "r"))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, time.Millisecond)
	assert.False(t, s.Pending(TimerRetry, "r"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestScheduler_ReplaceKey(t *testing.T) {
	timers := &manualTimers{}
	s := NewScheduler(zaptest.NewLogger(t))
	s.afterFunc = timers.afterFunc

	var first, second int32
	s.After(TimerRetry, "r", time.Second, func() { atomic.AddInt32(&first, 1) })
	staleFirst := timers.fns[0]
	s.After(TimerRetry, "r", 2*time.Second, func() { atomic.AddInt32(&second, 1) })

	staleFirst()
	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
	timers.fireLast()
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
	assert.Equal(t, 0, s.Count(TimerRetry))
}

func TestScheduler_EveryWithPanicKeepsRunning(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	var runs int32
	s.Every(TimerHealthCheck, "h", Interval(2*time.Millisecond), func() {
		atomic.AddInt32(&runs, 1)
		panic("tick failed")
	})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, time.Millisecond)
	s.CancelAll()
	assert.Equal(t, 0, s.Count(TimerHealthCheck))
}

func TestScheduler_CancelKind(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	s.After(TimerPoll, "/a", time.Hour, func() {})
	s.After(TimerPoll, "/b", time.Hour, func() {})
	s.After(TimerTokenRefresh, "oauth2", time.Hour, func() {})

	assert.Equal(t, 2, s.Count(TimerPoll))
	s.CancelKind(TimerPoll)
	assert.Equal(t, 0, s.Count(TimerPoll))
	assert.True(t, s.Pending(TimerTokenRefresh, "oauth2"))

	s.Cancel(TimerTokenRefresh, "oauth2")
	assert.False(t, s.Pending(TimerTokenRefresh, "oauth2"))
}

func TestScheduler_CancelledEveryDoesNotRearm(t *testing.T) {
	timers := &manualTimers{}
	s := NewScheduler(zaptest.NewLogger(t))
	s.afterFunc = timers.afterFunc

	var runs int32
	s.Every(TimerPoll, "/a", Interval(time.Minute), func() { atomic.AddInt32(&runs, 1) })
	timers.fireLast()
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	require.Len(t, timers.recorded(), 2)

	s.Cancel(TimerPoll, "/a")
	timers.fireLast()
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Len(t, timers.recorded(), 2)
}

func TestScheduler_CronSchedule(t *testing.T) {
	timers := &manualTimers{}
	s := NewScheduler(zaptest.NewLogger(t))
	s.afterFunc = timers.afterFunc

	sched, err := cron.ParseStandard("*/5 * * * *")
	require.NoError(t, err)
	s.Every(TimerPoll, "/orders", sched, func() {})

	delays := timers.recorded()
	require.Len(t, delays, 1)
	assert.LessOrEqual(t, delays[0], 5*time.Minute)
	assert.True(t, s.Pending(TimerPoll, "/orders"))
}

func TestInterval_Next(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(30*time.Second), Interval(30*time.Second).Next(now))
}

func TestBackoffDelays(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, BackoffDelays(p, 6))

	flat := RetryPolicy{InitialDelay: 500 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 1}
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, BackoffDelays(flat, 2))
}
