package playback_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/legisapp/legis/internal/playback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	deltas []string
}

func (r *recorder) apply(delta string) {
	r.mu.Lock()
	r.deltas = append(r.deltas, delta)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deltas...)
}

func TestSchedulerPreservesOrder(t *testing.T) {
	for _, interval := range []time.Duration{time.Millisecond, 5 * time.Millisecond} {
		rec := &recorder{}
		s := playback.NewScheduler(interval, rec.apply)
		s.Start()

		var want []string
		for i := range 50 {
			d := strings.Repeat("x", i%3) + string(rune('a'+i%26))
			want = append(want, d)
			s.Push(d)
		}

		require.Eventually(t, func() bool { return s.Pending() == 0 }, 5*time.Second, interval)
		s.Stop()

		assert.Equal(t, want, rec.snapshot())
		assert.Equal(t, strings.Join(want, ""), strings.Join(rec.snapshot(), ""))
	}
}

func TestSchedulerOneDeltaPerTick(t *testing.T) {
	rec := &recorder{}
	s := playback.NewScheduler(20*time.Millisecond, rec.apply)
	for range 10 {
		s.Push("d")
	}
	s.Start()
	defer s.Stop()

	time.Sleep(70 * time.Millisecond)
	applied := len(rec.snapshot())
	assert.LessOrEqual(t, applied, 4)
	assert.Equal(t, 10-applied, s.Pending())
}

func TestSchedulerPushWhileRunning(t *testing.T) {
	rec := &recorder{}
	s := playback.NewScheduler(time.Millisecond, rec.apply)
	s.Start()
	defer s.Stop()

	s.Push("a")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)

	// Idle ticks in between do not disturb later pushes.
	time.Sleep(10 * time.Millisecond)
	s.Push("b")
	s.Push("c")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, rec.snapshot())
}

func TestSchedulerClear(t *testing.T) {
	rec := &recorder{}
	s := playback.NewScheduler(time.Hour, rec.apply)
	s.Push("a")
	s.Push("b")
	require.Equal(t, 2, s.Pending())

	s.Clear()
	assert.Equal(t, 0, s.Pending())
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	rec := &recorder{}

	never := playback.NewScheduler(time.Millisecond, rec.apply)
	never.Stop()
	never.Stop()

	s := playback.NewScheduler(time.Millisecond, rec.apply)
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()

	s.Push("late")
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	// A stopped scheduler cannot be restarted.
	s.Start()
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestSchedulerWait(t *testing.T) {
	rec := &recorder{}
	s := playback.NewScheduler(time.Millisecond, rec.apply)
	s.Start()
	defer s.Stop()

	for range 5 {
		s.Push("z")
	}
	require.NoError(t, s.Wait(context.Background()))
	assert.Len(t, rec.snapshot(), 5)

	stalled := playback.NewScheduler(time.Hour, rec.apply)
	stalled.Push("z")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, stalled.Wait(ctx), context.DeadlineExceeded)
}

func TestSchedulerWaitSlowApply(t *testing.T) {
	var mu sync.Mutex
	applied := false
	s := playback.NewScheduler(time.Millisecond, func(string) {
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		applied = true
		mu.Unlock()
	})
	s.Start()
	defer s.Stop()

	s.Push("z")
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, s.Wait(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, applied, "Wait covers the delta being applied")
}

func TestNewSchedulerDefaultInterval(t *testing.T) {
	s := playback.NewScheduler(0, func(string) {})
	assert.Equal(t, playback.DefaultInterval, s.Interval())
}
