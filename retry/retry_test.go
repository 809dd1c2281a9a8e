package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestPolicy_Delay(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"first attempt is initial", Policy{Initial: time.Second, Max: time.Minute, Factor: 2}, 0, time.Second},
		{"grows by factor", Policy{Initial: time.Second, Max: time.Minute, Factor: 2}, 3, 8 * time.Second},
		{"capped at max", Policy{Initial: time.Second, Max: 5 * time.Second, Factor: 2}, 10, 5 * time.Second},
		{"constant without factor", Policy{Initial: 5 * time.Second}, 7, 5 * time.Second},
		{"factor below one is constant", Policy{Initial: 5 * time.Second, Factor: 0.5}, 3, 5 * time.Second},
		{"initial above max", Policy{Initial: 10 * time.Second, Max: time.Second, Factor: 2}, 0, time.Second},
		{"zero initial", Policy{}, 4, 0},
		{"huge attempt stays bounded", Policy{Initial: time.Millisecond, Max: time.Hour, Factor: 1.5}, 100000, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Delay(tt.attempt))
		})
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	p := Policy{Initial: time.Second, Max: 10 * time.Second, Factor: 2}

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Do(context.Background(), fc, p, func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		})
	}()

	for _, d := range []time.Duration{time.Second, 2 * time.Second} {
		require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
		fc.Step(d)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Do did not return")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_MaxAttempts(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	p := Policy{Initial: time.Second, MaxAttempts: 2}
	boom := errors.New("boom")

	done := make(chan error, 1)
	go func() {
		done <- Do(context.Background(), fc, p, func(context.Context) error { return boom })
	}()

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(time.Second)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "2 attempts")
	case <-time.After(time.Second):
		t.Fatal("Do did not return")
	}
}

func TestDo_Permanent(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	boom := errors.New("rejected")
	var calls int
	err := Do(context.Background(), fc, Policy{Initial: time.Second}, func(context.Context) error {
		calls++
		return Permanent(boom)
	})
	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, Permanent(nil))
}

func TestDo_ContextCanceled(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, fc, Policy{Initial: time.Hour}, func(context.Context) error { return errors.New("down") })
	}()

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return")
	}
}
