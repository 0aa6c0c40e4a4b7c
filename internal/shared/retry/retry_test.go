package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("overloaded")
	errFatal     = errors.New("bad request")
)

func isTransient(err error) bool { return errors.Is(err, errTransient) }

// recordingSleeper records requested delays without waiting.
type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))

	p.MaxDelay = 3 * time.Second
	assert.Equal(t, 3*time.Second, p.Delay(2))

	p.Multiplier = 0
	assert.Equal(t, time.Second, p.Delay(5))
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	s := &recordingSleeper{}
	calls := 0

	err := Do(context.Background(), DefaultPolicy(), isTransient, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, WithSleeper(s.sleep))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.delays)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	s := &recordingSleeper{}
	calls := 0

	err := Do(context.Background(), DefaultPolicy(), isTransient, func(context.Context) error {
		calls++
		return errTransient
	}, WithSleeper(s.sleep))

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
	assert.Len(t, s.delays, 3)
}

func TestDo_NonRetryableReturnsImmediately(t *testing.T) {
	s := &recordingSleeper{}
	calls := 0

	err := Do(context.Background(), DefaultPolicy(), isTransient, func(context.Context) error {
		calls++
		return errFatal
	}, WithSleeper(s.sleep))

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
	assert.Empty(t, s.delays)
}

func TestDo_OnRetryHook(t *testing.T) {
	var attempts []int
	calls := 0

	_ = Do(context.Background(), Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 2}, isTransient,
		func(context.Context) error {
			calls++
			return errTransient
		},
		WithSleeper(func(context.Context, time.Duration) error { return nil }),
		WithOnRetry(func(attempt int, _ time.Duration, err error) {
			attempts = append(attempts, attempt)
			assert.ErrorIs(t, err, errTransient)
		}),
	)

	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Do(ctx, DefaultPolicy(), isTransient, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), DefaultPolicy(), isTransient, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "ok", nil
	}, WithSleeper(func(context.Context, time.Duration) error { return nil }))

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
