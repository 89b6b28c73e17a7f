package fanout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_PreservesInputOrder(t *testing.T) {
	items := []int{5, 1, 4, 2, 3}
	out := Run(context.Background(), items, func(_ context.Context, n int) (int, error) {
		// Чем меньше n, тем дольше задача: порядок завершения перевернут
		time.Sleep(time.Duration(6-n) * time.Millisecond)
		return n * 10, nil
	}, WithConcurrency(5))

	require.Len(t, out, len(items))
	for i, o := range out {
		assert.Equal(t, items[i], o.Item)
		assert.Equal(t, items[i]*10, o.Result)
		assert.NoError(t, o.Err)
	}
}

func TestRun_NeverExceedsConcurrency(t *testing.T) {
	const limit = 3
	var inFlight, peak atomic.Int32

	items := make([]int, 20)
	Run(context.Background(), items, func(_ context.Context, _ int) (struct{}, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return struct{}{}, nil
	}, WithConcurrency(limit))

	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Positive(t, peak.Load())
}

func TestRun_IsolatesFailures(t *testing.T) {
	boom := errors.New("boom")
	out := Run(context.Background(), []string{"ok", "fail", "panic", "ok2"}, func(_ context.Context, s string) (string, error) {
		switch s {
		case "fail":
			return "", boom
		case "panic":
			panic("kaboom")
		}
		return s + "!", nil
	})

	require.Len(t, out, 4)
	assert.Equal(t, "ok!", out[0].Result)
	assert.ErrorIs(t, out[1].Err, boom)
	require.Error(t, out[2].Err)
	assert.Contains(t, out[2].Err.Error(), "kaboom")
	assert.Equal(t, "ok2!", out[3].Result)
	assert.Equal(t, []string{"ok!", "ok2!"}, Results(out))
}

func TestRun_EmptyInput(t *testing.T) {
	called := false
	out := Run(context.Background(), nil, func(_ context.Context, _ int) (int, error) {
		called = true
		return 0, nil
	})
	assert.Empty(t, out)
	assert.False(t, called)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := Run(ctx, []int{1, 2, 3}, func(_ context.Context, n int) (int, error) {
		return n, nil
	})
	for _, o := range out {
		assert.ErrorIs(t, o.Err, context.Canceled)
	}
}

func TestRun_ReportsProgress(t *testing.T) {
	var seen []int
	Run(context.Background(), []int{1, 2, 3, 4}, func(_ context.Context, n int) (int, error) {
		return n, nil
	}, WithConcurrency(2), WithProgress(func(done, total int) {
		assert.Equal(t, 4, total)
		seen = append(seen, done)
	}))
	assert.Equal(t, []int{1, 2, 3, 4}, seen)
}

func TestRun_OrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("outcome i corresponds to item i", prop.ForAll(
		func(items []string, workers int) bool {
			out := Run(context.Background(), items, func(_ context.Context, s string) (int, error) {
				return len(s), nil
			}, WithConcurrency(workers))
			if len(out) != len(items) {
				return false
			}
			for i := range items {
				if out[i].Item != items[i] || out[i].Result != len(items[i]) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
