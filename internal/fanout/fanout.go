// Package fanout выполняет независимые задачи с ограничением параллелизма.
//
// Результаты возвращаются в порядке входа, а не в порядке завершения.
// Ошибка или паника одной задачи не влияет на остальные.
package fanout

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 5

// Outcome — результат одной задачи. Ровно одно из Result/Err осмысленно.
type Outcome[T, R any] struct {
	Item   T
	Result R
	Err    error
}

// Progress вызывается после завершения каждой задачи (done из total).
type Progress func(done, total int)

type config struct {
	concurrency int
	progress    Progress
}

type Option func(*config)

// WithConcurrency задает число воркеров. Значения < 1 заменяются на DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(c *config) {
		if n >= 1 {
			c.concurrency = n
		}
	}
}

func WithProgress(p Progress) Option {
	return func(c *config) { c.progress = p }
}

// Run применяет fn ко всем items, не более concurrency одновременно.
// Задачи всегда возвращают nil в errgroup, поэтому отказ одной не отменяет соседей.
// Если ctx отменен, невзятые элементы получают ctx.Err().
func Run[T, R any](ctx context.Context, items []T, fn func(context.Context, T) (R, error), opts ...Option) []Outcome[T, R] {
	cfg := config{concurrency: DefaultConcurrency}
	for _, o := range opts {
		o(&cfg)
	}

	out := make([]Outcome[T, R], len(items))
	if len(items) == 0 {
		return out
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex // защищает done и сериализует колбэк прогресса
		done int
	)
	g.SetLimit(cfg.concurrency)

	for i := range items {
		// Go блокируется, пока заняты все слоты: лишняя работа ждет, а не отбрасывается
		g.Go(func() error {
			out[i] = runOne(ctx, items[i], fn)

			mu.Lock()
			done++
			if cfg.progress != nil {
				cfg.progress(done, len(items))
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func runOne[T, R any](ctx context.Context, item T, fn func(context.Context, T) (R, error)) (o Outcome[T, R]) {
	o.Item = item
	if err := ctx.Err(); err != nil {
		o.Err = err
		return o
	}
	defer func() {
		if r := recover(); r != nil {
			o.Err = fmt.Errorf("fanout: task panicked: %v", r)
		}
	}()
	o.Result, o.Err = fn(ctx, item)
	return o
}

// Results возвращает только успешные результаты, сохраняя порядок.
func Results[T, R any](outcomes []Outcome[T, R]) []R {
	res := make([]R, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err == nil {
			res = append(res, o.Result)
		}
	}
	return res
}
