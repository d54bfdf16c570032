package fn

import (
	"context"
	"sync"
)

// FanOut runs fns concurrently and returns their results in call order.
// Each fn receives ctx; FanOut itself waits for all of them.
func FanOut[T any](ctx context.Context, fns ...func(context.Context) T) []T {
	out := make([]T, len(fns))
	var wg sync.WaitGroup
	for i, f := range fns {
		wg.Add(1)
		go func(i int, f func(context.Context) T) {
			defer wg.Done()
			out[i] = f(ctx)
		}(i, f)
	}
	wg.Wait()
	return out
}
