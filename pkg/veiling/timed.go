package veiling

import "time"

// Timed pairs the result of an operation with how long it took.
type Timed[T any] struct {
	Value   T
	Elapsed time.Duration
}

// Time runs fn and reports its result together with the elapsed time.
// Elapsed is filled in even when fn fails.
func Time[T any](fn func() (T, error)) (Timed[T], error) {
	start := time.Now()
	v, err := fn()
	return Timed[T]{Value: v, Elapsed: time.Since(start)}, err
}
