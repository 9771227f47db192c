package replica

import "context"

// lazyRef creates its value on first Get and can be reset to create it again.
// Callers synchronize access.
type lazyRef[T any] struct {
	create func(ctx context.Context) (T, error)
	value  T
	ok     bool
}

func newLazyRef[T any](create func(ctx context.Context) (T, error)) lazyRef[T] {
	return lazyRef[T]{create: create}
}

func (r *lazyRef[T]) Get(ctx context.Context) (T, error) {
	if r.ok {
		return r.value, nil
	}
	v, err := r.create(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	r.value, r.ok = v, true
	return v, nil
}

func (r *lazyRef[T]) IsInitialized() bool { return r.ok }

// Peek returns the value without creating it.
func (r *lazyRef[T]) Peek() (T, bool) { return r.value, r.ok }

func (r *lazyRef[T]) Reset() {
	var zero T
	r.value, r.ok = zero, false
}
