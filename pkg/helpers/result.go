package helpers

type Nothing struct{}

// Result carries either a value or an error across a channel.
type Result[T any] struct {
	value T
	err   error
}

func NewResult[T any](value T, err error) Result[T] {
	return Result[T]{
		value: value,
		err:   err,
	}
}

func NewValueResult[T any](value T) Result[T] {
	return Result[T]{
		value: value,
	}
}

func NewErrorResult[T any](err error) Result[T] {
	return Result[T]{
		err: err,
	}
}

func (r Result[T]) Value() (T, error) {
	return r.value, r.err
}

func (r Result[T]) Error() error {
	return r.err
}

func (r Result[T]) Ok() bool {
	return r.err == nil
}

func (r Result[T]) ValueOr(v T) T {
	if r.err != nil {
		return v
	}
	return r.value
}

// Collect drains ch into a slice, stopping at the first error.
func Collect[T any](ch <-chan Result[T]) ([]T, error) {
	var ret []T
	for r := range ch {
		v, err := r.Value()
		if err != nil {
			// keep draining so the producer can exit
			for range ch {
			}
			return ret, err
		}
		ret = append(ret, v)
	}
	return ret, nil
}
