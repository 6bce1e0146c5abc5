// Package sampler caps the number of records passed through per label.
//
// A Sampler is invoked once per label group with a forward-only iterator over
// the group's records. It emits the first N records it sees and consumes the
// rest without emitting them. The only state it holds while doing so is the
// count of records emitted for the current group.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidCap is returned by New for a negative cap.
var ErrInvalidCap = errors.New("max items per label must be >= 0")

// Iterator is a lazy, forward-only sequence of records for one label.
// Next returns io.EOF once the sequence is exhausted.
type Iterator[R any] interface {
	Next() (R, error)
}

// Emitter receives the records that pass the cap.
type Emitter[R any] interface {
	Emit(label string, rec R) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc[R any] func(label string, rec R) error

func (f EmitterFunc[R]) Emit(label string, rec R) error {
	return f(label, rec)
}

// Sampler passes through at most Cap records per label.
// It is safe for concurrent use; every call to Reduce keeps its own counter.
type Sampler[R any] struct {
	max int64
}

// New returns a sampler with the given per-label cap. Zero is valid and
// emits nothing.
func New[R any](maxPerLabel int64) (*Sampler[R], error) {
	if maxPerLabel < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCap, maxPerLabel)
	}
	return &Sampler[R]{max: maxPerLabel}, nil
}

// Cap returns the per-label cap.
func (s *Sampler[R]) Cap() int64 {
	return s.max
}

// Reduce streams one label group from values into out, emitting the first
// Cap records in arrival order. Records past the cap are still read so the
// upstream iterator advances to the end of the group.
//
// Errors from values or out are returned as is. It returns the number of
// records emitted for the group. The counter never exceeds Cap, so it
// cannot wrap.
func (s *Sampler[R]) Reduce(ctx context.Context, label string, values Iterator[R], out Emitter[R]) (int64, error) {
	var emitted int64
	for {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}
		rec, err := values.Next()
		if err == io.EOF {
			return emitted, nil
		}
		if err != nil {
			return emitted, err
		}
		if emitted >= s.max {
			continue
		}
		if err := out.Emit(label, rec); err != nil {
			return emitted, err
		}
		emitted++
	}
}
