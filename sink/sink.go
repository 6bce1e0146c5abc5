// Package sink writes reduce output: sequence-file parts in the output
// directory and optional MySQL or Redis exports.
package sink

import (
	"context"
	"errors"
)

// Sink receives the records of one reduce partition. A Sink is used by a
// single goroutine.
type Sink interface {
	Emit(label string, value []byte) error
	Close() error
}

// Factory opens one Sink per reduce partition. Prepare runs once before any
// Open; Close runs once after every Sink is closed.
type Factory interface {
	Prepare(ctx context.Context) error
	Open(ctx context.Context, part int) (Sink, error)
	Close() error
}

// Multi fans every record out to all of its sinks.
type Multi []Sink

func (m Multi) Emit(label string, value []byte) error {
	for _, s := range m {
		if err := s.Emit(label, value); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and returns the first error.
func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Factories combines several factories; Open returns a Multi.
type Factories []Factory

func (fs Factories) Prepare(ctx context.Context) error {
	for _, f := range fs {
		if err := f.Prepare(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (fs Factories) Open(ctx context.Context, part int) (Sink, error) {
	sinks := make(Multi, 0, len(fs))
	for _, f := range fs {
		s, err := f.Open(ctx, part)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func (fs Factories) Close() error {
	var errs []error
	for _, f := range fs {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}
