package worker

import (
	"context"
	"io"
	"os"
)

// RunOpener gives a reduce task read access to a run, wherever it lives.
type RunOpener interface {
	Open(ctx context.Context, run Run) (io.ReadCloser, error)
}

// LocalOpener opens runs from the local filesystem.
type LocalOpener struct{}

func (LocalOpener) Open(ctx context.Context, run Run) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(run.Path)
}
