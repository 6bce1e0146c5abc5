package mocks

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/emptyOVO/vecprep/worker"
)

// RunOpener is a worker.RunOpener serving runs from memory.
type RunOpener struct {
	mu sync.Mutex
	// Result maps a run path to its bytes.
	Result map[string][]byte
	// Err, when set, is returned by every Open.
	Err error
	// Requests records the opened runs in call order.
	Requests []worker.Run
}

func (o *RunOpener) Open(ctx context.Context, run worker.Run) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Requests = append(o.Requests, run)
	if o.Err != nil {
		return nil, o.Err
	}
	data, ok := o.Result[run.Path]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
