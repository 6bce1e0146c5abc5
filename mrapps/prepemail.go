// Package mrapps holds the map and reduce functions of the jobs vecprep
// runs.
package mrapps

import (
	"context"
	"sync/atomic"

	"github.com/emptyOVO/vecprep/label"
	"github.com/emptyOVO/vecprep/sampler"
	"github.com/emptyOVO/vecprep/worker"
)

// PrepEmail labels vectorized messages by their document key and keeps
// the first records of every label.
type PrepEmail struct {
	Deriver label.Deriver
	Sampler *sampler.Sampler[[]byte]

	skipped atomic.Int64
}

// NewPrepEmail returns the job for a cap of maxPerLabel records per label.
func NewPrepEmail(maxPerLabel int64, useListName bool) (*PrepEmail, error) {
	s, err := sampler.New[[]byte](maxPerLabel)
	if err != nil {
		return nil, err
	}
	return &PrepEmail{Deriver: label.Deriver{UseListName: useListName}, Sampler: s}, nil
}

// Map emits the record under its label. Records whose key yields no label
// are counted and dropped.
func (p *PrepEmail) Map(key string, value []byte, ctx *worker.MrContext) error {
	lbl, ok := p.Deriver.Derive(key)
	if !ok {
		p.skipped.Add(1)
		return nil
	}
	return ctx.EmitIntermediate(lbl, value)
}

// Reduce passes the first Cap values of the group through.
func (p *PrepEmail) Reduce(ctx context.Context, key string, values *worker.ValueIterator, out *worker.MrContext) error {
	_, err := p.Sampler.Reduce(ctx, key, values, sampler.EmitterFunc[[]byte](out.Emit))
	return err
}

// Skipped returns the number of records Map dropped.
func (p *PrepEmail) Skipped() int64 {
	return p.skipped.Load()
}
