package mrapps

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/emptyOVO/vecprep/sampler"
	"github.com/emptyOVO/vecprep/seqfile"
	"github.com/emptyOVO/vecprep/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrepEmailRejectsNegativeCap(t *testing.T) {
	_, err := NewPrepEmail(-1, false)
	assert.ErrorIs(t, err, sampler.ErrInvalidCap)
}

func TestPrepEmailConfig(t *testing.T) {
	p, err := NewPrepEmail(3, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Sampler.Cap())
	assert.True(t, p.Deriver.UseListName)
	assert.Zero(t, p.Skipped())
}

func TestPrepEmailThroughWorker(t *testing.T) {
	split := filepath.Join(t.TempDir(), "part-m-00000")
	w, err := seqfile.Create(split, seqfile.None)
	require.NoError(t, err)
	for _, k := range []string{"/spam/a/1", "/spam/a/2", "junk", "/ham/a/1", "/spam/a/3"} {
		require.NoError(t, w.Append(k, []byte(k)))
	}
	require.NoError(t, w.Close())

	p, err := NewPrepEmail(2, false)
	require.NoError(t, err)
	wr, err := worker.New(0, worker.Config{NReduce: 1, Dir: t.TempDir(), Mapf: p.Map, Reducef: p.Reduce})
	require.NoError(t, err)

	mres, err := wr.Map(context.Background(), worker.MapTask{Split: split})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Skipped())

	var got []string
	out := outputFunc(func(key string, value []byte) error {
		got = append(got, key+" "+string(value))
		return nil
	})
	_, err = wr.Reduce(context.Background(), worker.ReduceTask{Runs: mres.Runs[0]}, worker.LocalOpener{}, out)
	require.NoError(t, err)
	assert.Equal(t, []string{"ham /ham/a/1", "spam /spam/a/1", "spam /spam/a/2"}, got)
}

type outputFunc func(key string, value []byte) error

func (f outputFunc) Emit(key string, value []byte) error { return f(key, value) }
