package worker

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/emptyOVO/vecprep/seqfile"
	log "github.com/sirupsen/logrus"
)

type cursor struct {
	r     *seqfile.Reader
	order int
	key   string
	value []byte
}

func (c *cursor) advance() (bool, error) {
	k, v, err := c.r.Next()
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.key, c.value = k, v
	return true, nil
}

// runHeap orders cursors by key, then by run order, which keeps the merge
// stable across runs.
type runHeap []*cursor

func (h runHeap) Len() int { return len(h) }
func (h runHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].order < h[j].order
}
func (h runHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *runHeap) Push(x interface{}) { *h = append(*h, x.(*cursor)) }
func (h *runHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// merger streams the union of sorted runs in key order.
type merger struct {
	h runHeap
}

func openMerger(ctx context.Context, runs []Run, opener RunOpener) (*merger, error) {
	m := &merger{}
	for i, run := range runs {
		var rc io.ReadCloser
		var err error
		if run.merged {
			rc, err = os.Open(run.Path)
		} else {
			rc, err = opener.Open(ctx, run)
		}
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("open run %s: %w", run.Path, err)
		}
		r, err := seqfile.NewReader(rc)
		if err != nil {
			rc.Close()
			m.Close()
			return nil, fmt.Errorf("open run %s: %w", run.Path, err)
		}
		c := &cursor{r: r, order: i}
		ok, err := c.advance()
		if err != nil {
			r.Close()
			m.Close()
			return nil, fmt.Errorf("read run %s: %w", run.Path, err)
		}
		if !ok {
			r.Close()
			continue
		}
		m.h = append(m.h, c)
	}
	heap.Init(&m.h)
	return m, nil
}

// premerge merges consecutive groups of at most fanIn runs into local runs
// until no more than fanIn remain. Groups are consecutive, so the final
// merge still sees records of one key in run order. Intermediate merged
// runs are removed once consumed; the caller removes the returned ones.
func (wr *Worker) premerge(ctx context.Context, partition int, runs []Run, opener RunOpener) ([]Run, error) {
	fanIn := wr.cfg.MergeFanIn
	for pass := 0; len(runs) > fanIn; pass++ {
		log.WithFields(log.Fields{"partition": partition, "pass": pass, "runs": len(runs)}).
			Debug("[Worker] Merge pass")
		next := make([]Run, 0, (len(runs)+fanIn-1)/fanIn)
		for i := 0; i < len(runs); i += fanIn {
			group := runs[i:min(i+fanIn, len(runs))]
			if len(group) == 1 {
				next = append(next, group[0])
				continue
			}
			path := mergeName(wr.cfg.Dir, wr.UUID, partition, pass, len(next))
			n, err := mergeTo(ctx, group, opener, path, wr.cfg.Compression)
			if err != nil {
				os.Remove(path)
				removeMerged(next)
				removeMerged(runs[i:])
				return nil, err
			}
			removeMerged(group)
			next = append(next, Run{
				Path:    path,
				Task:    group[0].Task,
				Spill:   group[0].Spill,
				Records: n,
				merged:  true,
			})
		}
		runs = next
	}
	return runs, nil
}

func mergeTo(ctx context.Context, runs []Run, opener RunOpener, path string, c seqfile.Compression) (int64, error) {
	m, err := openMerger(ctx, runs, opener)
	if err != nil {
		return 0, err
	}
	defer m.Close()
	w, err := seqfile.Create(path, c)
	if err != nil {
		return 0, err
	}
	for m.Len() > 0 {
		if err := ctx.Err(); err != nil {
			w.Close()
			return 0, err
		}
		kv, err := m.pop()
		if err != nil {
			w.Close()
			return 0, err
		}
		if err := w.Append(kv.Key, kv.Value); err != nil {
			w.Close()
			return 0, err
		}
	}
	n := w.Count()
	return n, w.Close()
}

func removeMerged(runs []Run) {
	for _, run := range runs {
		if run.merged {
			os.Remove(run.Path)
		}
	}
}

func (m *merger) Len() int {
	return len(m.h)
}

func (m *merger) headKey() string {
	return m.h[0].key
}

func (m *merger) pop() (KV, error) {
	top := m.h[0]
	kv := KV{Key: top.key, Value: top.value}
	ok, err := top.advance()
	if err != nil {
		return KV{}, err
	}
	if ok {
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
		top.r.Close()
	}
	return kv, nil
}

func (m *merger) Close() error {
	var first error
	for _, c := range m.h {
		if err := c.r.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.h = nil
	return first
}

// ValueIterator yields the values of one key group, in merge order.
type ValueIterator struct {
	m    *merger
	key  string
	read int64
	done bool
}

// Next returns the next value of the group, or io.EOF at the end of it.
func (it *ValueIterator) Next() ([]byte, error) {
	if it.done {
		return nil, io.EOF
	}
	if it.m.Len() == 0 || it.m.headKey() != it.key {
		it.done = true
		return nil, io.EOF
	}
	kv, err := it.m.pop()
	if err != nil {
		return nil, err
	}
	it.read++
	return kv.Value, nil
}

func (it *ValueIterator) drain() error {
	for {
		_, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
