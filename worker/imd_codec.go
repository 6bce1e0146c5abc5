package worker

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/emptyOVO/vecprep/seqfile"
)

// Run is one sorted intermediate file for a single partition.
type Run struct {
	// Addr is the shuffle server holding the run; empty for local runs.
	Addr    string
	Path    string
	Task    int
	Spill   int
	Records int64
	// merged marks a local run written by a reduce-side merge pass.
	merged bool
}

func runName(dir, uuid string, task, partition, spill int) string {
	return filepath.Join(dir, fmt.Sprintf("imd-%v-%v-%v-%v.seq", uuid, task, partition, spill))
}

func mergeName(dir, uuid string, partition, pass, group int) string {
	return filepath.Join(dir, fmt.Sprintf("merge-%v-%v-%v-%v.seq", uuid, partition, pass, group))
}

// sortRun orders kvs by key. The sort is stable so records of one key keep
// the order the map function emitted them in.
func sortRun(kvs []KV) {
	sort.SliceStable(kvs, func(i, j int) bool {
		return kvs[i].Key < kvs[j].Key
	})
}

func writeRun(path string, kvs []KV, c seqfile.Compression) error {
	w, err := seqfile.Create(path, c)
	if err != nil {
		return err
	}
	for i := range kvs {
		if err := w.Append(kvs[i].Key, kvs[i].Value); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}
