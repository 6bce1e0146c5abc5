package vecprep

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/emptyOVO/vecprep/seqfile"
	"github.com/emptyOVO/vecprep/vector"
	log "github.com/sirupsen/logrus"
)

// PrepareConfig configures synthetic mail-archive input generation.
type PrepareConfig struct {
	Docs        int64
	Projects    int
	Lists       int
	Dim         int
	NNZ         int
	Seed        int64
	Files       int
	Compression seqfile.Compression
}

func (c *PrepareConfig) withDefaults() {
	if c.Docs <= 0 {
		c.Docs = 10000
	}
	if c.Projects <= 0 {
		c.Projects = 8
	}
	if c.Lists <= 0 {
		c.Lists = 2
	}
	if c.Dim <= 0 {
		c.Dim = 1000
	}
	if c.NNZ <= 0 {
		c.NNZ = 20
	}
	if c.NNZ > c.Dim {
		c.NNZ = c.Dim
	}
	if c.Files <= 0 {
		c.Files = 4
	}
}

// DocKey returns the document key of message msg in list l of project p.
func DocKey(p, l int, msg int64) string {
	return fmt.Sprintf("/proj-%02d.apache.org/list-%d.dev/2026%02d.mbox/<%d@mail>", p, l, msg%12+1, msg)
}

// PrepareSyntheticInput writes cfg.Docs vectorized messages into dir as
// cfg.Files sequence files. Project and list sizes are skewed so some
// labels exceed typical caps and others do not. It returns the number of
// records written.
func PrepareSyntheticInput(ctx context.Context, dir string, cfg PrepareConfig) (int64, error) {
	cfg.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	rnd := rand.New(rand.NewSource(cfg.Seed))

	writers := make([]*seqfile.Writer, cfg.Files)
	for i := range writers {
		w, err := seqfile.Create(filepath.Join(dir, fmt.Sprintf("part-m-%05d", i)), cfg.Compression)
		if err != nil {
			closeAll(writers)
			return 0, err
		}
		writers[i] = w
	}

	var written int64
	for msg := int64(0); msg < cfg.Docs; msg++ {
		if msg%10000 == 0 {
			if err := ctx.Err(); err != nil {
				closeAll(writers)
				return written, err
			}
		}
		// project p gets weight p+1
		p := skewed(rnd, cfg.Projects)
		l := rnd.Intn(cfg.Lists)
		key := DocKey(p, l, msg)
		v := vector.Vector{Name: key, Size: cfg.Dim, Entries: randomEntries(rnd, cfg.Dim, cfg.NNZ)}
		if err := writers[msg%int64(cfg.Files)].Append(key, vector.Marshal(v)); err != nil {
			closeAll(writers)
			return written, err
		}
		written++
	}

	for _, w := range writers {
		if err := w.Close(); err != nil {
			return written, err
		}
	}
	log.WithFields(log.Fields{"dir": dir, "records": written, "files": cfg.Files}).Info("[Job] synthetic input ready")
	return written, nil
}

func skewed(rnd *rand.Rand, n int) int {
	total := n * (n + 1) / 2
	x := rnd.Intn(total)
	for p := 0; p < n; p++ {
		x -= p + 1
		if x < 0 {
			return p
		}
	}
	return n - 1
}

func randomEntries(rnd *rand.Rand, dim, nnz int) []vector.Entry {
	idx := rnd.Perm(dim)[:nnz]
	sort.Ints(idx)
	entries := make([]vector.Entry, nnz)
	for i, j := range idx {
		entries[i] = vector.Entry{Index: j, Value: rnd.Float64()}
	}
	return entries
}

func closeAll(writers []*seqfile.Writer) {
	for _, w := range writers {
		if w != nil {
			w.Close()
		}
	}
}
