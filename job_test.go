package vecprep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/emptyOVO/vecprep/label"
	"github.com/emptyOVO/vecprep/metrics"
	"github.com/emptyOVO/vecprep/sampler"
	"github.com/emptyOVO/vecprep/seqfile"
	"github.com/emptyOVO/vecprep/sink"
	"github.com/emptyOVO/vecprep/vector"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInput(t *testing.T, dir string, splits ...[]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for i, keys := range splits {
		w, err := seqfile.Create(filepath.Join(dir, fmt.Sprintf("part-m-%05d", i)), seqfile.None)
		require.NoError(t, err)
		for _, key := range keys {
			v := vector.Vector{Name: key, Size: 8, Entries: []vector.Entry{{Index: 1, Value: 1}}}
			require.NoError(t, w.Append(key, vector.Marshal(v)))
		}
		require.NoError(t, w.Close())
	}
}

// readOutput returns the document names written per label, in file order.
func readOutput(t *testing.T, dir string) map[string][]string {
	t.Helper()
	files, err := seqfile.List(dir)
	require.NoError(t, err)
	out := map[string][]string{}
	for _, f := range files {
		r, err := seqfile.Open(f)
		require.NoError(t, err)
		for {
			k, v, err := r.Next()
			if err != nil {
				break
			}
			vec, err := vector.Unmarshal(v)
			require.NoError(t, err)
			out[k] = append(out[k], vec.Name)
		}
		r.Close()
	}
	return out
}

func testConfig(t *testing.T, input string, limit int64) JobConfig {
	return JobConfig{
		Input:            input,
		Output:           filepath.Join(t.TempDir(), "out"),
		MaxItemsPerLabel: limit,
		Reducers:         2,
		Workers:          2,
		SpillRecords:     3,
	}
}

func TestRunCapsPerLabel(t *testing.T) {
	input := filepath.Join(t.TempDir(), "in")
	writeInput(t, input, []string{
		"/spam/dev/a/1",
		"/ham/dev/a/1",
		"/spam/dev/a/2",
		"nolabel",
		"/spam/dev/a/3",
	})

	cfg := testConfig(t, input, 2)
	sum, err := Run(context.Background(), cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string][]string{
		"spam": {"/spam/dev/a/1", "/spam/dev/a/2"},
		"ham":  {"/ham/dev/a/1"},
	}, readOutput(t, cfg.Output))

	assert.Equal(t, 1, sum.Splits)
	assert.Equal(t, 2, sum.Partitions)
	assert.Equal(t, int64(5), sum.Read)
	assert.Equal(t, int64(1), sum.Skipped)
	assert.Equal(t, int64(2), sum.Groups)
	assert.Equal(t, int64(3), sum.Emitted)
	assert.Equal(t, int64(1), sum.Dropped)

	_, err = os.Stat(filepath.Join(cfg.Output, sink.SuccessMarker))
	assert.NoError(t, err)
	for p := 0; p < cfg.Reducers; p++ {
		_, err := os.Stat(filepath.Join(cfg.Output, sink.PartName(p)))
		assert.NoError(t, err)
	}
}

func TestRunZeroCapEmitsNothing(t *testing.T) {
	input := filepath.Join(t.TempDir(), "in")
	writeInput(t, input, []string{"/spam/dev/a/1", "/spam/dev/a/2"})

	cfg := testConfig(t, input, 0)
	sum, err := Run(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Empty(t, readOutput(t, cfg.Output))
	assert.Equal(t, int64(1), sum.Groups)
	assert.Zero(t, sum.Emitted)
	assert.Equal(t, int64(2), sum.Dropped)
}

// manyLabels spreads n records per label over three splits.
func manyLabels(labels []string, n int) [][]string {
	splits := make([][]string, 3)
	for i := 0; i < n; i++ {
		for _, l := range labels {
			s := (i + len(l)) % 3
			splits[s] = append(splits[s], fmt.Sprintf("/%s/list/a/%d", l, i))
		}
	}
	return splits
}

// firstInArrivalOrder returns up to limit document names per label, taking
// splits in order.
func firstInArrivalOrder(splits [][]string, limit int) map[string][]string {
	want := map[string][]string{}
	d := label.Deriver{}
	for _, keys := range splits {
		for _, k := range keys {
			l, ok := d.Derive(k)
			if ok && len(want[l]) < limit {
				want[l] = append(want[l], k)
			}
		}
	}
	return want
}

func TestRunKeepsArrivalPrefixAcrossSplits(t *testing.T) {
	labels := []string{"spam", "ham", "eggs", "lucene", "cocoon", "tika", "nutch"}
	splits := manyLabels(labels, 9)
	input := filepath.Join(t.TempDir(), "in")
	writeInput(t, input, splits...)

	for _, limit := range []int{0, 1, 4, 9, 20} {
		t.Run(fmt.Sprint(limit), func(t *testing.T) {
			cfg := testConfig(t, input, int64(limit))
			cfg.Reducers = 3
			cfg.Workers = 4
			_, err := Run(context.Background(), cfg, nil)
			require.NoError(t, err)

			got := readOutput(t, cfg.Output)
			assert.Equal(t, firstInArrivalOrder(splits, limit), got)
		})
	}
}

func TestRunIsRepeatable(t *testing.T) {
	splits := manyLabels([]string{"spam", "ham", "eggs"}, 20)
	input := filepath.Join(t.TempDir(), "in")
	writeInput(t, input, splits...)

	cfg := testConfig(t, input, 7)
	_, err := Run(context.Background(), cfg, nil)
	require.NoError(t, err)
	first := readOutput(t, cfg.Output)

	cfg.Overwrite = true
	cfg.Workers = 1
	_, err = Run(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, first, readOutput(t, cfg.Output))
}

func TestRunOverGRPCShuffle(t *testing.T) {
	splits := manyLabels([]string{"spam", "ham", "eggs", "tika"}, 12)
	input := filepath.Join(t.TempDir(), "in")
	writeInput(t, input, splits...)

	local := testConfig(t, input, 5)
	_, err := Run(context.Background(), local, nil)
	require.NoError(t, err)

	remote := testConfig(t, input, 5)
	remote.Transport = TransportGRPC
	remote.Compression = "zstd"
	sum, err := Run(context.Background(), remote, nil)
	require.NoError(t, err)

	assert.Equal(t, readOutput(t, local.Output), readOutput(t, remote.Output))
	assert.Equal(t, int64(20), sum.Emitted)
}

func TestRunOverwrite(t *testing.T) {
	input := filepath.Join(t.TempDir(), "in")
	writeInput(t, input, []string{"/spam/dev/a/1"})

	cfg := testConfig(t, input, 1)
	require.NoError(t, os.MkdirAll(cfg.Output, 0o755))
	stale := filepath.Join(cfg.Output, "part-r-00099")
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0o644))

	_, err := Run(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.FileExists(t, stale)

	cfg.Overwrite = true
	_, err = Run(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.Equal(t, map[string][]string{"spam": {"/spam/dev/a/1"}}, readOutput(t, cfg.Output))
}

func TestRunRejectsNegativeCapBeforeWork(t *testing.T) {
	input := filepath.Join(t.TempDir(), "in")
	writeInput(t, input, []string{"/spam/dev/a/1"})

	cfg := testConfig(t, input, -1)
	_, err := Run(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, sampler.ErrInvalidCap)
	assert.NoDirExists(t, cfg.Output)
}

func TestRunNoInput(t *testing.T) {
	input := t.TempDir()
	cfg := testConfig(t, input, 1)
	_, err := Run(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "no input files")

	cfg.Input = filepath.Join(input, "missing")
	_, err = Run(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestRunUseListName(t *testing.T) {
	input := filepath.Join(t.TempDir(), "in")
	writeInput(t, input, []string{
		"/lucene.apache.org/java-user/a/1",
		"/lucene.apache.org/java-dev/a/1",
		"/lucene.apache.org/java-user/a/2",
	})

	cfg := testConfig(t, input, 10)
	cfg.UseListName = true
	_, err := Run(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"lucene_apache_org_java_user": {"/lucene.apache.org/java-user/a/1", "/lucene.apache.org/java-user/a/2"},
		"lucene_apache_org_java_dev":  {"/lucene.apache.org/java-dev/a/1"},
	}, readOutput(t, cfg.Output))
}

func TestRunCanceled(t *testing.T) {
	input := filepath.Join(t.TempDir(), "in")
	writeInput(t, input, []string{"/spam/dev/a/1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := testConfig(t, input, 1)
	_, err := Run(ctx, cfg, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunRecordsMetrics(t *testing.T) {
	input := filepath.Join(t.TempDir(), "in")
	writeInput(t, input, []string{"/spam/dev/a/1", "/spam/dev/a/2", "/spam/dev/a/3", "x"})

	m := metrics.New(prometheus.NewRegistry())
	_, err := Run(context.Background(), testConfig(t, input, 1), m)
	require.NoError(t, err)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.MapRecords))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MapSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReduceGroups))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReduceEmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReduceDropped))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.JobRunning))
}

func TestRunInRAMFallsBackToDisk(t *testing.T) {
	old := shmDir
	shmDir = filepath.Join(t.TempDir(), "no-shm")
	defer func() { shmDir = old }()

	input := filepath.Join(t.TempDir(), "in")
	writeInput(t, input, []string{"/spam/dev/a/1"})
	cfg := testConfig(t, input, 1)
	cfg.InRAM = true
	_, err := Run(context.Background(), cfg, nil)
	require.NoError(t, err)

	// intermediate runs are removed with their directory
	entries, err := os.ReadDir(filepath.Dir(cfg.Output))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out", entries[0].Name())
}

func TestRunSyntheticInput(t *testing.T) {
	input := filepath.Join(t.TempDir(), "in")
	n, err := PrepareSyntheticInput(context.Background(), input, PrepareConfig{
		Docs: 500, Projects: 4, Lists: 2, Dim: 50, NNZ: 5, Seed: 7, Files: 3,
		Compression: seqfile.Zstd,
	})
	require.NoError(t, err)
	require.Equal(t, int64(500), n)

	cfg := testConfig(t, input, 40)
	cfg.SpillRecords = 64
	sum, err := Run(context.Background(), cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(500), sum.Read)
	assert.Zero(t, sum.Skipped)
	assert.Equal(t, int64(4), sum.Groups)
	assert.Equal(t, sum.Read, sum.Emitted+sum.Dropped)
	for l, docs := range readOutput(t, cfg.Output) {
		assert.LessOrEqual(t, len(docs), 40, l)
	}
}
