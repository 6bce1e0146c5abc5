// Package vecprep prepares capped per-label training sets from vectorized
// mail archives.
package vecprep

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/emptyOVO/vecprep/metrics"
	"github.com/emptyOVO/vecprep/mrapps"
	"github.com/emptyOVO/vecprep/seqfile"
	"github.com/emptyOVO/vecprep/shuffle"
	"github.com/emptyOVO/vecprep/sink"
	"github.com/emptyOVO/vecprep/worker"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Summary reports what a job did.
type Summary struct {
	Splits     int
	Partitions int
	// Read counts input records; Skipped those without a derivable label.
	Read    int64
	Skipped int64
	Groups  int64
	Emitted int64
	// Dropped counts records past the per-label cap.
	Dropped int64

	MapDuration    time.Duration
	ReduceDuration time.Duration
	TotalDuration  time.Duration
}

// Run prepares the label set described by cfg: every input record is
// labelled from its document key, grouped by label, and at most
// MaxItemsPerLabel records per label are written to the output. m may be
// nil.
func Run(ctx context.Context, cfg JobConfig, m *metrics.Metrics) (Summary, error) {
	start := time.Now()
	var sum Summary

	cfg.WithDefaults()
	if err := ValidateJobConfig(cfg); err != nil {
		return sum, err
	}
	compression, err := seqfile.ParseCompression(cfg.Compression)
	if err != nil {
		return sum, err
	}
	app, err := mrapps.NewPrepEmail(cfg.MaxItemsPerLabel, cfg.UseListName)
	if err != nil {
		return sum, err
	}

	if err := prepareOutput(cfg.Output, cfg.Overwrite); err != nil {
		return sum, err
	}
	splits, err := seqfile.List(cfg.Input)
	if err != nil {
		return sum, fmt.Errorf("list input: %w", err)
	}
	if len(splits) == 0 {
		return sum, fmt.Errorf("no input files under %s", cfg.Input)
	}
	sum.Splits = len(splits)
	sum.Partitions = cfg.Reducers

	dir, err := intermediateDir(cfg.Output, cfg.InRAM)
	if err != nil {
		return sum, fmt.Errorf("create intermediate dir: %w", err)
	}
	defer os.RemoveAll(dir)

	m.SetRunning(true)
	defer m.SetRunning(false)

	logger := log.WithFields(log.Fields{
		"input":     cfg.Input,
		"output":    cfg.Output,
		"cap":       cfg.MaxItemsPerLabel,
		"reducers":  cfg.Reducers,
		"workers":   cfg.Workers,
		"transport": cfg.Transport,
	})
	logger.Info("[Job] Start")

	onGroup := func(key string, read, emitted int64) {
		m.ObserveGroup(read, emitted)
		log.WithFields(log.Fields{"label": key, "read": read, "emitted": emitted}).Trace("[Job] label done")
	}

	wcfg := worker.Config{
		NReduce:      cfg.Reducers,
		Mapf:         app.Map,
		Reducef:      app.Reduce,
		Dir:          dir,
		SpillRecords: cfg.SpillRecords,
		Compression:  compression,
		OnGroup:      onGroup,
	}

	var opener worker.RunOpener = worker.LocalOpener{}
	var workers atomic.Pointer[[]*worker.Worker]
	if cfg.Transport == TransportGRPC {
		srv := shuffle.NewServer(dir, "vecprep-job", func() bool {
			ws := workers.Load()
			return ws != nil && anyBusy(*ws)
		})
		addr, err := startShuffleServer(srv, cfg.ShuffleAddr)
		if err != nil {
			return sum, fmt.Errorf("start shuffle server: %w", err)
		}
		defer srv.Stop()
		pool, err := shuffle.NewPool(cfg.Workers)
		if err != nil {
			return sum, err
		}
		defer pool.Close()
		if _, err := pool.Health(ctx, addr.String()); err != nil {
			return sum, err
		}
		wcfg.Addr = addr.String()
		opener = pool
	}

	idle := make(chan *worker.Worker, cfg.Workers)
	ws := make([]*worker.Worker, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		wr, err := worker.New(i, wcfg)
		if err != nil {
			return sum, err
		}
		ws = append(ws, wr)
		idle <- wr
	}
	workers.Store(&ws)

	// map phase
	mapStart := time.Now()
	mapResults := make([]worker.MapResult, len(splits))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i, split := range splits {
		i, split := i, split
		g.Go(func() error {
			wr := <-idle
			defer func() { idle <- wr }()
			res, err := wr.Map(gctx, worker.MapTask{ID: i, Split: split})
			if err != nil {
				return fmt.Errorf("map task %d (%s): %w", i, split, err)
			}
			mapResults[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("[Job] Map phase failed")
		return sum, err
	}
	for _, res := range mapResults {
		sum.Read += res.Read
	}
	sum.Skipped = app.Skipped()
	m.ObserveMap(sum.Read, sum.Skipped)
	sum.MapDuration = time.Since(mapStart)
	logger.WithFields(log.Fields{
		"read":    sum.Read,
		"skipped": sum.Skipped,
		"elapsed": sum.MapDuration,
	}).Info("[Job] Map phase done")

	// runs per partition, in map task then spill order
	runs := make([][]worker.Run, cfg.Reducers)
	for _, res := range mapResults {
		for p, prs := range res.Runs {
			runs[p] = append(runs[p], prs...)
		}
	}

	// reduce phase
	reduceStart := time.Now()
	seq := &sink.SeqFileFactory{Dir: cfg.Output, Compression: compression}
	factories := sink.Factories{seq}
	export, err := openExport(ctx, cfg.Export)
	if err != nil {
		return sum, fmt.Errorf("open %s export: %w", cfg.Export.Type, err)
	}
	if export != nil {
		factories = append(factories, export)
	}
	defer factories.Close()
	if err := factories.Prepare(ctx); err != nil {
		return sum, err
	}

	reduceResults := make([]worker.ReduceResult, cfg.Reducers)
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for p := 0; p < cfg.Reducers; p++ {
		p := p
		g.Go(func() error {
			wr := <-idle
			defer func() { idle <- wr }()
			out, err := factories.Open(gctx, p)
			if err != nil {
				return fmt.Errorf("open sink for partition %d: %w", p, err)
			}
			res, err := wr.Reduce(gctx, worker.ReduceTask{Partition: p, Runs: runs[p]}, opener, out)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("reduce partition %d: %w", p, err)
			}
			reduceResults[p] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("[Job] Reduce phase failed")
		return sum, err
	}
	if err := seq.MarkSuccess(); err != nil {
		return sum, err
	}

	var reduceRead int64
	for _, res := range reduceResults {
		sum.Groups += res.Groups
		sum.Emitted += res.Emitted
		reduceRead += res.Read
	}
	sum.Dropped = reduceRead - sum.Emitted
	sum.ReduceDuration = time.Since(reduceStart)
	sum.TotalDuration = time.Since(start)

	logger.WithFields(log.Fields{
		"splits":  sum.Splits,
		"read":    sum.Read,
		"skipped": sum.Skipped,
		"labels":  sum.Groups,
		"emitted": sum.Emitted,
		"dropped": sum.Dropped,
		"elapsed": sum.TotalDuration,
	}).Info("[Job] Finish")
	return sum, nil
}

func openExport(ctx context.Context, cfg ExportConfig) (sink.Factory, error) {
	switch cfg.Type {
	case ExportMySQL:
		return sink.OpenMySQLFactory(ctx, cfg.MySQL)
	case ExportRedis:
		return sink.OpenRedisFactory(ctx, cfg.Redis)
	default:
		return nil, nil
	}
}

func anyBusy(workers []*worker.Worker) bool {
	for _, wr := range workers {
		if wr.Health() == worker.Busy {
			return true
		}
	}
	return false
}
