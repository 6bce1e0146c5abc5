package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"

	"github.com/emptyOVO/vecprep/seqfile"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// State reports whether a worker is running a task.
type State int

const (
	Idle State = iota
	Busy
)

func (s State) String() string {
	if s == Busy {
		return "busy"
	}
	return "idle"
}

// Config configures a Worker.
type Config struct {
	NReduce int
	Mapf    MapFormat
	Reducef ReduceFormat
	// Dir receives intermediate runs.
	Dir string
	// Addr is advertised in runs so reducers can fetch them remotely.
	Addr string
	// SpillRecords bounds the number of buffered intermediate records.
	SpillRecords int
	// MergeFanIn bounds the number of runs a reduce task reads at once.
	MergeFanIn  int
	Compression seqfile.Compression
	// OnGroup, when set, is called after each reduced group.
	OnGroup func(key string, read, emitted int64)
}

// Output receives reduce output.
type Output interface {
	Emit(key string, value []byte) error
}

type Worker struct {
	UUID string
	ID   int
	cfg  Config
	mux  sync.Mutex
	st   State
}

// MapTask maps one input split.
type MapTask struct {
	ID    int
	Split string
}

// MapResult lists the runs a map task wrote, indexed by partition.
type MapResult struct {
	Task int
	Runs [][]Run
	Read int64
}

// ReduceTask reduces one partition. Runs must be in map task, then spill,
// order.
type ReduceTask struct {
	Partition int
	Runs      []Run
}

type ReduceResult struct {
	Partition int
	Groups    int64
	Read      int64
	Emitted   int64
}

func New(id int, cfg Config) (*Worker, error) {
	if cfg.NReduce <= 0 {
		return nil, fmt.Errorf("nReduce must be > 0")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("intermediate dir is required")
	}
	if cfg.SpillRecords <= 0 {
		cfg.SpillRecords = 100000
	}
	if cfg.MergeFanIn < 2 {
		cfg.MergeFanIn = 64
	}
	return &Worker{
		UUID: uuid.New().String(),
		ID:   id,
		cfg:  cfg,
		st:   Idle,
	}, nil
}

func reducerForKey(key string, nReduce int) int {
	if nReduce <= 0 {
		panic("nReduce must be > 0")
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()&0x7fffffff) % nReduce
}

// Map runs a map task: every record of the split goes through Mapf, and the
// intermediate output is spilled as sorted runs, one per non-empty partition.
func (wr *Worker) Map(ctx context.Context, task MapTask) (MapResult, error) {
	logger := log.WithFields(log.Fields{"worker": wr.ID, "task": task.ID})
	logger.Debugf("[Worker] Start Map %s", task.Split)
	wr.setWorkerState(Busy)
	defer wr.setWorkerState(Idle)

	res := MapResult{Task: task.ID, Runs: make([][]Run, wr.cfg.NReduce)}
	if wr.cfg.Mapf == nil {
		return res, errors.New("map function is not set")
	}

	r, err := seqfile.Open(task.Split)
	if err != nil {
		return res, err
	}
	defer r.Close()

	imdKV := make([][]KV, wr.cfg.NReduce)
	buffered := 0
	spill := 0

	flush := func() error {
		if buffered == 0 {
			return nil
		}
		logger.WithField("records", buffered).Trace("[Worker] Spill intermediate kv")
		runs, err := wr.writeRuns(ctx, imdKV, task.ID, spill)
		if err != nil {
			return err
		}
		for p, run := range runs {
			if run != nil {
				res.Runs[p] = append(res.Runs[p], *run)
			}
			imdKV[p] = imdKV[p][:0]
		}
		buffered = 0
		spill++
		return nil
	}

	mapCtx := newMrContext(func(kv KV) error {
		p := reducerForKey(kv.Key, wr.cfg.NReduce)
		imdKV[p] = append(imdKV[p], kv)
		buffered++
		if buffered >= wr.cfg.SpillRecords {
			return flush()
		}
		return nil
	})

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		key, value, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("%s: %w", task.Split, err)
		}
		res.Read++
		if err := wr.cfg.Mapf(key, value, mapCtx); err != nil {
			return res, err
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	logger.WithField("read", res.Read).Debug("[Worker] Finish Map Task")
	return res, nil
}

// writeRuns sorts and writes each non-empty partition buffer. The returned
// slice stays aligned with the partition index; nil marks an empty partition.
func (wr *Worker) writeRuns(ctx context.Context, imdKV [][]KV, task, spill int) ([]*Run, error) {
	runs := make([]*Run, len(imdKV))
	g, _ := errgroup.WithContext(ctx)
	for p, kvs := range imdKV {
		p, kvs := p, kvs
		if len(kvs) == 0 {
			continue
		}
		g.Go(func() error {
			sortRun(kvs)
			path := runName(wr.cfg.Dir, wr.UUID, task, p, spill)
			if err := writeRun(path, kvs, wr.cfg.Compression); err != nil {
				return err
			}
			runs[p] = &Run{
				Addr:    wr.cfg.Addr,
				Path:    path,
				Task:    task,
				Spill:   spill,
				Records: int64(len(kvs)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return runs, nil
}

// Reduce runs a reduce task: the partition's runs are merged and every key
// group is handed to Reducef. Errors from the runs or from out end the task.
func (wr *Worker) Reduce(ctx context.Context, task ReduceTask, opener RunOpener, out Output) (ReduceResult, error) {
	logger := log.WithFields(log.Fields{"worker": wr.ID, "partition": task.Partition})
	logger.Debugf("[Worker] Start Reduce over %d runs", len(task.Runs))
	wr.setWorkerState(Busy)
	defer wr.setWorkerState(Idle)

	res := ReduceResult{Partition: task.Partition}
	if wr.cfg.Reducef == nil {
		return res, errors.New("reduce function is not set")
	}

	runs, err := wr.premerge(ctx, task.Partition, task.Runs, opener)
	if err != nil {
		return res, err
	}
	defer removeMerged(runs)
	m, err := openMerger(ctx, runs, opener)
	if err != nil {
		return res, err
	}
	defer m.Close()

	reduceCtx := newMrContext(func(kv KV) error {
		if err := out.Emit(kv.Key, kv.Value); err != nil {
			return err
		}
		res.Emitted++
		return nil
	})

	for m.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		key := m.headKey()
		before := res.Emitted
		it := &ValueIterator{m: m, key: key}
		if err := wr.cfg.Reducef(ctx, key, it, reduceCtx); err != nil {
			return res, err
		}
		if err := it.drain(); err != nil {
			return res, err
		}
		res.Groups++
		res.Read += it.read
		if wr.cfg.OnGroup != nil {
			wr.cfg.OnGroup(key, it.read, res.Emitted-before)
		}
	}

	logger.WithFields(log.Fields{
		"groups":  res.Groups,
		"read":    res.Read,
		"emitted": res.Emitted,
	}).Debug("[Worker] End Reduce")
	return res, nil
}

// Health returns the worker's current state.
func (wr *Worker) Health() State {
	wr.mux.Lock()
	defer wr.mux.Unlock()
	return wr.st
}

func (wr *Worker) setWorkerState(state State) {
	wr.mux.Lock()
	wr.st = state
	wr.mux.Unlock()
}
