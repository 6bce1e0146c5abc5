package shuffle

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emptyOVO/vecprep/worker"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const defaultPoolSize = 64

// Pool keeps one client connection per shuffle server address. It
// implements worker.RunOpener: runs without an address are opened from the
// local filesystem, the rest are fetched over gRPC.
type Pool struct {
	mu    sync.Mutex
	conns *lru.Cache[string, *grpc.ClientConn]
	opts  []grpc.DialOption
}

var _ worker.RunOpener = (*Pool)(nil)

// NewPool returns a pool holding at most size connections; the least
// recently used one is closed when the pool is full.
func NewPool(size int, opts ...grpc.DialOption) (*Pool, error) {
	if size <= 0 {
		size = defaultPoolSize
	}
	conns, err := lru.NewWithEvict(size, func(addr string, conn *grpc.ClientConn) {
		log.WithField("addr", addr).Trace("[Shuffle] close connection")
		_ = conn.Close()
	})
	if err != nil {
		return nil, err
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	return &Pool{conns: conns, opts: append(dialOpts, opts...)}, nil
}

func (p *Pool) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns.Get(addr); ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	p.conns.Add(addr, conn)
	return conn, nil
}

// Open returns a reader over the run's bytes.
func (p *Pool) Open(ctx context.Context, run worker.Run) (io.ReadCloser, error) {
	if run.Addr == "" {
		return os.Open(run.Path)
	}
	conn, err := p.conn(run.Addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], fetchMethod)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(&FetchRequest{Name: filepath.Base(run.Path)}); err != nil {
		cancel()
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, err
	}

	// The first receive surfaces NotFound and friends here rather than as a
	// corrupt header later.
	r := &chunkReader{stream: stream, cancel: cancel}
	if err := r.fill(); err != nil && err != io.EOF {
		cancel()
		return nil, err
	}
	return r, nil
}

// Health asks the server at addr for its state, retrying while it is
// unavailable.
func (p *Pool) Health(ctx context.Context, addr string) (*HealthReply, error) {
	const (
		maxAttempts = 40
		backoff     = 200 * time.Millisecond
	)
	conn, err := p.conn(addr)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		reply := new(HealthReply)
		err := conn.Invoke(callCtx, healthMethod, &HealthRequest{}, reply)
		cancel()
		if err == nil {
			return reply, nil
		}
		respErr, ok := status.FromError(err)
		if !ok {
			return nil, err
		}
		lastErr = fmt.Errorf("shuffle health rpc failed: %s", respErr.Message())
		if respErr.Code() != codes.Unavailable && respErr.Code() != codes.DeadlineExceeded {
			return nil, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	return p.conns.Len()
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns.Purge()
	return nil
}

type chunkReader struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	buf    []byte
	err    error
}

func (r *chunkReader) fill() error {
	for len(r.buf) == 0 && r.err == nil {
		c := new(Chunk)
		if err := r.stream.RecvMsg(c); err != nil {
			r.err = err
			break
		}
		r.buf = c.Data
	}
	if len(r.buf) > 0 {
		return nil
	}
	return r.err
}

func (r *chunkReader) Read(b []byte) (int, error) {
	if err := r.fill(); err != nil {
		return 0, err
	}
	n := copy(b, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.cancel()
	return nil
}
