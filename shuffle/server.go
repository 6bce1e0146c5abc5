package shuffle

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const chunkSize = 64 << 10

// Server serves the run files of one directory.
type Server struct {
	root   string
	uuid   string
	busy   func() bool
	served atomic.Int64

	grpcServer *grpc.Server
}

// NewServer returns a server for the files in root. busy, when non-nil,
// reports whether the owning worker is running a task.
func NewServer(root, uuid string, busy func() bool) *Server {
	s := &Server{root: root, uuid: uuid, busy: busy, grpcServer: grpc.NewServer()}
	RegisterShuffleServer(s.grpcServer, s)
	return s
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr asks for port 0.
func (s *Server) Start(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			log.WithError(err).Warn("[Shuffle] server stopped")
		}
	}()
	return lis.Addr(), nil
}

// Serve blocks serving lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.WithFields(log.Fields{"addr": lis.Addr().String(), "root": s.root}).Info("[Shuffle] serving runs")
	err := s.grpcServer.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop waits for in-flight fetches and shuts the server down.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// Served returns the number of completed fetches.
func (s *Server) Served() int64 {
	return s.served.Load()
}

func (s *Server) Health(ctx context.Context, _ *HealthRequest) (*HealthReply, error) {
	busy := false
	if s.busy != nil {
		busy = s.busy()
	}
	return &HealthReply{UUID: s.uuid, Busy: busy, Served: s.served.Load()}, nil
}

func (s *Server) Fetch(req *FetchRequest, stream FetchStream) error {
	name := req.Name
	if name == "" || name == "." || name == ".." || filepath.IsAbs(name) ||
		strings.ContainsAny(name, `/\`) {
		return status.Errorf(codes.InvalidArgument, "invalid run name %q", name)
	}
	f, err := os.Open(filepath.Join(s.root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return status.Errorf(codes.NotFound, "run %s not found", name)
	}
	if err != nil {
		return status.Errorf(codes.Internal, "open run %s: %v", name, err)
	}
	defer f.Close()

	log.WithField("run", name).Trace("[Shuffle] Start Fetch")
	for {
		// Sent messages may still be read after Send returns, so every
		// chunk gets its own buffer.
		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if n > 0 {
			if err := stream.Send(&Chunk{Data: buf[:n]}); err != nil {
				return err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return status.Errorf(codes.Internal, "read run %s: %v", name, err)
		}
	}
	s.served.Add(1)
	return nil
}
