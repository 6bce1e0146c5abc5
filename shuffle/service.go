package shuffle

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName  = "vecprep.Shuffle"
	healthMethod = "/" + serviceName + "/Health"
	fetchMethod  = "/" + serviceName + "/Fetch"
)

type HealthRequest struct{}

type HealthReply struct {
	UUID   string `msgpack:"uuid"`
	Busy   bool   `msgpack:"busy"`
	Served int64  `msgpack:"served"`
}

// FetchRequest names a run file relative to the server's root.
type FetchRequest struct {
	Name string `msgpack:"name"`
}

type Chunk struct {
	Data []byte `msgpack:"data"`
}

// ShuffleServer is the server API of the shuffle service.
type ShuffleServer interface {
	Health(context.Context, *HealthRequest) (*HealthReply, error)
	Fetch(*FetchRequest, FetchStream) error
}

// FetchStream is the server side of a Fetch call.
type FetchStream interface {
	Send(*Chunk) error
	grpc.ServerStream
}

type fetchStream struct {
	grpc.ServerStream
}

func (s *fetchStream) Send(c *Chunk) error {
	return s.ServerStream.SendMsg(c)
}

func healthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ShuffleServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: healthMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ShuffleServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func fetchHandler(srv any, stream grpc.ServerStream) error {
	in := new(FetchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ShuffleServer).Fetch(in, &fetchStream{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ShuffleServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Health",
			Handler:    healthHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Fetch",
			Handler:       fetchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "shuffle",
}

// RegisterShuffleServer registers srv on s.
func RegisterShuffleServer(s grpc.ServiceRegistrar, srv ShuffleServer) {
	s.RegisterService(&serviceDesc, srv)
}
