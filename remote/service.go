// Package remote carries the rssync peer operations over gRPC.
//
// Messages are the CBOR structs of the wire package,
// so the service is described by hand rather than generated from protobuf.
// A Server exposes a local Source or Sink;
// a Client is a Source and a Sink backed by a remote Server.
package remote

import (
	"context"

	"google.golang.org/grpc"

	"github.com/bobg/rssync/wire"
)

// ServiceName is the gRPC service name.
const ServiceName = "rssync.Peer"

// MaxMsgSize bounds any single request or response.
const MaxMsgSize = 64 << 20

// peerServer is the service's server side.
type peerServer interface {
	Files(context.Context, *wire.Empty) (*wire.FilesResponse, error)
	Have(context.Context, *wire.DigestsRequest) (*wire.HaveResponse, error)
	Blocks(context.Context, *wire.DigestsRequest) (*wire.BlocksResponse, error)
	PutBlocks(context.Context, *wire.PutBlocksRequest) (*wire.Empty, error)
	WriteFile(context.Context, *wire.WriteFileRequest) (*wire.Empty, error)
	Remove(context.Context, *wire.RemoveRequest) (*wire.Empty, error)
	Commit(context.Context, *wire.Empty) (*wire.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*peerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Files", peerServer.Files),
		unary("Have", peerServer.Have),
		unary("Blocks", peerServer.Blocks),
		unary("PutBlocks", peerServer.PutBlocks),
		unary("WriteFile", peerServer.WriteFile),
		unary("Remove", peerServer.Remove),
		unary("Commit", peerServer.Commit),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rssync",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds the descriptor of one method,
// in the shape protoc-gen-go-grpc would generate.
func unary[Req, Resp any](name string, call func(peerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(peerServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Register adds srv to a gRPC server.
func Register(s *grpc.Server, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

// ServerOptions are the options a gRPC server for rssync needs.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMsgSize),
		grpc.MaxSendMsgSize(MaxMsgSize),
	}
}

// DialOptions are the options a gRPC client for rssync needs.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(MaxMsgSize),
			grpc.MaxCallSendMsgSize(MaxMsgSize),
		),
	}
}
