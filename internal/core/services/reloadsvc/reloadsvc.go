// Package reloadsvc is the tiny control plane a running monitor
// exposes on a local unix socket, so `cyt reload` can refresh the
// ignore/watch lists without restarting the process. The service has a
// single niladic method, so its messages are the well-known Empty type
// and the service descriptor is registered by hand.
package reloadsvc

import (
	"context"
	"log/slog"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/swamppop/chasingyourtail/internal/core/ports"
)

const reloadMethod = "/cyt.v1.ControlService/Reload"

// Server hosts the control service.
type Server struct {
	lists ports.ListStore
	grpc  *grpc.Server
}

// NewServer returns a control server that reloads lists on request.
func NewServer(lists ports.ListStore) *Server {
	s := &Server{lists: lists, grpc: grpc.NewServer()}
	s.grpc.RegisterService(&controlServiceDesc, s)
	return s
}

// Serve listens on the unix socket at path until ctx ends. A stale
// socket file from a dead process is removed first.
func (s *Server) Serve(ctx context.Context, path string) error {
	_ = os.Remove(path)
	lis, err := net.Listen("unix", path)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		s.grpc.GracefulStop()
		_ = os.Remove(path)
	}()

	slog.Info("control socket listening", slog.String("path", path))
	return s.grpc.Serve(lis)
}

func (s *Server) reload(ctx context.Context) (*emptypb.Empty, error) {
	if err := s.lists.Reload(ctx); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: "cyt.v1.ControlService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Reload",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(emptypb.Empty)
				if err := dec(in); err != nil {
					return nil, err
				}
				handler := func(ctx context.Context, _ interface{}) (interface{}, error) {
					return srv.(*Server).reload(ctx)
				}
				if interceptor == nil {
					return handler(ctx, in)
				}
				return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: reloadMethod}, handler)
			},
		},
	},
	Streams: []grpc.StreamDesc{},
}

// Reload dials the control socket at path and asks the running monitor
// to reload its lists.
func Reload(ctx context.Context, path string) error {
	conn, err := grpc.NewClient("unix://"+path,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Invoke(ctx, reloadMethod, &emptypb.Empty{}, &emptypb.Empty{})
}
