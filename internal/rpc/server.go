package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/devrev/ringkv/internal/model"
)

const (
	serviceName   = "ringkv.KV"
	executeMethod = "/" + serviceName + "/Execute"
)

// Handler serves one KV request. Protocol outcomes, including redirects,
// are carried in the response status rather than as errors.
type Handler interface {
	Handle(ctx context.Context, req *model.KVMessage) *model.KVMessage
}

var kvServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ringkv/kv",
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(model.KVMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(Handler)
	if interceptor == nil {
		return h.Handle(ctx, in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.Handle(ctx, req.(*model.KVMessage)), nil
	})
}

// Server exposes a Handler over gRPC
type Server struct {
	grpc   *grpc.Server
	logger *zap.Logger
}

// NewServer registers handler on a new gRPC server
func NewServer(handler Handler, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{logger: logger}
	opts = append(opts, grpc.ChainUnaryInterceptor(s.recoveryInterceptor, s.loggingInterceptor))
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&kvServiceDesc, handler)
	return s
}

// Serve accepts connections on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("KV server listening", zap.String("address", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop drains in-flight requests, forcing the stop after timeout
func (s *Server) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("Graceful stop timed out, closing connections")
		s.grpc.Stop()
	}
}

func (s *Server) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if ce := s.logger.Check(zap.DebugLevel, "Request handled"); ce != nil {
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
		}
		if m, ok := req.(*model.KVMessage); ok {
			fields = append(fields, zap.String("request", string(m.Status)), zap.String("key", m.Key))
		}
		if m, ok := resp.(*model.KVMessage); ok {
			fields = append(fields, zap.String("response", string(m.Status)))
		}
		ce.Write(fields...)
	}
	return resp, err
}

func (s *Server) recoveryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered",
				zap.String("method", info.FullMethod),
				zap.Any("panic", r))
			err = status.Error(codes.Internal, fmt.Sprintf("internal error: %v", r))
		}
	}()
	return handler(ctx, req)
}
