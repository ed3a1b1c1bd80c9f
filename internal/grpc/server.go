package grpc

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// NewServer builds the internal gRPC endpoint. Health is always served and
// stays open to probes. With a service token, reflection is served too and
// every method except health requires the token.
func NewServer(serviceToken string, readiness *Readiness) (*grpc.Server, error) {
	var opts []grpc.ServerOption
	if serviceToken != "" {
		unary, err := NewServiceAuthUnaryInterceptor(serviceToken)
		if err != nil {
			return nil, err
		}
		stream, err := NewServiceAuthStreamInterceptor(serviceToken)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.UnaryInterceptor(unary), grpc.StreamInterceptor(stream))
	}
	server := grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(server, readiness.HealthServer())
	if serviceToken != "" {
		reflection.Register(server)
	}
	return server, nil
}
