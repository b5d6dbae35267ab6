// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package server

import (
	"context"
	"net"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/cubefs/graphdb/metrics"
)

const (
	reqIDKey = "x-req-id"

	// ServiceName is the health service reporting store availability.
	ServiceName = "graphdb.Store"

	defaultHealthCheckIntervalS = 10
)

type RPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	done       chan struct{}

	*Server
}

func NewRPCServer(server *Server) *RPCServer {
	rs := &RPCServer{Server: server, health: health.NewServer(), done: make(chan struct{})}
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		rs.unaryInterceptorWithTracer,
		metrics.GRPCMetrics.UnaryServerInterceptor(),
	))
	healthpb.RegisterHealthServer(s, rs.health)
	metrics.GRPCMetrics.InitializeMetrics(s)
	rs.grpcServer = s
	rs.checkHealth(context.Background())
	return rs
}

func (r *RPCServer) Serve(addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen on %s failed: %s", addr, err)
	}
	go func() {
		if err := r.grpcServer.Serve(lis); err != nil {
			log.Fatal("grpc server exits:", err)
		}
	}()
	go r.loopHealthCheck()
	log.Info("grpc server is running at:", addr)
}

func (r *RPCServer) Stop() {
	close(r.done)
	r.health.Shutdown()
	r.grpcServer.GracefulStop()
}

func (r *RPCServer) loopHealthCheck() {
	ticker := time.NewTicker(defaultHealthCheckIntervalS * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.checkHealth(context.Background())
		case <-r.done:
			return
		}
	}
}

// checkHealth reports the store as serving while its engine answers stats.
func (r *RPCServer) checkHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if _, err := r.store.Stats(ctx); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("store health check failed: %s", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	r.health.SetServingStatus("", status)
	r.health.SetServingStatus(ServiceName, status)
}

func (r *RPCServer) unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	var span trace.Span
	if md, ok := metadata.FromIncomingContext(ctx); ok && len(md[reqIDKey]) > 0 {
		span, ctx = trace.StartSpanFromContextWithTraceID(ctx, info.FullMethod, md[reqIDKey][0])
	} else {
		span, ctx = trace.StartSpanFromContext(ctx, info.FullMethod)
	}
	defer span.Finish()

	resp, err = handler(ctx, req)
	if err != nil {
		span.Warnf("call %s failed: %s", info.FullMethod, err)
	}
	return
}
