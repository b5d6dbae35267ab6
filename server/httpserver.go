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
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubefs/graphdb/common/kvstore"
	"github.com/cubefs/graphdb/metrics"
	"github.com/cubefs/graphdb/util/limiter"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

type StatsRet struct {
	Keyspace string         `json:"keyspace"`
	Store    kvstore.Stats  `json:"store"`
	Limiter  limiter.Status `json:"limiter"`
}

type LimitArgs struct {
	RepairConcurrency *uint32 `json:"repair_concurrency"`
	RepairEdgesPerSec *int    `json:"repair_edges_per_sec"`
	ScanColumnsPerSec *int    `json:"scan_columns_per_sec"`
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	r := rpc.New()
	r.Handle(http.MethodGet, "/stats", h.Stats, rpc.OptArgsQuery())
	r.Handle(http.MethodPost, "/limit", h.Limit, rpc.OptArgsBody())
	r.Handle(http.MethodGet, "/metrics", h.Metrics)
	return r
}

func (h *HttpServer) Stats(c *rpc.Context) {
	ctx := c.Request.Context()
	stats, err := h.store.Stats(ctx)
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(&StatsRet{
		Keyspace: h.store.Keyspace(),
		Store:    stats,
		Limiter:  h.limiter.Status(),
	})
}

// Limit adjusts the repair and scan throttles at runtime.
func (h *HttpServer) Limit(c *rpc.Context) {
	args := new(LimitArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if args.RepairConcurrency != nil {
		h.limiter.SetRepairConcurrency(*args.RepairConcurrency)
	}
	if args.RepairEdgesPerSec != nil {
		h.limiter.SetRepairRate(*args.RepairEdgesPerSec)
	}
	if args.ScanColumnsPerSec != nil {
		h.limiter.SetScanRate(*args.ScanColumnsPerSec)
	}
	log.Infof("limit config changed to %+v", h.limiter.GetConfig())
	c.RespondJSON(h.limiter.GetConfig())
}

func (h *HttpServer) Metrics(c *rpc.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}
