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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cubefs/graphdb/common/columnstore"
	"github.com/cubefs/graphdb/common/kvstore"
	"github.com/cubefs/graphdb/proto"
	"github.com/cubefs/graphdb/util"
)

func newTestServer(t *testing.T) (*Server, func()) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	s, err := NewServer(context.TODO(), &Config{
		StoreConfig: columnstore.Config{Path: path, KVType: kvstore.MemoryKVType},
		BucketCount: 8,
	})
	require.NoError(t, err)
	return s, func() {
		s.Close()
		os.RemoveAll(path)
	}
}

func TestServer(t *testing.T) {
	s, clean := newTestServer(t)
	defer clean()
	ctx := context.TODO()

	app, err := s.Entities().Create(ctx, proto.EntityRef{}, "application", map[string]proto.Value{"name": proto.String("app")})
	require.NoError(t, err)
	user, err := s.Entities().Create(ctx, app.Ref(), "user", map[string]proto.Value{"username": proto.String("alice")})
	require.NoError(t, err)
	ok, err := s.Relations().IsCollectionMember(ctx, app.Ref(), "users", user.Ref())
	require.NoError(t, err)
	require.True(t, ok)

	rs := NewRPCServer(s)
	resp, err := rs.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestHttpServer(t *testing.T) {
	s, clean := newTestServer(t)
	defer clean()

	h := NewHttpServer(s)
	ts := httptest.NewServer(h.newHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ret := &StatsRet{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(ret))
	require.Equal(t, s.store.Keyspace(), ret.Keyspace)

	resp, err = http.Post(ts.URL+"/limit", "application/json", strings.NewReader(`{"repair_edges_per_sec":100}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 100, s.Limiter().GetConfig().RepairEdgesPerSec)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "graphdb_")
}
