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

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/graphdb/common/columnstore"
	"github.com/cubefs/graphdb/entity"
	"github.com/cubefs/graphdb/index"
	"github.com/cubefs/graphdb/query"
	"github.com/cubefs/graphdb/relation"
	"github.com/cubefs/graphdb/schema"
	"github.com/cubefs/graphdb/util"
	"github.com/cubefs/graphdb/util/limiter"
)

type Config struct {
	StoreConfig   columnstore.Config  `json:"store_config"`
	LimitConfig   limiter.LimitConfig `json:"limit_config"`
	SchemaFile    string              `json:"schema_file"`
	BucketCount   int                 `json:"bucket_count"`
	ScanPoolSize  int                 `json:"scan_pool_size"`
	TypeCacheSize int                 `json:"type_cache_size"`
}

type Server struct {
	store     *columnstore.Store
	registry  schema.Registry
	limiter   limiter.Limiter
	relations *relation.Manager
	entities  *entity.Manager
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	var (
		registry schema.Registry
		err      error
	)
	if cfg.SchemaFile != "" {
		if registry, err = schema.LoadFile(cfg.SchemaFile); err != nil {
			return nil, err
		}
	} else {
		registry = schema.NewStatic(schema.DefaultConfig())
	}

	store, err := columnstore.NewStore(ctx, &cfg.StoreConfig)
	if err != nil {
		return nil, errors.Info(err, "open store", cfg.StoreConfig.Path)
	}
	if err = store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	query.SetScanPoolSize(cfg.ScanPoolSize)

	clock := util.DefaultClock()
	lim := limiter.NewLimiter(cfg.LimitConfig)
	relations := relation.NewManager(&relation.Config{
		Store:    store,
		Registry: registry,
		Locator:  index.NewLocator(cfg.BucketCount),
		Clock:    clock,
		Limiter:  lim,
	})
	entities, err := entity.NewManager(&entity.Config{
		Store:         store,
		Registry:      registry,
		Relations:     relations,
		Clock:         clock,
		TypeCacheSize: cfg.TypeCacheSize,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	span.Infof("server opened store[%s] keyspace[%s]", cfg.StoreConfig.Path, store.Keyspace())
	return &Server{
		store:     store,
		registry:  registry,
		limiter:   lim,
		relations: relations,
		entities:  entities,
	}, nil
}

func (s *Server) Entities() *entity.Manager {
	return s.entities
}

func (s *Server) Relations() *relation.Manager {
	return s.relations
}

func (s *Server) Limiter() limiter.Limiter {
	return s.limiter
}

func (s *Server) Close() {
	s.store.Close()
}
