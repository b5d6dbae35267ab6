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

package entity

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cubefs/graphdb/proto"
)

const loadConcurrency = 16

// SearchCollection runs a query over a collection and loads the matching
// entities. Ids of entities deleted since they were indexed are dropped.
func (m *Manager) SearchCollection(ctx context.Context, owner proto.EntityRef, collection string, q *proto.Query) (*proto.Results, error) {
	res, err := m.relations.SearchCollection(ctx, owner, collection, q)
	if err != nil {
		return nil, err
	}
	return res, m.load(ctx, res)
}

// SearchConnections runs a query over the entities connected to source and
// loads them.
func (m *Manager) SearchConnections(ctx context.Context, source proto.EntityRef, connectionType, connectedType string, q *proto.Query) (*proto.Results, error) {
	res, err := m.relations.SearchConnections(ctx, source, nil, connectionType, connectedType, q)
	if err != nil {
		return nil, err
	}
	return res, m.load(ctx, res)
}

func (m *Manager) load(ctx context.Context, res *proto.Results) error {
	entities := make([]*proto.Entity, len(res.IDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i := range res.IDs {
		i := i
		g.Go(func() (err error) {
			entities[i], err = m.Get(gctx, res.IDs[i])
			return
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	ids := res.IDs[:0]
	res.Entities = res.Entities[:0]
	for i, e := range entities {
		if e == nil {
			continue
		}
		ids = append(ids, res.IDs[i])
		res.Entities = append(res.Entities, e)
	}
	res.IDs = ids
	return nil
}
