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

// Package relation maintains collection memberships and typed connections
// between entities together with the secondary indexes of every context an
// entity is reachable from.
package relation

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/cubefs/graphdb/common/columnstore"
	"github.com/cubefs/graphdb/common/composite"
	"github.com/cubefs/graphdb/geo"
	"github.com/cubefs/graphdb/index"
	"github.com/cubefs/graphdb/metrics"
	"github.com/cubefs/graphdb/proto"
	"github.com/cubefs/graphdb/schema"
	"github.com/cubefs/graphdb/util"
	"github.com/cubefs/graphdb/util/limiter"
)

type Config struct {
	Store    *columnstore.Store
	Registry schema.Registry
	Engine   *index.Engine
	Locator  *index.Locator
	Geo      *geo.Index
	Clock    *util.Clock
	Limiter  limiter.Limiter
}

type Manager struct {
	store    *columnstore.Store
	registry schema.Registry
	engine   *index.Engine
	locator  *index.Locator
	geo      *geo.Index
	clock    *util.Clock
	limiter  limiter.Limiter
}

func NewManager(cfg *Config) *Manager {
	m := &Manager{
		store:    cfg.Store,
		registry: cfg.Registry,
		engine:   cfg.Engine,
		locator:  cfg.Locator,
		geo:      cfg.Geo,
		clock:    cfg.Clock,
		limiter:  cfg.Limiter,
	}
	if m.clock == nil {
		m.clock = util.DefaultClock()
	}
	if m.locator == nil {
		m.locator = index.NewLocator(index.DefaultBucketCount)
	}
	if m.engine == nil {
		m.engine = index.NewEngine(m.store, m.registry, m.clock)
	}
	if m.geo == nil {
		m.geo = geo.NewIndex(m.store, m.locator, nil)
	}
	if m.limiter == nil {
		m.limiter = limiter.NewLimiter(limiter.LimitConfig{})
	}
	return m
}

func (m *Manager) Engine() *index.Engine {
	return m.engine
}

func (m *Manager) bucket(ictx index.Context, id uuid.UUID) string {
	return m.locator.Bucket(ictx.Owner, ictx.Type, id, ictx.Name)
}

// addMember writes the membership marker of id and indexes its entries in
// the context.
func (m *Manager) addMember(mut *columnstore.Mutation, ictx index.Context, id uuid.UUID, entries []index.Entry) {
	mut.Insert(columnstore.FamilyIDSets, ictx.IDSetRow(m.bucket(ictx, id)), ictx.MemberColumn(id), nil)
	m.insertEntries(mut, ictx, id, entries)
}

// removeMember is the exact inverse of addMember.
func (m *Manager) removeMember(mut *columnstore.Mutation, ictx index.Context, id uuid.UUID, entries []index.Entry) {
	mut.Delete(columnstore.FamilyIDSets, ictx.IDSetRow(m.bucket(ictx, id)), ictx.MemberColumn(id))
	m.deleteEntries(mut, ictx, id, entries)
}

func (m *Manager) insertEntries(mut *columnstore.Mutation, ictx index.Context, id uuid.UUID, entries []index.Entry) {
	if len(entries) == 0 {
		return
	}
	bucket := m.bucket(ictx, id)
	dictRow := ictx.DictionaryRow()
	paths := make(map[string]struct{})
	for _, e := range entries {
		mut.Insert(columnstore.FamilyIndex, ictx.RowKey(e.Path, bucket), ictx.Column(e, id), nil)
		if _, ok := paths[e.Path]; !ok {
			paths[e.Path] = struct{}{}
			mut.Insert(columnstore.FamilyDictionaries, dictRow, composite.AppendString(nil, e.Path), nil)
		}
		if p, ok := pointOf(e); ok {
			m.geo.StoreLocation(mut, ictx, e.Path, id, p)
		}
	}
	metrics.IndexEntries.WithLabelValues(string(ictx.Type), "insert").Add(float64(len(entries)))
}

// deleteEntries retracts index columns. Dictionary paths are left in place,
// they only list what may have been indexed.
func (m *Manager) deleteEntries(mut *columnstore.Mutation, ictx index.Context, id uuid.UUID, entries []index.Entry) {
	if len(entries) == 0 {
		return
	}
	bucket := m.bucket(ictx, id)
	for _, e := range entries {
		mut.Delete(columnstore.FamilyIndex, ictx.RowKey(e.Path, bucket), ictx.Column(e, id))
		if p, ok := pointOf(e); ok {
			m.geo.RemoveLocation(mut, ictx, e.Path, id, p)
		}
	}
	metrics.IndexEntries.WithLabelValues(string(ictx.Type), "delete").Add(float64(len(entries)))
}

// applyUpdate moves the entries of one property change within a context.
func (m *Manager) applyUpdate(mut *columnstore.Mutation, ictx index.Context, id uuid.UUID, u *index.Update) {
	m.deleteEntries(mut, ictx, id, u.Previous())
	m.insertEntries(mut, ictx, id, u.Next())
}

func pointOf(e index.Entry) (geo.Point, bool) {
	if e.Path != proto.PropertyCoordinates {
		return geo.Point{}, false
	}
	lat, lon, ok := index.ParseCoordinates(e.Value.Str())
	return geo.Point{Latitude: lat, Longitude: lon}, ok
}

func (m *Manager) execute(ctx context.Context, mut *columnstore.Mutation) error {
	if mut.IsEmpty() {
		return nil
	}
	if err := m.store.Execute(ctx, mut); err != nil {
		trace.SpanFromContextSafe(ctx).Errorf("execute mutation of %d cells failed: %v", mut.Len(), err)
		return err
	}
	return nil
}
