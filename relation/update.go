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

package relation

import (
	"context"
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/retry"
	"golang.org/x/sync/errgroup"

	"github.com/cubefs/graphdb/common/columnstore"
	"github.com/cubefs/graphdb/index"
	"github.com/cubefs/graphdb/metrics"
	"github.com/cubefs/graphdb/proto"
)

const (
	acquireRepairTimes   = 20
	acquireRepairDelayMs = 10
)

// relations of one entity, read concurrently
type relations struct {
	containers []proto.ContainerRef
	connecting []proto.ConnectionRef
	connected  []proto.ConnectionRef
}

func (m *Manager) readRelations(ctx context.Context, entity proto.EntityRef, outgoing bool) (*relations, error) {
	r := &relations{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		r.containers, err = m.GetContainers(gctx, entity)
		return
	})
	g.Go(func() (err error) {
		r.connecting, err = m.GetConnectingRefs(gctx, entity, "", "")
		return
	})
	if outgoing {
		g.Go(func() (err error) {
			r.connected, err = m.GetConnectedRefs(gctx, entity, nil, "", "")
			return
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return r, nil
}

// UpdatePropertyIndexes starts the ledger update of one property and applies
// it to every collection holding the entity and, by backward repair, to
// every connection index where the entity is the connected side. All writes
// go to mut.
func (m *Manager) UpdatePropertyIndexes(ctx context.Context, mut *columnstore.Mutation, args index.UpdateArgs) (*index.Update, error) {
	span := trace.SpanFromContextSafe(ctx)
	u, err := m.engine.StartUpdate(ctx, mut, args)
	if err != nil {
		return nil, err
	}
	if u.IsEmpty() {
		return u, nil
	}

	r, err := m.readRelations(ctx, args.Entity, false)
	if err != nil {
		return nil, err
	}
	for _, c := range r.containers {
		m.applyUpdate(mut, index.CollectionContext(c.Owner.ID, c.Collection), args.Entity.ID, u)
	}
	if err = m.repairBackward(ctx, mut, u, r.connecting); err != nil {
		return nil, err
	}
	span.Debugf("update indexes of entity[%s] property[%s] containers[%d] edges[%d]",
		args.Entity, u.Property(), len(r.containers), len(r.connecting))
	return u, nil
}

// repairBackward applies an update of the connected entity to the index
// variants of every edge pointing at it. Repairs are throttled by the
// limiter: concurrent passes are bounded and edges are rate limited.
func (m *Manager) repairBackward(ctx context.Context, mut *columnstore.Mutation, u *index.Update, edges []proto.ConnectionRef) error {
	if len(edges) == 0 {
		return nil
	}
	span := trace.SpanFromContextSafe(ctx)
	if err := retry.Timed(acquireRepairTimes, acquireRepairDelayMs).On(m.limiter.AcquireRepair); err != nil {
		metrics.RepairEdges.WithLabelValues("throttled").Add(float64(len(edges)))
		span.Warnf("repair of entity[%s] throttled, %d edges left behind: %v", u.Entity(), len(edges), err)
		return errors.Info(err, "acquire repair", u.Entity().String())
	}
	defer m.limiter.ReleaseRepair()

	if err := m.limiter.WaitRepair(ctx, len(edges)); err != nil {
		metrics.RepairEdges.WithLabelValues("error").Add(float64(len(edges)))
		return errors.Info(err, "wait repair", u.Entity().String())
	}
	for _, c := range edges {
		for _, ictx := range m.connectionContexts(c) {
			m.applyUpdate(mut, ictx, u.Entity().ID, u)
		}
	}
	metrics.RepairEdges.WithLabelValues("ok").Add(float64(len(edges)))
	span.Debugf("repaired %d edges of entity[%s] property[%s]", len(edges), u.Entity(), u.Property())
	return nil
}

// IndexNewEntity writes the ledger of a brand new entity and adds it to its
// containers, all within mut. Unindexed properties are skipped.
func (m *Manager) IndexNewEntity(ctx context.Context, mut *columnstore.Mutation, entity proto.EntityRef,
	properties map[string]proto.Value, containers []proto.ContainerRef,
) error {
	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	var entries []index.Entry
	for _, name := range names {
		if !m.registry.IsPropertyIndexed(entity.Type, name) {
			continue
		}
		u, err := m.engine.StartUpdate(ctx, mut, index.UpdateArgs{
			Entity:      entity,
			Property:    name,
			Value:       properties[name],
			MultiValued: m.registry.IsPropertyMultiValued(entity.Type, name),
			SkipRead:    true,
		})
		if err != nil {
			return err
		}
		entries = append(entries, u.Next()...)
	}
	for _, c := range containers {
		m.addToCollection(mut, c.Owner, c.Collection, entity, entries)
	}
	trace.SpanFromContextSafe(ctx).Debugf("index new entity[%s] entries[%d] containers[%d]", entity, len(entries), len(containers))
	return nil
}

// DeleteEntityRelations retracts the ledger of an entity, its memberships
// and every edge in both directions, all within mut. Outgoing edges include
// those of every pair chain the entity connects through. Chains that only
// pass through the entity as a hop are left to their connecting entity.
func (m *Manager) DeleteEntityRelations(ctx context.Context, mut *columnstore.Mutation, entity proto.EntityRef) error {
	span := trace.SpanFromContextSafe(ctx)
	var (
		r       *relations
		entries []index.Entry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		r, err = m.readRelations(gctx, entity, true)
		return
	})
	g.Go(func() (err error) {
		entries, err = m.engine.ReadAllEntries(gctx, entity.ID)
		return
	})
	if err := g.Wait(); err != nil {
		return err
	}
	paired, err := m.readPairedEdges(ctx, mut, entity)
	if err != nil {
		return err
	}
	r.connected = append(r.connected, paired...)

	for _, c := range r.containers {
		m.removeFromCollection(mut, c.Owner, c.Collection, entity, entries)
	}
	// incoming edges index the entity itself
	for _, c := range r.connecting {
		if err := m.deleteConnection(ctx, mut, c, entries, true, false); err != nil {
			return err
		}
	}
	// outgoing edges index the other side
	for _, c := range r.connected {
		connected, err := m.engine.ReadAllEntries(ctx, c.Connected.ID)
		if err != nil {
			return err
		}
		if err = m.deleteConnection(ctx, mut, c, connected, false, true); err != nil {
			return err
		}
	}
	for _, dict := range []string{dictConnectedTypes, dictConnectingTypes} {
		types, err := m.readDictionary(ctx, entity.ID, dict)
		if err != nil {
			return err
		}
		for _, col := range types {
			mut.Delete(columnstore.FamilyCompositeDictionaries, dictionaryRow(entity.ID, dict), col.Name)
		}
	}
	m.engine.DeleteLedger(mut, entity.ID, entries)
	span.Debugf("delete relations of entity[%s] containers[%d] incoming[%d] outgoing[%d] entries[%d]",
		entity, len(r.containers), len(r.connecting), len(r.connected), len(entries))
	return nil
}

// readPairedEdges lists the outgoing edges of every pair chain of entity and
// retracts the chain markers and the type dictionaries of their owners.
func (m *Manager) readPairedEdges(ctx context.Context, mut *columnstore.Mutation, entity proto.EntityRef) ([]proto.ConnectionRef, error) {
	chains, err := m.readDictionary(ctx, entity.ID, dictPairedChains)
	if err != nil {
		return nil, err
	}
	var ret []proto.ConnectionRef
	for _, col := range chains {
		mut.Delete(columnstore.FamilyCompositeDictionaries, dictionaryRow(entity.ID, dictPairedChains), col.Name)
		paired, err := decodePaired(col.Name)
		if err != nil || len(paired) == 0 {
			trace.SpanFromContextSafe(ctx).Warnf("skip corrupt pair chain of entity[%s]: %v", entity, err)
			continue
		}
		edges, err := m.GetConnectedRefs(ctx, entity, paired, "", "")
		if err != nil {
			return nil, err
		}
		ret = append(ret, edges...)

		owner := proto.PairedOwner(entity.ID, paired)
		types, err := m.readDictionary(ctx, owner, dictConnectedTypes)
		if err != nil {
			return nil, err
		}
		for _, t := range types {
			mut.Delete(columnstore.FamilyCompositeDictionaries, dictionaryRow(owner, dictConnectedTypes), t.Name)
		}
	}
	return ret, nil
}
