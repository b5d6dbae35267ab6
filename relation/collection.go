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
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/graphdb/common/columnstore"
	"github.com/cubefs/graphdb/common/composite"
	apierrors "github.com/cubefs/graphdb/errors"
	"github.com/cubefs/graphdb/index"
	"github.com/cubefs/graphdb/proto"
)

func checkRef(ref proto.EntityRef) error {
	if ref.IsZero() || ref.Type == "" {
		return fmt.Errorf("%w: incomplete entity reference %s", apierrors.ErrInvalidValue, ref)
	}
	return nil
}

// AddToCollection makes member part of the named collection of owner and
// indexes every ledger entry of member in it.
func (m *Manager) AddToCollection(ctx context.Context, owner proto.EntityRef, collection string, member proto.EntityRef) error {
	span := trace.SpanFromContextSafe(ctx)
	if err := checkRef(owner); err != nil {
		return err
	}
	if err := checkRef(member); err != nil {
		return err
	}
	entries, err := m.engine.ReadAllEntries(ctx, member.ID)
	if err != nil {
		return err
	}

	mut := m.store.NewMutation(m.clock.Now())
	m.addToCollection(mut, owner, collection, member, entries)
	if err = m.execute(ctx, mut); err != nil {
		return errors.Info(err, "add to collection", owner.String(), collection, member.String())
	}
	span.Debugf("add entity[%s] to collection[%s] of [%s], entries[%d]", member, collection, owner, len(entries))
	return nil
}

func (m *Manager) addToCollection(mut *columnstore.Mutation, owner proto.EntityRef, collection string, member proto.EntityRef, entries []index.Entry) {
	ictx := index.CollectionContext(owner.ID, collection)
	m.addMember(mut, ictx, member.ID, entries)
	mut.Insert(columnstore.FamilyCompositeDictionaries, dictionaryRow(member.ID, dictContainers), containerColumn(owner, collection), nil)
}

// RemoveFromCollection drops the membership and every index entry of member
// from the collection.
func (m *Manager) RemoveFromCollection(ctx context.Context, owner proto.EntityRef, collection string, member proto.EntityRef) error {
	entries, err := m.engine.ReadAllEntries(ctx, member.ID)
	if err != nil {
		return err
	}
	mut := m.store.NewMutation(m.clock.Now())
	m.removeFromCollection(mut, owner, collection, member, entries)
	if err = m.execute(ctx, mut); err != nil {
		return errors.Info(err, "remove from collection", owner.String(), collection, member.String())
	}
	trace.SpanFromContextSafe(ctx).Debugf("remove entity[%s] from collection[%s] of [%s]", member, collection, owner)
	return nil
}

func (m *Manager) removeFromCollection(mut *columnstore.Mutation, owner proto.EntityRef, collection string, member proto.EntityRef, entries []index.Entry) {
	ictx := index.CollectionContext(owner.ID, collection)
	m.removeMember(mut, ictx, member.ID, entries)
	mut.Delete(columnstore.FamilyCompositeDictionaries, dictionaryRow(member.ID, dictContainers), containerColumn(owner, collection))
}

func (m *Manager) IsCollectionMember(ctx context.Context, owner proto.EntityRef, collection string, member proto.EntityRef) (bool, error) {
	ictx := index.CollectionContext(owner.ID, collection)
	col, err := m.store.GetColumn(ctx, columnstore.FamilyIDSets, ictx.IDSetRow(m.bucket(ictx, member.ID)), ictx.MemberColumn(member.ID))
	if err != nil {
		return false, errors.Info(err, "check membership", owner.String(), collection, member.String())
	}
	return col != nil, nil
}

// GetContainers lists the collections holding member.
func (m *Manager) GetContainers(ctx context.Context, member proto.EntityRef) ([]proto.ContainerRef, error) {
	cols, err := m.readDictionary(ctx, member.ID, dictContainers)
	if err != nil {
		return nil, err
	}
	ret := make([]proto.ContainerRef, 0, len(cols))
	for _, col := range cols {
		c, err := decodeContainerColumn(col.Name)
		if err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("skip corrupt container of entity[%s]: %v", member, err)
			continue
		}
		ret = append(ret, c)
	}
	return ret, nil
}

// GetCollectionIndexes lists the property paths ever indexed in the
// collection.
func (m *Manager) GetCollectionIndexes(ctx context.Context, owner proto.EntityRef, collection string) ([]string, error) {
	ictx := index.CollectionContext(owner.ID, collection)
	cols, err := m.store.GetRow(ctx, columnstore.FamilyDictionaries, ictx.DictionaryRow())
	if err != nil {
		return nil, errors.Info(err, "read collection indexes", owner.String(), collection)
	}
	ret := make([]string, 0, len(cols))
	for _, col := range cols {
		c, _, err := composite.DecodeOne(col.Name)
		if err != nil || c.Type != composite.TypeString {
			continue
		}
		ret = append(ret, c.Str)
	}
	return ret, nil
}

// SearchCollection evaluates a query over the members of a collection.
func (m *Manager) SearchCollection(ctx context.Context, owner proto.EntityRef, collection string, q *proto.Query) (*proto.Results, error) {
	entityType := ""
	if info, ok := m.registry.GetCollection(owner.Type, collection); ok {
		entityType = info.Type
	}
	ictx := index.CollectionContext(owner.ID, collection)
	return m.search(ctx, ictx, entityType, q)
}
