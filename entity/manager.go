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

// Package entity stores entity properties and drives the index layer on
// every create, update and delete.
package entity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cubefs/graphdb/common/columnstore"
	"github.com/cubefs/graphdb/common/composite"
	apierrors "github.com/cubefs/graphdb/errors"
	"github.com/cubefs/graphdb/index"
	"github.com/cubefs/graphdb/proto"
	"github.com/cubefs/graphdb/relation"
	"github.com/cubefs/graphdb/schema"
	"github.com/cubefs/graphdb/util"
)

const defaultTypeCacheSize = 10000

var reserved = map[string]struct{}{
	proto.PropertyUUID:     {},
	proto.PropertyType:     {},
	proto.PropertyCreated:  {},
	proto.PropertyModified: {},
}

func isReserved(name string) bool {
	_, ok := reserved[name]
	return ok
}

type Config struct {
	Store         *columnstore.Store
	Registry      schema.Registry
	Relations     *relation.Manager
	Clock         *util.Clock
	TypeCacheSize int `json:"type_cache_size"`
}

type Manager struct {
	store     *columnstore.Store
	registry  schema.Registry
	relations *relation.Manager
	clock     *util.Clock
	types     *lru.Cache[uuid.UUID, string]

	uniqueLocks [uniqueLocksNum]sync.Mutex
}

func NewManager(cfg *Config) (*Manager, error) {
	size := cfg.TypeCacheSize
	if size <= 0 {
		size = defaultTypeCacheSize
	}
	types, err := lru.New[uuid.UUID, string](size)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		store:     cfg.Store,
		registry:  cfg.Registry,
		relations: cfg.Relations,
		clock:     cfg.Clock,
		types:     types,
	}
	if m.clock == nil {
		m.clock = util.DefaultClock()
	}
	if m.relations == nil {
		m.relations = relation.NewManager(&relation.Config{Store: m.store, Registry: m.registry, Clock: m.clock})
	}
	return m, nil
}

func (m *Manager) Relations() *relation.Manager {
	return m.relations
}

func propertyRow(id uuid.UUID) []byte {
	return composite.AppendUUID(nil, id)
}

// normalize lower cases property names and drops reserved ones. Null values
// are kept only when keepNull is set, they stand for deletions.
func normalize(props map[string]proto.Value, keepNull bool) map[string]proto.Value {
	ret := make(map[string]proto.Value, len(props))
	for name, v := range props {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || isReserved(name) || (v.IsNull() && !keepNull) {
			continue
		}
		ret[name] = v
	}
	return ret
}

func sortedNames(props map[string]proto.Value) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func writeProperty(mut *columnstore.Mutation, id uuid.UUID, name string, v proto.Value) error {
	if v.IsNull() {
		mut.Delete(columnstore.FamilyProperties, propertyRow(id), []byte(name))
		return nil
	}
	data, err := encodeValue(v)
	if err != nil {
		return errors.Info(err, "encode property", name)
	}
	mut.Insert(columnstore.FamilyProperties, propertyRow(id), []byte(name), data)
	return nil
}

// Create stores a new entity. With a non zero owner the entity joins the
// default collection of its type in owner, and unique properties are
// checked within that collection.
func (m *Manager) Create(ctx context.Context, owner proto.EntityRef, entityType string, properties map[string]proto.Value) (*proto.Entity, error) {
	span := trace.SpanFromContextSafe(ctx)
	entityType = strings.ToLower(strings.TrimSpace(entityType))
	if entityType == "" {
		return nil, fmt.Errorf("%w: empty type", apierrors.ErrUnknownEntityType)
	}
	props := normalize(properties, false)
	for _, name := range m.registry.RequiredProperties(entityType) {
		if isReserved(name) {
			continue
		}
		if _, ok := props[name]; !ok {
			return nil, apierrors.NewRequiredPropertyError(entityType, name)
		}
	}

	collection := m.registry.CollectionNameForType(entityType)
	scopes := []uniqueScope{{owner: owner.ID, collection: collection}}
	var containers []proto.ContainerRef
	if !owner.IsZero() {
		containers = append(containers, proto.ContainerRef{Owner: owner, Collection: collection})
	}

	uniques := m.uniqueValues(entityType, props)
	unlock := m.lockUnique(scopes, uniques)
	defer unlock()

	ts := m.clock.Now()
	ref := proto.NewEntityRef(entityType, m.clock.TimeUUID(ts))
	if err := m.checkUnique(ctx, ref, scopes, uniques); err != nil {
		return nil, err
	}

	e := proto.NewEntity(ref)
	e.Created, e.Modified = ts/1000, ts/1000
	mut := m.store.NewMutation(ts)
	for name, v := range props {
		if err := writeProperty(mut, ref.ID, name, v); err != nil {
			return nil, err
		}
		e.Set(name, v)
	}
	if err := writeProperty(mut, ref.ID, proto.PropertyType, proto.String(entityType)); err != nil {
		return nil, err
	}
	props[proto.PropertyCreated] = proto.Int(e.Created)
	props[proto.PropertyModified] = proto.Int(e.Modified)
	for _, name := range []string{proto.PropertyCreated, proto.PropertyModified} {
		if err := writeProperty(mut, ref.ID, name, props[name]); err != nil {
			return nil, err
		}
	}
	insertUnique(mut, ref.ID, scopes, uniques)

	if err := m.relations.IndexNewEntity(ctx, mut, ref, props, containers); err != nil {
		return nil, err
	}
	if err := m.execute(ctx, mut); err != nil {
		return nil, errors.Info(err, "create entity", ref.String())
	}
	m.types.Add(ref.ID, entityType)
	span.Debugf("create entity[%s] properties[%d] containers[%d]", ref, len(props), len(containers))
	return e, nil
}

// Get returns nil when the entity does not exist.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*proto.Entity, error) {
	span := trace.SpanFromContextSafe(ctx)
	cols, err := m.store.GetRow(ctx, columnstore.FamilyProperties, propertyRow(id))
	if err != nil {
		return nil, errors.Info(err, "get entity", id.String())
	}
	if len(cols) == 0 {
		return nil, nil
	}
	e := proto.NewEntity(proto.EntityRef{ID: id})
	for _, col := range cols {
		name := string(col.Name)
		v, err := decodeValue(col.Value)
		if err != nil {
			span.Warnf("skip corrupt property[%s] of entity[%s]: %v", name, id, err)
			continue
		}
		switch name {
		case proto.PropertyType:
			e.Type = v.Str()
		case proto.PropertyCreated:
			e.Created = int64(v.Number())
		case proto.PropertyModified:
			e.Modified = int64(v.Number())
		case proto.PropertyUUID:
		default:
			e.Set(name, v)
		}
	}
	if e.Type == "" {
		span.Warnf("entity[%s] has properties but no type", id)
		return nil, nil
	}
	m.types.Add(id, e.Type)
	return e, nil
}

// GetRef resolves the type of an entity id. The zero ref is returned when
// the entity does not exist.
func (m *Manager) GetRef(ctx context.Context, id uuid.UUID) (proto.EntityRef, error) {
	if typ, ok := m.types.Get(id); ok {
		return proto.NewEntityRef(typ, id), nil
	}
	col, err := m.store.GetColumn(ctx, columnstore.FamilyProperties, propertyRow(id), []byte(proto.PropertyType))
	if err != nil {
		return proto.EntityRef{}, errors.Info(err, "get entity type", id.String())
	}
	if col == nil {
		return proto.EntityRef{}, nil
	}
	v, err := decodeValue(col.Value)
	if err != nil {
		return proto.EntityRef{}, errors.Info(err, "decode entity type", id.String())
	}
	m.types.Add(id, v.Str())
	return proto.NewEntityRef(v.Str(), id), nil
}

func (m *Manager) mustRef(ctx context.Context, id uuid.UUID) (proto.EntityRef, error) {
	ref, err := m.GetRef(ctx, id)
	if err != nil {
		return ref, err
	}
	if ref.IsZero() {
		return ref, fmt.Errorf("%w: %s", apierrors.ErrEntityNotFound, id)
	}
	return ref, nil
}

func (m *Manager) getProperty(ctx context.Context, id uuid.UUID, name string) (proto.Value, error) {
	col, err := m.store.GetColumn(ctx, columnstore.FamilyProperties, propertyRow(id), []byte(name))
	if err != nil {
		return proto.Value{}, errors.Info(err, "get property", id.String(), name)
	}
	if col == nil {
		return proto.Null(), nil
	}
	return decodeValue(col.Value)
}

// uniqueScopes lists the default collections holding the entity, or the
// ownerless scope of its type.
func (m *Manager) uniqueScopes(ctx context.Context, ref proto.EntityRef) ([]uniqueScope, error) {
	collection := m.registry.CollectionNameForType(ref.Type)
	containers, err := m.relations.GetContainers(ctx, ref)
	if err != nil {
		return nil, err
	}
	var scopes []uniqueScope
	for _, c := range containers {
		if c.Collection == collection {
			scopes = append(scopes, uniqueScope{owner: c.Owner.ID, collection: collection})
		}
	}
	if len(scopes) == 0 {
		scopes = append(scopes, uniqueScope{collection: collection})
	}
	return scopes, nil
}

// Update sets several properties at once, null values delete. The indexes
// of every collection and connection reaching the entity follow in the same
// batch.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, properties map[string]proto.Value) (*proto.Entity, error) {
	span := trace.SpanFromContextSafe(ctx)
	ref, err := m.mustRef(ctx, id)
	if err != nil {
		return nil, err
	}
	props := normalize(properties, true)
	for name, v := range props {
		if v.IsNull() && m.registry.IsPropertyRequired(ref.Type, name) {
			return nil, apierrors.NewRequiredPropertyError(ref.Type, name)
		}
	}
	scopes, err := m.uniqueScopes(ctx, ref)
	if err != nil {
		return nil, err
	}
	uniques := m.uniqueValues(ref.Type, props)
	unlock := m.lockUnique(scopes, uniques)
	defer unlock()
	if err = m.checkUnique(ctx, ref, scopes, uniques); err != nil {
		return nil, err
	}

	ts := m.clock.Now()
	mut := m.store.NewMutation(ts)
	for _, name := range sortedNames(props) {
		if !m.registry.IsPropertyUnique(ref.Type, name) {
			continue
		}
		prev, err := m.getProperty(ctx, id, name)
		if err != nil {
			return nil, err
		}
		// values folding to the same row keep their column
		if !prev.IsNull() && !index.NormalizeValue(prev).Equal(index.NormalizeValue(props[name])) {
			deleteUnique(mut, id, scopes, []uniqueValue{{property: name, value: prev}})
		}
	}
	insertUnique(mut, id, scopes, uniques)

	props[proto.PropertyModified] = proto.Int(ts / 1000)
	for _, name := range sortedNames(props) {
		v := props[name]
		if err = writeProperty(mut, id, name, v); err != nil {
			return nil, err
		}
		if _, err = m.relations.UpdatePropertyIndexes(ctx, mut, index.UpdateArgs{Entity: ref, Property: name, Value: v}); err != nil {
			return nil, err
		}
	}
	if err = m.execute(ctx, mut); err != nil {
		return nil, errors.Info(err, "update entity", ref.String())
	}
	span.Debugf("update entity[%s] properties[%d]", ref, len(props))
	return m.Get(ctx, id)
}

func (m *Manager) SetProperty(ctx context.Context, id uuid.UUID, name string, v proto.Value) error {
	_, err := m.Update(ctx, id, map[string]proto.Value{name: v})
	return err
}

// DeleteProperty fails for required properties.
func (m *Manager) DeleteProperty(ctx context.Context, id uuid.UUID, name string) error {
	_, err := m.Update(ctx, id, map[string]proto.Value{name: proto.Null()})
	return err
}

// AddToSet adds elements to a multi valued property. Only the entries of
// the added elements are indexed.
func (m *Manager) AddToSet(ctx context.Context, id uuid.UUID, name string, elems ...proto.Value) error {
	return m.updateSet(ctx, id, name, elems, false)
}

// RemoveFromSet removes elements from a multi valued property and retracts
// their entries.
func (m *Manager) RemoveFromSet(ctx context.Context, id uuid.UUID, name string, elems ...proto.Value) error {
	return m.updateSet(ctx, id, name, elems, true)
}

func (m *Manager) updateSet(ctx context.Context, id uuid.UUID, name string, elems []proto.Value, removal bool) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || isReserved(name) {
		return fmt.Errorf("%w: property[%s] is not writable", apierrors.ErrInvalidValue, name)
	}
	ref, err := m.mustRef(ctx, id)
	if err != nil {
		return err
	}
	if m.registry.IsPropertyUnique(ref.Type, name) {
		return fmt.Errorf("%w: unique property[%s] can not hold a set", apierrors.ErrInvalidValue, name)
	}
	cur, err := m.getProperty(ctx, id, name)
	if err != nil {
		return err
	}
	for _, elem := range elems {
		if removal {
			cur = cur.Without(elem)
		} else {
			cur = cur.With(elem)
		}
	}
	if cur.IsMultiValued() && cur.Len() == 0 {
		cur = proto.Null()
	}
	if cur.IsNull() && m.registry.IsPropertyRequired(ref.Type, name) {
		return apierrors.NewRequiredPropertyError(ref.Type, name)
	}

	ts := m.clock.Now()
	mut := m.store.NewMutation(ts)
	if err = writeProperty(mut, id, name, cur); err != nil {
		return err
	}
	for _, elem := range elems {
		_, err = m.relations.UpdatePropertyIndexes(ctx, mut, index.UpdateArgs{
			Entity:      ref,
			Property:    name,
			Value:       elem,
			MultiValued: true,
			Removal:     removal,
		})
		if err != nil {
			return err
		}
	}
	modified := proto.Int(ts / 1000)
	if err = writeProperty(mut, id, proto.PropertyModified, modified); err != nil {
		return err
	}
	if _, err = m.relations.UpdatePropertyIndexes(ctx, mut, index.UpdateArgs{Entity: ref, Property: proto.PropertyModified, Value: modified}); err != nil {
		return err
	}
	if err = m.execute(ctx, mut); err != nil {
		return errors.Info(err, "update set", ref.String(), name)
	}
	trace.SpanFromContextSafe(ctx).Debugf("update set property[%s] of entity[%s] elements[%d] removal[%v]", name, ref, len(elems), removal)
	return nil
}

// Delete removes an entity with its unique values, memberships, edges and
// index entries. Deleting a missing entity is a no-op.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	span := trace.SpanFromContextSafe(ctx)
	e, err := m.Get(ctx, id)
	if err != nil || e == nil {
		return err
	}
	scopes, err := m.uniqueScopes(ctx, e.Ref())
	if err != nil {
		return err
	}

	mut := m.store.NewMutation(m.clock.Now())
	if err = m.relations.DeleteEntityRelations(ctx, mut, e.Ref()); err != nil {
		return err
	}
	deleteUnique(mut, id, scopes, m.uniqueValues(e.Type, e.Properties))
	names := sortedNames(e.Properties)
	names = append(names, proto.PropertyType, proto.PropertyCreated, proto.PropertyModified)
	for _, name := range names {
		mut.Delete(columnstore.FamilyProperties, propertyRow(id), []byte(name))
	}
	if err = m.execute(ctx, mut); err != nil {
		return errors.Info(err, "delete entity", e.Ref().String())
	}
	m.types.Remove(id)
	span.Debugf("delete entity[%s]", e.Ref())
	return nil
}

// GetAlias resolves an entity of the default collection of entityType in
// owner by its alias property. The zero ref is returned when nothing
// matches.
func (m *Manager) GetAlias(ctx context.Context, owner proto.EntityRef, entityType, alias string) (proto.EntityRef, error) {
	entityType = strings.ToLower(strings.TrimSpace(entityType))
	property := m.registry.AliasProperty(entityType)
	collection := m.registry.CollectionNameForType(entityType)
	if m.registry.IsPropertyUnique(entityType, property) {
		id, err := m.lookupUnique(ctx, uniqueScope{owner: owner.ID, collection: collection}, property, proto.String(alias), uuid.Nil)
		if err != nil || id == uuid.Nil {
			return proto.EntityRef{}, err
		}
		return proto.NewEntityRef(entityType, id), nil
	}
	if owner.IsZero() {
		return proto.EntityRef{}, nil
	}
	res, err := m.relations.SearchCollection(ctx, owner, collection, &proto.Query{
		Identifiers: []proto.Identifier{proto.NameIdentifier(alias)},
		Limit:       1,
	})
	if err != nil || len(res.IDs) == 0 {
		return proto.EntityRef{}, err
	}
	return proto.NewEntityRef(entityType, res.IDs[0]), nil
}

func (m *Manager) execute(ctx context.Context, mut *columnstore.Mutation) error {
	if err := m.store.Execute(ctx, mut); err != nil {
		trace.SpanFromContextSafe(ctx).Errorf("execute mutation of %d cells failed: %v", mut.Len(), err)
		return err
	}
	return nil
}
