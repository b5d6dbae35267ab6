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

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	"github.com/cubefs/graphdb/common/columnstore"
	"github.com/cubefs/graphdb/common/composite"
	"github.com/cubefs/graphdb/geo"
	"github.com/cubefs/graphdb/index"
	"github.com/cubefs/graphdb/proto"
	"github.com/cubefs/graphdb/query"
)

func (m *Manager) search(ctx context.Context, ictx index.Context, entityType string, q *proto.Query) (*proto.Results, error) {
	plan, err := query.Compile(q, m.registry, entityType)
	if err != nil {
		return nil, err
	}
	return plan.Evaluate(ctx, &searchContext{m: m, ictx: ictx, entityType: entityType})
}

// searchContext binds query evaluation to the rows of one index context.
type searchContext struct {
	m          *Manager
	ictx       index.Context
	entityType string
}

func (sc *searchContext) IndexType() index.Type {
	return sc.ictx.Type
}

func (sc *searchContext) buckets() []string {
	return sc.m.locator.Buckets(sc.ictx.Owner, sc.ictx.Type, sc.ictx.Name)
}

func decodeIndexID(name []byte) (uuid.UUID, error) {
	col, err := index.DecodeIndexColumn(name)
	return col.ID, err
}

func (sc *searchContext) ScanSlice(ctx context.Context, slice *query.SliceNode, position []byte, pageSize int) (query.Scanner, error) {
	buckets := sc.buckets()
	rows := make([][]byte, len(buckets))
	for i, b := range buckets {
		rows[i] = sc.ictx.RowKey(slice.Property, b)
	}
	return sc.m.newMergeScanner(scanConfig{
		family:   columnstore.FamilyIndex,
		rows:     rows,
		start:    slice.Start,
		end:      slice.End,
		position: position,
		reversed: slice.Reversed,
		pageSize: pageSize,
		decode:   decodeIndexID,
	}), nil
}

func (sc *searchContext) ScanAll(ctx context.Context, reversed bool, position []byte, pageSize int) (query.Scanner, error) {
	buckets := sc.buckets()
	rows := make([][]byte, len(buckets))
	for i, b := range buckets {
		rows[i] = sc.ictx.IDSetRow(b)
	}
	return sc.m.newMergeScanner(scanConfig{
		family:   columnstore.FamilyIDSets,
		rows:     rows,
		position: position,
		reversed: reversed,
		pageSize: pageSize,
		decode:   index.DecodeIDSetColumn,
	}), nil
}

func (sc *searchContext) Within(ctx context.Context, property string, center geo.Point, distance float64) ([]geo.Hit, error) {
	return sc.m.geo.Within(ctx, sc.ictx, property, center, distance)
}

func (sc *searchContext) Resolve(ctx context.Context, ident proto.Identifier) (uuid.UUID, bool, error) {
	if ident.Kind == proto.IdentifierUUID {
		ok, err := sc.isMember(ctx, ident.ID)
		return ident.ID, ok, err
	}
	path := sc.m.registry.AliasProperty(sc.entityType)
	if ident.Kind == proto.IdentifierEmail {
		path = proto.PropertyEmail
	}
	v := index.NormalizeValue(proto.String(ident.Name))
	s, err := sc.ScanSlice(ctx, &query.SliceNode{
		Property: path,
		Start:    index.ValueStart(v),
		End:      index.ValueEnd(v),
	}, nil, 1)
	if err != nil {
		return uuid.Nil, false, err
	}
	id, _, ok, err := s.Next(ctx)
	return id, ok, err
}

func (sc *searchContext) isMember(ctx context.Context, id uuid.UUID) (bool, error) {
	start := index.IDSetColumn(id)
	cols, err := sc.m.store.GetSlice(ctx, columnstore.FamilyIDSets, sc.ictx.IDSetRow(sc.m.bucket(sc.ictx, id)), columnstore.Slice{
		Start: start,
		End:   composite.PrefixEnd(start),
		Count: 1,
	})
	if err != nil {
		return false, errors.Info(err, "check membership", sc.ictx.String(), id.String())
	}
	return len(cols) > 0, nil
}

func (sc *searchContext) Entries(ctx context.Context, id uuid.UUID, path string) ([]index.Entry, error) {
	return sc.m.engine.ReadPathEntries(ctx, id, path)
}
