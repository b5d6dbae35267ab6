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
	"hash/crc32"
	"sort"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	"github.com/cubefs/graphdb/common/columnstore"
	"github.com/cubefs/graphdb/common/composite"
	apierrors "github.com/cubefs/graphdb/errors"
	"github.com/cubefs/graphdb/index"
	"github.com/cubefs/graphdb/proto"
)

const uniqueLocksNum = 1024

// uniqueScope is the collection a unique value must be unique within.
type uniqueScope struct {
	owner      uuid.UUID
	collection string
}

type uniqueValue struct {
	property string
	value    proto.Value
}

func uniqueRow(scope uniqueScope, property string, v proto.Value) []byte {
	row := composite.AppendUUID(nil, scope.owner)
	row = composite.AppendString(row, scope.collection)
	row = composite.AppendString(row, property)
	return index.AppendValue(row, v)
}

func uniqueColumn(id uuid.UUID) []byte {
	return composite.AppendUUID(nil, id)
}

func (m *Manager) uniqueValues(entityType string, props map[string]proto.Value) []uniqueValue {
	var ret []uniqueValue
	for name, v := range props {
		if v.IsNull() || !v.IsScalar() || !m.registry.IsPropertyUnique(entityType, name) {
			continue
		}
		ret = append(ret, uniqueValue{property: name, value: v})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].property < ret[j].property })
	return ret
}

// lockUnique takes the striped lock of every (scope, property, value) name
// in stripe order and returns the release func.
func (m *Manager) lockUnique(scopes []uniqueScope, values []uniqueValue) func() {
	seen := make(map[uint32]struct{})
	var idxs []int
	for _, scope := range scopes {
		for _, uv := range values {
			idx := crc32.ChecksumIEEE(uniqueRow(scope, uv.property, uv.value)) % uniqueLocksNum
			if _, ok := seen[idx]; ok {
				continue
			}
			seen[idx] = struct{}{}
			idxs = append(idxs, int(idx))
		}
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		m.uniqueLocks[idx].Lock()
	}
	return func() {
		for i := len(idxs) - 1; i >= 0; i-- {
			m.uniqueLocks[idxs[i]].Unlock()
		}
	}
}

// checkUnique fails when a value is already held by another entity in any
// of the scopes. Callers hold the unique locks.
func (m *Manager) checkUnique(ctx context.Context, ref proto.EntityRef, scopes []uniqueScope, values []uniqueValue) error {
	for _, scope := range scopes {
		for _, uv := range values {
			id, err := m.lookupUnique(ctx, scope, uv.property, uv.value, ref.ID)
			if err != nil {
				return err
			}
			if id != uuid.Nil {
				return apierrors.NewDuplicateUniqueError(ref.Type, uv.property, uv.value.Interface())
			}
		}
	}
	return nil
}

// lookupUnique returns the entity holding the value in scope, ignoring self.
func (m *Manager) lookupUnique(ctx context.Context, scope uniqueScope, property string, v proto.Value, self uuid.UUID) (uuid.UUID, error) {
	cols, err := m.store.GetSlice(ctx, columnstore.FamilyUnique, uniqueRow(scope, property, v), columnstore.Slice{Count: 2})
	if err != nil {
		return uuid.Nil, errors.Info(err, "lookup unique", scope.collection, property)
	}
	for _, col := range cols {
		c, _, err := composite.DecodeOne(col.Name)
		if err != nil || c.UUID == self {
			continue
		}
		return c.UUID, nil
	}
	return uuid.Nil, nil
}

func insertUnique(mut *columnstore.Mutation, id uuid.UUID, scopes []uniqueScope, values []uniqueValue) {
	for _, scope := range scopes {
		for _, uv := range values {
			mut.Insert(columnstore.FamilyUnique, uniqueRow(scope, uv.property, uv.value), uniqueColumn(id), nil)
		}
	}
}

func deleteUnique(mut *columnstore.Mutation, id uuid.UUID, scopes []uniqueScope, values []uniqueValue) {
	for _, scope := range scopes {
		for _, uv := range values {
			mut.Delete(columnstore.FamilyUnique, uniqueRow(scope, uv.property, uv.value), uniqueColumn(id))
		}
	}
}
