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
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	"github.com/cubefs/graphdb/common/columnstore"
	"github.com/cubefs/graphdb/common/composite"
	"github.com/cubefs/graphdb/proto"
)

// composite dictionaries kept per entity
const (
	dictContainers         = "containers"
	dictConnectedTypes     = "connected_types"
	dictConnectedEntities  = "connected_entities"
	dictConnectingTypes    = "connecting_types"
	dictConnectingEntities = "connecting_entities"
	// pair chains the entity connects through, keyed by the encoded chain
	dictPairedChains = "paired_chains"
)

func dictionaryRow(id uuid.UUID, dictionary string) []byte {
	return composite.AppendString(composite.AppendUUID(nil, id), dictionary)
}

func containerColumn(owner proto.EntityRef, collection string) []byte {
	col := composite.AppendString(nil, strings.ToLower(owner.Type))
	col = composite.AppendString(col, strings.ToLower(collection))
	return composite.AppendUUID(col, owner.ID)
}

func decodeContainerColumn(name []byte) (proto.ContainerRef, error) {
	comps, err := decodeComponents(name, composite.TypeString, composite.TypeString, composite.TypeUUID)
	if err != nil {
		return proto.ContainerRef{}, err
	}
	return proto.ContainerRef{
		Owner:      proto.NewEntityRef(comps[0].Str, comps[2].UUID),
		Collection: comps[1].Str,
	}, nil
}

func typeColumn(connectionType string) []byte {
	return composite.AppendString(nil, strings.ToLower(connectionType))
}

// connectedColumn is the forward edge entry on the index owner.
func connectedColumn(c proto.ConnectionRef) []byte {
	col := typeColumn(c.Type)
	col = composite.AppendString(col, strings.ToLower(c.Connected.Type))
	return composite.AppendUUID(col, c.Connected.ID)
}

// connectingColumn is the backward edge entry on the connected entity. The
// index owner keeps paired chains of one connecting entity apart.
func connectingColumn(c proto.ConnectionRef) []byte {
	col := typeColumn(c.Type)
	col = composite.AppendString(col, strings.ToLower(c.Connecting.Type))
	col = composite.AppendUUID(col, c.Connecting.ID)
	return composite.AppendUUID(col, c.IndexOwner())
}

// encodePaired stores a pair chain as the payload of a backward entry.
func encodePaired(paired []proto.ConnectionPair) []byte {
	var b []byte
	for _, p := range paired {
		b = composite.AppendString(b, strings.ToLower(p.Type))
		b = composite.AppendString(b, strings.ToLower(p.Connected.Type))
		b = composite.AppendUUID(b, p.Connected.ID)
	}
	return b
}

func decodePaired(b []byte) ([]proto.ConnectionPair, error) {
	if len(b) == 0 {
		return nil, nil
	}
	comps, err := composite.Decode(b)
	if err != nil {
		return nil, err
	}
	if len(comps)%3 != 0 {
		return nil, fmt.Errorf("pair chain has %d components", len(comps))
	}
	ret := make([]proto.ConnectionPair, 0, len(comps)/3)
	for i := 0; i < len(comps); i += 3 {
		ret = append(ret, proto.ConnectionPair{
			Type:      comps[i].Str,
			Connected: proto.NewEntityRef(comps[i+1].Str, comps[i+2].UUID),
		})
	}
	return ret, nil
}

func decodeComponents(b []byte, types ...composite.Type) ([]composite.Component, error) {
	comps, err := composite.Decode(b)
	if err != nil {
		return nil, err
	}
	if len(comps) != len(types) {
		return nil, fmt.Errorf("expect %d components, got %d", len(types), len(comps))
	}
	for i, t := range types {
		if comps[i].Type != t {
			return nil, fmt.Errorf("component %d is %s, expect %s", i, comps[i].Type, t)
		}
	}
	return comps, nil
}

// readDictionary returns the columns of a dictionary that start with the
// given string components.
func (m *Manager) readDictionary(ctx context.Context, id uuid.UUID, dictionary string, prefix ...string) ([]columnstore.Column, error) {
	return m.sliceDictionary(ctx, id, dictionary, 0, prefix...)
}

func (m *Manager) sliceDictionary(ctx context.Context, id uuid.UUID, dictionary string, count int, prefix ...string) ([]columnstore.Column, error) {
	slice := columnstore.Slice{Count: count}
	if len(prefix) > 0 {
		var start []byte
		for _, p := range prefix {
			start = composite.AppendString(start, strings.ToLower(p))
		}
		slice.Start, slice.End = start, composite.PrefixEnd(start)
	}
	cols, err := m.store.GetSlice(ctx, columnstore.FamilyCompositeDictionaries, dictionaryRow(id, dictionary), slice)
	if err != nil {
		return nil, errors.Info(err, "read dictionary", id.String(), dictionary)
	}
	return cols, nil
}

// hasOtherEntries reports whether a dictionary holds another column than
// except under the prefix of the given components.
func (m *Manager) hasOtherEntries(ctx context.Context, id uuid.UUID, dictionary string, except []byte, prefix ...string) (bool, error) {
	// two columns are enough to find one that differs
	cols, err := m.sliceDictionary(ctx, id, dictionary, 2, prefix...)
	if err != nil {
		return false, err
	}
	for _, col := range cols {
		if string(col.Name) != string(except) {
			return true, nil
		}
	}
	return false, nil
}

func readStrings(ctx context.Context, cols []columnstore.Column) []string {
	ret := make([]string, 0, len(cols))
	for _, col := range cols {
		comps, err := decodeComponents(col.Name, composite.TypeString)
		if err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("skip corrupt dictionary column: %v", err)
			continue
		}
		ret = append(ret, comps[0].Str)
	}
	return ret
}
