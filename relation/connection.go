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
	apierrors "github.com/cubefs/graphdb/errors"
	"github.com/cubefs/graphdb/index"
	"github.com/cubefs/graphdb/proto"
)

func normalizeConnection(c proto.ConnectionRef) (proto.ConnectionRef, error) {
	if c.Type == "" || c.Connecting.IsZero() || c.Connected.IsZero() || c.Connected.Type == "" || c.Connecting.Type == "" {
		return c, fmt.Errorf("%w: %s", apierrors.ErrInvalidConnection, c)
	}
	for _, p := range c.Paired {
		if p.Type == "" || p.Connected.IsZero() {
			return c, fmt.Errorf("%w: paired hop of %s", apierrors.ErrInvalidConnection, c)
		}
	}
	c.Type = strings.ToLower(c.Type)
	c.Connecting.Type = strings.ToLower(c.Connecting.Type)
	c.Connected.Type = strings.ToLower(c.Connected.Type)
	return c, nil
}

func (m *Manager) connectionContexts(c proto.ConnectionRef) []index.Context {
	return index.ConnectionContexts(c.IndexOwner(), c.Type, c.Connected.Type)
}

// CreateConnection writes an edge: the four index variants of the connected
// entity under the owner of the edge, the forward dictionaries of the owner
// and the backward dictionaries of the connected entity, in one batch.
func (m *Manager) CreateConnection(ctx context.Context, c proto.ConnectionRef) error {
	span := trace.SpanFromContextSafe(ctx)
	c, err := normalizeConnection(c)
	if err != nil {
		return err
	}
	entries, err := m.engine.ReadAllEntries(ctx, c.Connected.ID)
	if err != nil {
		return err
	}

	mut := m.store.NewMutation(m.clock.Now())
	m.createConnection(mut, c, entries)
	if err = m.execute(ctx, mut); err != nil {
		return errors.Info(err, "create connection", c.String())
	}
	span.Debugf("create connection[%s] entries[%d]", c, len(entries))
	return nil
}

func (m *Manager) createConnection(mut *columnstore.Mutation, c proto.ConnectionRef, entries []index.Entry) {
	owner := c.IndexOwner()
	for _, ictx := range m.connectionContexts(c) {
		m.addMember(mut, ictx, c.Connected.ID, entries)
	}
	mut.Insert(columnstore.FamilyCompositeDictionaries, dictionaryRow(owner, dictConnectedTypes), typeColumn(c.Type), nil)
	mut.Insert(columnstore.FamilyCompositeDictionaries, dictionaryRow(owner, dictConnectedEntities), connectedColumn(c), nil)
	mut.Insert(columnstore.FamilyCompositeDictionaries, dictionaryRow(c.Connected.ID, dictConnectingTypes), typeColumn(c.Type), nil)
	mut.Insert(columnstore.FamilyCompositeDictionaries, dictionaryRow(c.Connected.ID, dictConnectingEntities), connectingColumn(c), encodePaired(c.Paired))
	if len(c.Paired) > 0 {
		mut.Insert(columnstore.FamilyCompositeDictionaries, dictionaryRow(c.Connecting.ID, dictPairedChains), encodePaired(c.Paired), nil)
	}
}

// DeleteConnection retracts everything CreateConnection wrote. The type
// markers go only when no other edge of the type remains on that side.
func (m *Manager) DeleteConnection(ctx context.Context, c proto.ConnectionRef) error {
	c, err := normalizeConnection(c)
	if err != nil {
		return err
	}
	entries, err := m.engine.ReadAllEntries(ctx, c.Connected.ID)
	if err != nil {
		return err
	}
	mut := m.store.NewMutation(m.clock.Now())
	if err = m.deleteConnection(ctx, mut, c, entries, true, true); err != nil {
		return err
	}
	if err = m.execute(ctx, mut); err != nil {
		return errors.Info(err, "delete connection", c.String())
	}
	trace.SpanFromContextSafe(ctx).Debugf("delete connection[%s]", c)
	return nil
}

// deleteConnection adds the retraction of one edge to mut. The marker checks
// of a side are skipped when that side is being deleted as a whole.
func (m *Manager) deleteConnection(ctx context.Context, mut *columnstore.Mutation, c proto.ConnectionRef, entries []index.Entry, checkForward, checkBackward bool) error {
	owner := c.IndexOwner()
	for _, ictx := range m.connectionContexts(c) {
		m.removeMember(mut, ictx, c.Connected.ID, entries)
	}

	forward := connectedColumn(c)
	mut.Delete(columnstore.FamilyCompositeDictionaries, dictionaryRow(owner, dictConnectedEntities), forward)
	if checkForward {
		others, err := m.hasOtherEntries(ctx, owner, dictConnectedEntities, forward, c.Type)
		if err != nil {
			return err
		}
		if !others {
			mut.Delete(columnstore.FamilyCompositeDictionaries, dictionaryRow(owner, dictConnectedTypes), typeColumn(c.Type))
		}
		if len(c.Paired) > 0 {
			if others, err = m.hasOtherEntries(ctx, owner, dictConnectedEntities, forward); err != nil {
				return err
			}
			if !others {
				mut.Delete(columnstore.FamilyCompositeDictionaries, dictionaryRow(c.Connecting.ID, dictPairedChains), encodePaired(c.Paired))
			}
		}
	}

	backward := connectingColumn(c)
	mut.Delete(columnstore.FamilyCompositeDictionaries, dictionaryRow(c.Connected.ID, dictConnectingEntities), backward)
	if checkBackward {
		others, err := m.hasOtherEntries(ctx, c.Connected.ID, dictConnectingEntities, backward, c.Type)
		if err != nil {
			return err
		}
		if !others {
			mut.Delete(columnstore.FamilyCompositeDictionaries, dictionaryRow(c.Connected.ID, dictConnectingTypes), typeColumn(c.Type))
		}
	}
	return nil
}

func (m *Manager) ConnectionExists(ctx context.Context, c proto.ConnectionRef) (bool, error) {
	c, err := normalizeConnection(c)
	if err != nil {
		return false, err
	}
	col, err := m.store.GetColumn(ctx, columnstore.FamilyCompositeDictionaries,
		dictionaryRow(c.IndexOwner(), dictConnectedEntities), connectedColumn(c))
	if err != nil {
		return false, errors.Info(err, "check connection", c.String())
	}
	return col != nil, nil
}

// GetConnectionTypes lists the types of the edges leaving the index owner id.
func (m *Manager) GetConnectionTypes(ctx context.Context, id uuid.UUID) ([]string, error) {
	cols, err := m.readDictionary(ctx, id, dictConnectedTypes)
	if err != nil {
		return nil, err
	}
	return readStrings(ctx, cols), nil
}

// GetConnectingTypes lists the types of the edges pointing at id.
func (m *Manager) GetConnectingTypes(ctx context.Context, id uuid.UUID) ([]string, error) {
	cols, err := m.readDictionary(ctx, id, dictConnectingTypes)
	if err != nil {
		return nil, err
	}
	return readStrings(ctx, cols), nil
}

// GetConnectedRefs lists the edges leaving source through the paired chain,
// optionally narrowed to a connection type and then a connected type.
func (m *Manager) GetConnectedRefs(ctx context.Context, source proto.EntityRef, paired []proto.ConnectionPair,
	connectionType, connectedType string,
) ([]proto.ConnectionRef, error) {
	owner := source.ID
	if len(paired) > 0 {
		owner = proto.PairedOwner(source.ID, paired)
	}
	cols, err := m.readDictionary(ctx, owner, dictConnectedEntities, typePrefix(connectionType, connectedType)...)
	if err != nil {
		return nil, err
	}
	ret := make([]proto.ConnectionRef, 0, len(cols))
	for _, col := range cols {
		comps, err := decodeComponents(col.Name, composite.TypeString, composite.TypeString, composite.TypeUUID)
		if err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("skip corrupt connected entry of [%s]: %v", source, err)
			continue
		}
		if connectedType != "" && comps[1].Str != strings.ToLower(connectedType) {
			continue
		}
		ret = append(ret, proto.ConnectionRef{
			Connecting: source,
			Paired:     paired,
			Type:       comps[0].Str,
			Connected:  proto.NewEntityRef(comps[1].Str, comps[2].UUID),
		})
	}
	return ret, nil
}

// GetConnectingRefs lists the edges pointing at target, optionally narrowed
// to a connection type and then a connecting type. Paired chains are
// rebuilt from the backward entries.
func (m *Manager) GetConnectingRefs(ctx context.Context, target proto.EntityRef, connectionType, connectingType string) ([]proto.ConnectionRef, error) {
	cols, err := m.readDictionary(ctx, target.ID, dictConnectingEntities, typePrefix(connectionType, connectingType)...)
	if err != nil {
		return nil, err
	}
	span := trace.SpanFromContextSafe(ctx)
	ret := make([]proto.ConnectionRef, 0, len(cols))
	for _, col := range cols {
		comps, err := decodeComponents(col.Name, composite.TypeString, composite.TypeString, composite.TypeUUID, composite.TypeUUID)
		if err != nil {
			span.Warnf("skip corrupt connecting entry of [%s]: %v", target, err)
			continue
		}
		if connectingType != "" && comps[1].Str != strings.ToLower(connectingType) {
			continue
		}
		paired, err := decodePaired(col.Value)
		if err != nil {
			span.Warnf("skip connecting entry of [%s] with corrupt pair chain: %v", target, err)
			continue
		}
		ret = append(ret, proto.ConnectionRef{
			Connecting: proto.NewEntityRef(comps[1].Str, comps[2].UUID),
			Paired:     paired,
			Type:       comps[0].Str,
			Connected:  target,
		})
	}
	return ret, nil
}

func typePrefix(connectionType, otherType string) []string {
	switch {
	case connectionType == "":
		return nil
	case otherType == "":
		return []string{connectionType}
	}
	return []string{connectionType, otherType}
}

// SearchConnections evaluates a query over the entities connected to source
// through the paired chain. Empty types search the unconstrained variants.
func (m *Manager) SearchConnections(ctx context.Context, source proto.EntityRef, paired []proto.ConnectionPair,
	connectionType, connectedType string, q *proto.Query,
) (*proto.Results, error) {
	owner := source.ID
	if len(paired) > 0 {
		owner = proto.PairedOwner(source.ID, paired)
	}
	ictx := index.ConnectionContext(owner, connectionType, connectedType)
	return m.search(ctx, ictx, strings.ToLower(connectedType), q)
}
