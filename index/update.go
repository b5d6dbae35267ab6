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

package index

import (
	"bytes"
	"context"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	"github.com/cubefs/graphdb/common/columnstore"
	"github.com/cubefs/graphdb/common/composite"
	"github.com/cubefs/graphdb/metrics"
	"github.com/cubefs/graphdb/proto"
	"github.com/cubefs/graphdb/schema"
	"github.com/cubefs/graphdb/util"
)

// UpdateArgs describes one property change of an entity. For multi valued
// properties Value is the single element being added or removed.
type UpdateArgs struct {
	Entity      proto.EntityRef
	Property    string
	Value       proto.Value
	MultiValued bool
	Removal     bool
	// SkipRead is set for brand new entities that have no ledger yet
	SkipRead bool
	FullText bool
}

// Update is the immutable outcome of a property change: the entries to
// retract from and insert into every index context of the entity.
type Update struct {
	entity    proto.EntityRef
	property  string
	timestamp uuid.UUID
	prev      []Entry
	next      []Entry
}

func (u *Update) Entity() proto.EntityRef { return u.entity }

func (u *Update) Property() string { return u.property }

func (u *Update) Timestamp() uuid.UUID { return u.timestamp }

func (u *Update) Previous() []Entry { return u.prev }

func (u *Update) Next() []Entry { return u.next }

func (u *Update) IsEmpty() bool {
	return len(u.prev) == 0 && len(u.next) == 0
}

// Paths lists the distinct paths of the inserted entries.
func (u *Update) Paths() []string {
	seen := make(map[string]struct{}, len(u.next))
	var ret []string
	for _, e := range u.next {
		if _, ok := seen[e.Path]; !ok {
			seen[e.Path] = struct{}{}
			ret = append(ret, e.Path)
		}
	}
	return ret
}

// Diff computes the update of a property change from the previous ledger
// entries. For multi valued properties only the entries of the changed
// element are retracted.
func Diff(prev []Entry, args UpdateArgs, ts uuid.UUID) *Update {
	u := &Update{
		entity:    args.Entity,
		property:  strings.ToLower(args.Property),
		timestamp: ts,
	}
	var pairs []Pair
	if !args.Value.IsNull() {
		pairs = Flatten(args.Property, args.Value, args.FullText)
	}

	if args.MultiValued {
		elems := make(map[string]struct{}, len(pairs))
		for _, p := range pairs {
			elems[string(AppendValue(nil, p.Value))] = struct{}{}
		}
		for _, e := range prev {
			if _, ok := elems[string(AppendValue(nil, e.Value))]; ok {
				u.prev = append(u.prev, e)
			}
		}
	} else {
		u.prev = append(u.prev, prev...)
	}

	if args.Removal {
		return u
	}
	u.next = make([]Entry, 0, len(pairs))
	for _, p := range pairs {
		u.next = append(u.next, Entry{Property: u.property, Path: p.Path, Value: p.Value, Timestamp: ts})
	}
	return u
}

type Engine struct {
	store    *columnstore.Store
	registry schema.Registry
	clock    *util.Clock
}

func NewEngine(store *columnstore.Store, registry schema.Registry, clock *util.Clock) *Engine {
	if clock == nil {
		clock = util.DefaultClock()
	}
	return &Engine{store: store, registry: registry, clock: clock}
}

// StartUpdate reads the ledger of the property, computes the update and
// adds the ledger retractions and insertions to the mutation. Applying the
// update to index contexts is left to the caller.
func (e *Engine) StartUpdate(ctx context.Context, m *columnstore.Mutation, args UpdateArgs) (*Update, error) {
	span := trace.SpanFromContextSafe(ctx)
	typ := args.Entity.Type
	if !args.FullText {
		args.FullText = e.registry.IsPropertyFulltextIndexed(typ, args.Property)
	}
	if !e.registry.IsPropertyIndexed(typ, args.Property) {
		// still retract what an earlier schema indexed
		args.Removal = true
	}

	var prev []Entry
	if !args.SkipRead {
		var err error
		prev, err = e.ReadEntries(ctx, args.Entity.ID, args.Property)
		if err != nil {
			return nil, err
		}
		if !args.MultiValued {
			e.checkLedger(span, args, prev)
		}
	}

	u := Diff(prev, args, e.clock.TimeUUID(m.Timestamp()))
	row := LedgerRow(args.Entity.ID)
	for _, entry := range u.prev {
		m.Delete(columnstore.FamilyIndexEntries, row, entry.LedgerColumn())
	}
	for _, entry := range u.next {
		m.Insert(columnstore.FamilyIndexEntries, row, entry.LedgerColumn(), nil)
	}
	metrics.IndexEntries.WithLabelValues("ledger", "delete").Add(float64(len(u.prev)))
	metrics.IndexEntries.WithLabelValues("ledger", "insert").Add(float64(len(u.next)))
	span.Debugf("start update entity[%s] property[%s] prev[%d] next[%d]", args.Entity, args.Property, len(u.prev), len(u.next))
	return u, nil
}

// checkLedger reports entries of a single valued property that come from
// more than one write, left behind by an earlier partial failure. They are
// all retracted by the update.
func (e *Engine) checkLedger(span trace.Span, args UpdateArgs, prev []Entry) {
	if len(prev) < 2 {
		return
	}
	for i := 1; i < len(prev); i++ {
		if prev[i].Timestamp != prev[0].Timestamp {
			metrics.LedgerAnomalies.Inc()
			span.Warnf("ledger of entity[%s] has entries of several writes for single valued property[%s]: %v",
				args.Entity, args.Property, prev)
			return
		}
	}
}

// ReadEntries returns the ledger entries of one top level property.
func (e *Engine) ReadEntries(ctx context.Context, id uuid.UUID, property string) ([]Entry, error) {
	prefix := LedgerPrefix(property)
	cols, err := e.store.GetSlice(ctx, columnstore.FamilyIndexEntries, LedgerRow(id), columnstore.Slice{
		Start: prefix,
		End:   composite.PrefixEnd(prefix),
	})
	if err != nil {
		return nil, errors.Info(err, "read ledger", id.String(), property)
	}
	return decodeLedger(ctx, id, cols)
}

// ReadPathEntries returns the ledger entries of one property path.
func (e *Engine) ReadPathEntries(ctx context.Context, id uuid.UUID, path string) ([]Entry, error) {
	property := path
	if i := strings.IndexByte(path, '.'); i > 0 {
		property = path[:i]
	}
	entries, err := e.ReadEntries(ctx, id, property)
	if err != nil {
		return nil, err
	}
	path = strings.ToLower(path)
	ret := entries[:0]
	for _, entry := range entries {
		if entry.Path == path {
			ret = append(ret, entry)
		}
	}
	return ret, nil
}

// ReadAllEntries returns the whole ledger of an entity.
func (e *Engine) ReadAllEntries(ctx context.Context, id uuid.UUID) ([]Entry, error) {
	cols, err := e.store.GetRow(ctx, columnstore.FamilyIndexEntries, LedgerRow(id))
	if err != nil {
		return nil, errors.Info(err, "read ledger", id.String())
	}
	return decodeLedger(ctx, id, cols)
}

// DeleteLedger retracts every ledger entry of the entity.
func (e *Engine) DeleteLedger(m *columnstore.Mutation, id uuid.UUID, entries []Entry) {
	row := LedgerRow(id)
	for _, entry := range entries {
		m.Delete(columnstore.FamilyIndexEntries, row, entry.LedgerColumn())
	}
}

func decodeLedger(ctx context.Context, id uuid.UUID, cols []columnstore.Column) ([]Entry, error) {
	ret := make([]Entry, 0, len(cols))
	for _, col := range cols {
		entry, err := DecodeLedgerColumn(col.Name)
		if err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("skip corrupt ledger column of entity[%s]: %v", id, err)
			metrics.LedgerAnomalies.Inc()
			continue
		}
		ret = append(ret, entry)
	}
	return ret, nil
}

func inRange(v, start, end []byte) bool {
	if start != nil && bytes.Compare(v, start) < 0 {
		return false
	}
	return end == nil || bytes.Compare(v, end) < 0
}

// Matches reports whether entries hold a value within [start, end). Nil
// bounds are open.
func Matches(entries []Entry, start, end []byte) bool {
	for _, e := range entries {
		if inRange(AppendValue(nil, e.Value), start, end) {
			return true
		}
	}
	return false
}

// FirstMatch returns the encoded value a scan over [start, end) reaches
// first among entries: the smallest one, or the largest when reversed.
func FirstMatch(entries []Entry, start, end []byte, reversed bool) ([]byte, bool) {
	var first []byte
	for _, e := range entries {
		v := AppendValue(nil, e.Value)
		if !inRange(v, start, end) {
			continue
		}
		if first == nil {
			first = v
			continue
		}
		c := bytes.Compare(v, first)
		if (!reversed && c < 0) || (reversed && c > 0) {
			first = v
		}
	}
	return first, first != nil
}
