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

package query

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/graphdb/common/composite"
	apierrors "github.com/cubefs/graphdb/errors"
	"github.com/cubefs/graphdb/geo"
	"github.com/cubefs/graphdb/index"
	"github.com/cubefs/graphdb/proto"
	"github.com/cubefs/graphdb/schema"
)

// memberIndex is an in memory search context over a handful of members.
type memberIndex struct {
	registry schema.Registry
	typ      string
	ids      []uuid.UUID
	entries  map[uuid.UUID][]index.Entry
}

func newMemberIndex(typ string) *memberIndex {
	return &memberIndex{
		registry: schema.NewStatic(schema.DefaultConfig()),
		typ:      typ,
		entries:  make(map[uuid.UUID][]index.Entry),
	}
}

func (f *memberIndex) add(props map[string]proto.Value) uuid.UUID {
	id := uuid.New()
	f.ids = append(f.ids, id)
	for prop, v := range props {
		for _, p := range index.Flatten(prop, v, f.registry.IsPropertyFulltextIndexed(f.typ, prop)) {
			f.entries[id] = append(f.entries[id], index.Entry{Property: prop, Path: p.Path, Value: p.Value})
		}
	}
	return id
}

func (f *memberIndex) IndexType() index.Type {
	return index.TypeCollection
}

type keyedScanner struct {
	keys [][]byte
	ids  []uuid.UUID
	i    int
}

func (s *keyedScanner) Next(ctx context.Context) (uuid.UUID, []byte, bool, error) {
	if s.i >= len(s.ids) {
		return uuid.Nil, nil, false, nil
	}
	s.i++
	return s.ids[s.i-1], s.keys[s.i-1], true, nil
}

func newKeyedScanner(keys [][]byte, ids []uuid.UUID, position []byte, reversed bool) *keyedScanner {
	order := make([]int, len(keys))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		c := bytes.Compare(keys[order[a]], keys[order[b]])
		if reversed {
			return c > 0
		}
		return c < 0
	})
	s := &keyedScanner{}
	for _, i := range order {
		if position != nil {
			c := bytes.Compare(keys[i], position)
			if (!reversed && c <= 0) || (reversed && c >= 0) {
				continue
			}
		}
		s.keys = append(s.keys, keys[i])
		s.ids = append(s.ids, ids[i])
	}
	return s
}

func (f *memberIndex) ScanSlice(ctx context.Context, slice *SliceNode, position []byte, pageSize int) (Scanner, error) {
	var keys [][]byte
	var ids []uuid.UUID
	for _, id := range f.ids {
		for _, e := range f.entries[id] {
			if e.Path != slice.Property {
				continue
			}
			key := composite.AppendUUID(index.AppendValue(nil, e.Value), id)
			if slice.Start != nil && bytes.Compare(key, slice.Start) < 0 {
				continue
			}
			if slice.End != nil && bytes.Compare(key, slice.End) >= 0 {
				continue
			}
			keys = append(keys, key)
			ids = append(ids, id)
		}
	}
	return newKeyedScanner(keys, ids, position, slice.Reversed), nil
}

func (f *memberIndex) ScanAll(ctx context.Context, reversed bool, position []byte, pageSize int) (Scanner, error) {
	keys := make([][]byte, len(f.ids))
	for i, id := range f.ids {
		keys[i] = composite.AppendUUID(nil, id)
	}
	return newKeyedScanner(keys, f.ids, position, reversed), nil
}

func (f *memberIndex) Within(ctx context.Context, property string, center geo.Point, distance float64) ([]geo.Hit, error) {
	var hits []geo.Hit
	for _, id := range f.ids {
		for _, e := range f.entries[id] {
			if e.Path != property {
				continue
			}
			lat, lon, ok := index.ParseCoordinates(e.Value.Str())
			if !ok {
				continue
			}
			p := geo.Point{Latitude: lat, Longitude: lon}
			if d := geo.Distance(center, p); d <= distance {
				hits = append(hits, geo.Hit{ID: id, Point: p, Distance: d})
			}
		}
	}
	geo.SortHits(hits)
	return hits, nil
}

func (f *memberIndex) Resolve(ctx context.Context, ident proto.Identifier) (uuid.UUID, bool, error) {
	if ident.Kind == proto.IdentifierUUID {
		_, ok := f.entries[ident.ID]
		return ident.ID, ok, nil
	}
	path := f.registry.AliasProperty(f.typ)
	if ident.Kind == proto.IdentifierEmail {
		path = proto.PropertyEmail
	}
	for _, id := range f.ids {
		for _, e := range f.entries[id] {
			if e.Path == path && e.Value.Str() == strings.ToLower(ident.Name) {
				return id, true, nil
			}
		}
	}
	return uuid.Nil, false, nil
}

func (f *memberIndex) Entries(ctx context.Context, id uuid.UUID, path string) ([]index.Entry, error) {
	var ret []index.Entry
	for _, e := range f.entries[id] {
		if e.Path == path {
			ret = append(ret, e)
		}
	}
	return ret, nil
}

// collect pages through a query and returns every id in result order.
func collect(t *testing.T, f *memberIndex, q *proto.Query) []uuid.UUID {
	var ret []uuid.UUID
	for pages := 0; ; pages++ {
		require.Less(t, pages, 1000)
		plan, err := Compile(q, f.registry, f.typ)
		require.NoError(t, err)
		res, err := plan.Evaluate(context.TODO(), f)
		require.NoError(t, err)
		require.LessOrEqual(t, len(res.IDs), plan.Limit)
		ret = append(ret, res.IDs...)
		if res.Cursor == "" {
			return ret
		}
		q.Cursor = res.Cursor
	}
}

func newUsers(t *testing.T, n int) (*memberIndex, []uuid.UUID) {
	f := newMemberIndex("user")
	ids := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		ids[i] = f.add(map[string]proto.Value{
			"username": proto.String(fmt.Sprintf("User%02d", i)),
			"age":      proto.Int(int64(i)),
			"name":     proto.String(fmt.Sprintf("member %d of the quick club", i)),
		})
	}
	return f, ids
}

func TestCompileErrors(t *testing.T) {
	registry := schema.NewStatic(schema.DefaultConfig())

	_, err := Compile(proto.NewQuery(proto.Eq("password", proto.String("x"))), registry, "user")
	require.ErrorIs(t, err, apierrors.ErrNoIndex)
	require.Equal(t, apierrors.CategoryValidation, apierrors.CategoryOf(err))

	_, err = Compile(proto.NewQuery(proto.Contains("email", "x")), registry, "user")
	require.ErrorIs(t, err, apierrors.ErrNoFullTextIndex)

	_, err = Compile(proto.NewQuery(proto.Eq("tags", proto.List(proto.String("a")))), registry, "user")
	require.ErrorIs(t, err, apierrors.ErrInvalidQuery)

	_, err = Compile(proto.NewQuery(nil).SortBy("password", proto.Ascending), registry, "user")
	require.ErrorIs(t, err, apierrors.ErrNoIndex)

	_, err = Compile(proto.NewQuery(proto.Eq("age", proto.Int(1))).WithCursor("!!"), registry, "user")
	require.ErrorIs(t, err, apierrors.ErrInvalidCursor)

	for _, n := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err = Compile(proto.NewQuery(proto.Eq("age", proto.Number(n))), registry, "user")
		require.ErrorIs(t, err, apierrors.ErrInvalidQuery)
		_, err = Compile(proto.NewQuery(proto.Gt("age", proto.Number(n))), registry, "user")
		require.ErrorIs(t, err, apierrors.ErrInvalidQuery)
	}

	for _, c := range [][3]float64{
		{91, 0, 10},
		{-90.5, 0, 10},
		{0, 180.5, 10},
		{0, math.Inf(1), 10},
		{math.NaN(), 0, 10},
		{0, 0, -1},
		{0, 0, math.NaN()},
		{0, 0, math.Inf(1)},
	} {
		_, err = Compile(proto.NewQuery(proto.Within("location", c[0], c[1], c[2])), registry, "user")
		require.ErrorIs(t, err, apierrors.ErrInvalidQuery, "%v", c)
	}
	_, err = Compile(proto.NewQuery(proto.Within("location", -90, 180, 0)), registry, "user")
	require.NoError(t, err)
}

func TestCompilePlan(t *testing.T) {
	registry := schema.NewStatic(schema.DefaultConfig())

	plan, err := Compile(proto.NewQuery(proto.And(proto.Gt("age", proto.Int(10)), proto.Lt("age", proto.Int(20)))).WithLimit(5), registry, "user")
	require.NoError(t, err)
	s, ok := plan.Root.(*SliceNode)
	require.True(t, ok)
	require.Equal(t, "age", s.Property)
	require.Equal(t, index.ValueEnd(proto.Int(10)), s.Start)
	require.Equal(t, index.ValueStart(proto.Int(20)), s.End)
	require.Equal(t, 5, plan.PageSize)

	plan, err = Compile(proto.NewQuery(proto.Or(proto.Gt("age", proto.Int(10)), proto.Eq("username", proto.String("a")))).WithLimit(5), registry, "user")
	require.NoError(t, err)
	require.IsType(t, &OrNode{}, plan.Root)
	require.Equal(t, proto.MaxQueryLimit, plan.PageSize)

	plan, err = Compile(&proto.Query{}, registry, "user")
	require.NoError(t, err)
	require.IsType(t, &AllNode{}, plan.Root)
	require.Equal(t, proto.DefaultQueryLimit, plan.Limit)

	plan, err = Compile(proto.NewQuery(nil).WithLimit(5000).SortBy("uuid", proto.Descending), registry, "user")
	require.NoError(t, err)
	require.True(t, plan.Root.(*AllNode).Reversed)
	require.Equal(t, proto.MaxQueryLimit, plan.Limit)

	plan, err = Compile(proto.NewQuery(proto.Contains("name", "Quick")), registry, "user")
	require.NoError(t, err)
	require.Equal(t, "name"+index.KeywordsSuffix, plan.Root.(*SliceNode).Property)

	plan, err = Compile(proto.NewQuery(proto.Within("location", 1, 2, 100)), registry, "user")
	require.NoError(t, err)
	require.Equal(t, proto.PropertyCoordinates, plan.Root.(*WithinNode).Property)

	// the same query keeps its shape, another query does not
	p1, err := Compile(proto.NewQuery(proto.Eq("age", proto.Int(1))), registry, "user")
	require.NoError(t, err)
	p2, err := Compile(proto.NewQuery(proto.Eq("age", proto.Int(1))), registry, "user")
	require.NoError(t, err)
	p3, err := Compile(proto.NewQuery(proto.Eq("age", proto.Int(2))), registry, "user")
	require.NoError(t, err)
	require.Equal(t, p1.Shape(), p2.Shape())
	require.NotEqual(t, p1.Shape(), p3.Shape())
}

func TestCursor(t *testing.T) {
	c := NewCursor("shape")
	require.Equal(t, "", c.Serialize())
	c.Set("a", nil)
	require.Equal(t, "", c.Serialize())
	c.Set("b", []byte{1, 2, 0xff})
	token := c.Serialize()
	require.NotEmpty(t, token)

	parsed, err := ParseCursor(token, "shape")
	require.NoError(t, err)
	payload, ok := parsed.Get("a")
	require.True(t, ok)
	require.Empty(t, payload)
	payload, ok = parsed.Get("b")
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 0xff}, payload)
	_, ok = parsed.Get("c")
	require.False(t, ok)
	require.Equal(t, token, parsed.Serialize())

	_, err = ParseCursor(token, "other")
	require.ErrorIs(t, err, apierrors.ErrInvalidCursor)
	_, err = ParseCursor("not a cursor", "shape")
	require.ErrorIs(t, err, apierrors.ErrInvalidCursor)

	empty, err := ParseCursor("", "shape")
	require.NoError(t, err)
	require.Equal(t, "shape", empty.Shape())
}

func TestEvaluatePredicates(t *testing.T) {
	f, ids := newUsers(t, 30)

	got := collect(t, f, proto.NewQuery(proto.Eq("username", proto.String("user07"))))
	require.Equal(t, []uuid.UUID{ids[7]}, got)

	got = collect(t, f, proto.NewQuery(proto.Eq("USERNAME", proto.String("USER07"))))
	require.Equal(t, []uuid.UUID{ids[7]}, got)

	got = collect(t, f, proto.NewQuery(proto.Lt("age", proto.Int(3))))
	require.Equal(t, ids[:3], got)

	got = collect(t, f, proto.NewQuery(proto.Lte("age", proto.Int(3))))
	require.Equal(t, ids[:4], got)

	got = collect(t, f, proto.NewQuery(proto.Gt("age", proto.Int(26))))
	require.Equal(t, ids[27:], got)

	got = collect(t, f, proto.NewQuery(proto.Gte("age", proto.Int(26))))
	require.Equal(t, ids[26:], got)

	got = collect(t, f, proto.NewQuery(proto.Contains("name", "QUICK")).WithLimit(1000))
	require.Len(t, got, 30)

	got = collect(t, f, proto.NewQuery(proto.Contains("name", "clu*")).WithLimit(1000))
	require.Len(t, got, 30)

	got = collect(t, f, proto.NewQuery(proto.Contains("name", "slow")))
	require.Empty(t, got)

	// a number never matches a string range
	got = collect(t, f, proto.NewQuery(proto.Eq("age", proto.String("3"))))
	require.Empty(t, got)
}

func TestEvaluateBoolean(t *testing.T) {
	f, ids := newUsers(t, 30)

	got := collect(t, f, proto.NewQuery(proto.And(proto.Gte("age", proto.Int(10)), proto.Contains("name", "quick"))).WithLimit(4))
	require.ElementsMatch(t, ids[10:], got)

	got = collect(t, f, proto.NewQuery(proto.And(proto.Lt("age", proto.Int(10)), proto.Eq("username", proto.String("user03")))))
	require.Equal(t, []uuid.UUID{ids[3]}, got)

	got = collect(t, f, proto.NewQuery(proto.Or(proto.Lt("age", proto.Int(5)), proto.Gte("age", proto.Int(25)))).WithLimit(3))
	require.Equal(t, append(append([]uuid.UUID{}, ids[:5]...), ids[25:]...), got)

	// overlapping branches yield each id once
	got = collect(t, f, proto.NewQuery(proto.Or(proto.Lt("age", proto.Int(10)), proto.Lt("age", proto.Int(20)))).WithLimit(7))
	require.Equal(t, ids[:20], got)

	got = collect(t, f, proto.NewQuery(proto.Not(proto.Lt("age", proto.Int(25)))).WithLimit(2))
	require.ElementsMatch(t, ids[25:], got)

	got = collect(t, f, proto.NewQuery(proto.And(proto.Not(proto.Eq("age", proto.Int(3))), proto.Lt("age", proto.Int(5)))))
	require.ElementsMatch(t, []uuid.UUID{ids[0], ids[1], ids[2], ids[4]}, got)
}

func TestEvaluateSort(t *testing.T) {
	f, ids := newUsers(t, 12)

	got := collect(t, f, proto.NewQuery(nil).SortBy("age", proto.Descending).WithLimit(5))
	want := make([]uuid.UUID, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		want = append(want, ids[i])
	}
	require.Equal(t, want, got)

	got = collect(t, f, proto.NewQuery(proto.Gte("age", proto.Int(6))).SortBy("age", proto.Descending).WithLimit(4))
	require.Equal(t, want[:6], got)

	got = collect(t, f, proto.NewQuery(proto.Contains("name", "quick")).SortBy("age", proto.Ascending).WithLimit(5))
	require.Equal(t, ids, got)

	got = collect(t, f, proto.NewQuery(nil).SortBy("uuid", proto.Ascending).WithLimit(5))
	sorted := append([]uuid.UUID{}, ids...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })
	require.Equal(t, sorted, got)
}

func TestEvaluatePagination(t *testing.T) {
	f, ids := newUsers(t, 57)

	for _, limit := range []int{1, 7, 10, 57, 100} {
		got := collect(t, f, proto.NewQuery(nil).WithLimit(limit))
		require.Len(t, got, len(ids))
		require.ElementsMatch(t, ids, got)

		got = collect(t, f, proto.NewQuery(proto.Gte("age", proto.Int(0))).WithLimit(limit))
		require.Equal(t, ids, got)
	}

	// a cursor resumes only the query it was issued for
	plan, err := Compile(proto.NewQuery(nil).WithLimit(5), f.registry, f.typ)
	require.NoError(t, err)
	res, err := plan.Evaluate(context.TODO(), f)
	require.NoError(t, err)
	require.Len(t, res.IDs, 5)
	require.NotEmpty(t, res.Cursor)
	_, err = Compile(proto.NewQuery(proto.Gte("age", proto.Int(0))).WithCursor(res.Cursor), f.registry, f.typ)
	require.ErrorIs(t, err, apierrors.ErrInvalidCursor)
}

func TestEvaluateMultiValuedPaging(t *testing.T) {
	f := newMemberIndex("user")
	tags := [][]string{{"a", "d"}, {"b"}, {"c"}, {"a", "e"}, {"f"}}
	ids := make([]uuid.UUID, len(tags))
	for i, set := range tags {
		elems := make([]proto.Value, len(set))
		for j, tag := range set {
			elems[j] = proto.String(tag)
		}
		ids[i] = f.add(map[string]proto.Value{"tags": proto.Set(elems...)})
	}

	all := collect(t, f, proto.NewQuery(nil).SortBy("tags", proto.Ascending).WithLimit(1000))
	require.Len(t, all, len(ids))
	require.ElementsMatch(t, []uuid.UUID{ids[0], ids[3]}, all[:2])
	require.Equal(t, []uuid.UUID{ids[1], ids[2], ids[4]}, all[2:])
	for _, limit := range []int{1, 2, 3} {
		got := collect(t, f, proto.NewQuery(nil).SortBy("tags", proto.Ascending).WithLimit(limit))
		require.Equal(t, all, got)
	}

	want := []uuid.UUID{ids[4], ids[3], ids[0], ids[2], ids[1]}
	for _, limit := range []int{1, 2, 1000} {
		got := collect(t, f, proto.NewQuery(nil).SortBy("tags", proto.Descending).WithLimit(limit))
		require.Equal(t, want, got)
	}

	want = []uuid.UUID{ids[1], ids[2], ids[0], ids[3], ids[4]}
	for _, limit := range []int{1, 4, 1000} {
		got := collect(t, f, proto.NewQuery(proto.Gte("tags", proto.String("b"))).WithLimit(limit))
		require.Equal(t, want, got)
	}
}

func TestEvaluateIdentifiersAndWithin(t *testing.T) {
	f := newMemberIndex("user")
	paris := f.add(map[string]proto.Value{
		"username": proto.String("paris"),
		"location": proto.Location(48.8566, 2.3522),
	})
	versailles := f.add(map[string]proto.Value{
		"username": proto.String("versailles"),
		"location": proto.Location(48.8049, 2.1204),
	})
	f.add(map[string]proto.Value{
		"username": proto.String("london"),
		"location": proto.Location(51.5074, -0.1278),
	})

	q := &proto.Query{Identifiers: []proto.Identifier{
		proto.NameIdentifier("Versailles"),
		proto.NameIdentifier("nowhere"),
		proto.UUIDIdentifier(paris),
	}}
	got := collect(t, f, q)
	require.Equal(t, []uuid.UUID{versailles, paris}, got)

	got = collect(t, f, proto.NewQuery(proto.Within("location", 48.8566, 2.3522, 50000)).WithLimit(1))
	require.Equal(t, []uuid.UUID{paris, versailles}, got)

	got = collect(t, f, proto.NewQuery(proto.And(
		proto.Within("location", 48.8566, 2.3522, 500000),
		proto.Not(proto.Eq("username", proto.String("paris"))),
	)))
	require.Len(t, got, 2)
	require.Equal(t, versailles, got[0])
}
