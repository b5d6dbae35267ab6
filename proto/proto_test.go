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

package proto

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSetOperations(t *testing.T) {
	s := Set(String("a"), String("b"), String("a"))
	require.Equal(t, 2, s.Len())
	require.True(t, s.Contains(String("b")))

	require.Equal(t, s, s.With(String("a")))
	s = s.With(String("c"))
	require.Equal(t, 3, s.Len())
	require.Equal(t, KindSet, s.Kind())

	s = s.Without(String("b"))
	require.False(t, s.Contains(String("b")))
	require.True(t, s.Equal(List(String("a"), String("c"))))

	n := Null().With(Int(1))
	require.Equal(t, KindSet, n.Kind())
	require.True(t, String("x").Without(String("x")).IsNull())
	require.Equal(t, KindList, String("x").With(String("y")).Kind())
}

func TestValueOf(t *testing.T) {
	v, err := ValueOf(map[string]interface{}{
		"name": "alice",
		"age":  30,
		"tags": []string{"x", "y"},
		"nil":  nil,
	})
	require.NoError(t, err)
	require.Equal(t, KindObject, v.Kind())
	require.Equal(t, []string{"age", "name", "nil", "tags"}, v.Keys())
	age, ok := v.Field("age")
	require.True(t, ok)
	require.Equal(t, float64(30), age.Number())
	require.True(t, v.Equal(MustValueOf(v.Interface())))

	_, err = ValueOf(math.NaN())
	require.Error(t, err)
	_, err = ValueOf(struct{}{})
	require.Error(t, err)

	require.Equal(t, `{"latitude":1,"longitude":2}`, Location(1, 2).String())
	require.False(t, Location(1, 2).IsScalar())
	require.True(t, Binary([]byte{1}).IsScalar())
}

func TestQueryLimit(t *testing.T) {
	var q *Query
	require.Equal(t, DefaultQueryLimit, q.EffectiveLimit())
	require.Equal(t, DefaultQueryLimit, NewQuery(nil).EffectiveLimit())
	require.Equal(t, 20, NewQuery(nil).WithLimit(20).EffectiveLimit())
	require.Equal(t, MaxQueryLimit, NewQuery(nil).WithLimit(5000).EffectiveLimit())
}

func TestConnectionRefIDs(t *testing.T) {
	a := NewEntityRef("user", uuid.New())
	b := NewEntityRef("group", uuid.New())
	c := NewEntityRef("user", uuid.New())

	plain := ConnectionRef{Connecting: a, Type: "member", Connected: b}
	require.Equal(t, a.ID, plain.IndexOwner())
	require.Equal(t, plain.ID(), ConnectionRef{Connecting: a, Type: "member", Connected: b}.ID())
	require.NotEqual(t, plain.ID(), ConnectionRef{Connecting: a, Type: "owner", Connected: b}.ID())

	paired := ConnectionRef{Connecting: a, Paired: []ConnectionPair{{Type: "member", Connected: b}}, Type: "likes", Connected: c}
	owner := paired.IndexOwner()
	require.NotEqual(t, a.ID, owner)
	require.Equal(t, owner, PairedOwner(a.ID, paired.Paired))
	require.NotEqual(t, owner, PairedOwner(c.ID, paired.Paired))
	require.Equal(t, owner, PairedOwner(a.ID, []ConnectionPair{{Type: "MEMBER", Connected: b}}))
}
