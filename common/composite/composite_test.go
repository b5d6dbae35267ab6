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

package composite

import (
	"bytes"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func requireSorted(t *testing.T, keys [][]byte) {
	for i := 1; i < len(keys); i++ {
		require.True(t, bytes.Compare(keys[i-1], keys[i]) < 0, "key %d not below key %d", i-1, i)
	}
}

func TestNumberOrder(t *testing.T) {
	nums := []float64{math.Inf(-1), -1e300, -42.5, -1, -math.SmallestNonzeroFloat64, 0, math.SmallestNonzeroFloat64, 1, 2, 42.5, 1e300, math.Inf(1)}
	keys := make([][]byte, 0, len(nums))
	for _, n := range nums {
		keys = append(keys, AppendNumber(nil, n))
	}
	requireSorted(t, keys)

	require.Equal(t, AppendNumber(nil, 0), AppendNumber(nil, math.Copysign(0, -1)))
	require.Panics(t, func() { AppendNumber(nil, math.NaN()) })

	for i, n := range nums {
		comps, err := Decode(keys[i])
		require.NoError(t, err)
		require.Len(t, comps, 1)
		require.Equal(t, TypeNumber, comps[0].Type)
		require.Equal(t, n, comps[0].Number)
	}
}

func TestIntAndTimestampOrder(t *testing.T) {
	ints := []int64{math.MinInt64, -100, -1, 0, 1, 100, math.MaxInt64}
	var keys, tss [][]byte
	for _, i := range ints {
		keys = append(keys, AppendInt(nil, i))
		tss = append(tss, AppendTimestamp(nil, i))
	}
	requireSorted(t, keys)
	requireSorted(t, tss)

	comps, err := Decode(tss[1])
	require.NoError(t, err)
	require.Equal(t, TypeTimestamp, comps[0].Type)
	require.Equal(t, int64(-100), comps[0].Int)
}

func TestStringOrder(t *testing.T) {
	strs := []string{"", "\x00", "\x00\x00", "\x00a", "a", "a\x00", "a\x00b", "ab", "b", "\xff"}
	keys := make([][]byte, 0, len(strs))
	for _, s := range strs {
		keys = append(keys, AppendString(nil, s))
	}
	requireSorted(t, keys)

	for i, s := range strs {
		comps, err := Decode(keys[i])
		require.NoError(t, err)
		require.Equal(t, s, comps[0].Str)
	}
}

func TestReversed(t *testing.T) {
	strs := []string{"", "a", "a\x00", "ab", "b"}
	var keys [][]byte
	for i := len(strs) - 1; i >= 0; i-- {
		s := strs[i]
		keys = append(keys, AppendReversed(nil, func(b []byte) []byte { return AppendString(b, s) }))
	}
	requireSorted(t, keys)

	comps, err := Decode(keys[2])
	require.NoError(t, err)
	require.True(t, comps[0].Reversed)
	require.Equal(t, "a\x00", comps[0].Str)

	nums := []float64{3, 2, -1}
	keys = keys[:0]
	for _, n := range nums {
		keys = append(keys, Reverse(AppendNumber(nil, n), 0))
	}
	requireSorted(t, keys)
	comps, err = Decode(keys[0])
	require.NoError(t, err)
	require.Equal(t, float64(3), comps[0].Number)
	require.True(t, comps[0].Reversed)
}

func TestCrossTypeOrder(t *testing.T) {
	id := uuid.New()
	keys := [][]byte{
		AppendNull(nil),
		AppendBool(nil, false),
		AppendBool(nil, true),
		AppendNumber(nil, 1e10),
		AppendString(nil, "zzz"),
		AppendBytes(nil, []byte{0xff}),
		AppendUUID(nil, id),
	}
	requireSorted(t, keys)
}

func TestTimeUUIDOrder(t *testing.T) {
	var ids []uuid.UUID
	for i := 0; i < 50; i++ {
		id, err := uuid.NewUUID()
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(time.Microsecond)
	}
	keys := make([][]byte, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, AppendTimeUUID(nil, id))
	}
	sorted := append([][]byte{}, keys...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	for i := range keys {
		comps, err := Decode(sorted[i])
		require.NoError(t, err)
		require.Equal(t, TypeTimeUUID, comps[0].Type)
		require.Equal(t, ids[i].Time(), comps[0].UUID.Time())
	}
}

func TestMultiComponentRoundTrip(t *testing.T) {
	id := uuid.New()
	key := AppendString(nil, "name")
	key = AppendNumber(key, 7)
	key = AppendUUID(key, id)
	key = AppendReversed(key, func(b []byte) []byte { return AppendBytes(b, []byte{0, 1, 2}) })
	key = AppendBool(key, true)
	key = AppendNull(key)

	comps, err := Decode(key)
	require.NoError(t, err)
	require.Len(t, comps, 6)
	require.Equal(t, "name", comps[0].Str)
	require.Equal(t, float64(7), comps[1].Number)
	require.Equal(t, id, comps[2].UUID)
	require.Equal(t, []byte{0, 1, 2}, comps[3].Bytes)
	require.True(t, comps[3].Reversed)
	require.True(t, comps[4].Bool)
	require.Equal(t, TypeNull, comps[5].Type)

	_, err = Decode(key[:len(key)-3])
	require.Error(t, err)
	_, err = Decode([]byte{0x77})
	require.ErrorIs(t, err, ErrUnknownTag)
}

func TestPrefixEndAndTypeRange(t *testing.T) {
	prefix := AppendString(nil, "abc")
	end := PrefixEnd(prefix)
	for _, k := range [][]byte{
		AppendNumber(append([]byte{}, prefix...), 1),
		AppendString(append([]byte{}, prefix...), "zzzz"),
		AppendReversed(append([]byte{}, prefix...), func(b []byte) []byte { return AppendNull(b) }),
	} {
		require.True(t, bytes.Compare(prefix, k) < 0)
		require.True(t, bytes.Compare(k, end) < 0)
	}
	require.True(t, bytes.Compare(end, AppendString(nil, "abd")) < 0)

	for _, reversed := range []bool{false, true} {
		start, end := TypeRange(TypeNumber, reversed)
		for _, n := range []float64{math.Inf(-1), -5, 0, 5, math.Inf(1)} {
			k := AppendNumber(nil, n)
			if reversed {
				k = Reverse(k, 0)
			}
			require.True(t, bytes.Compare(start, k) <= 0)
			require.True(t, bytes.Compare(k, end) < 0)
		}
		s := AppendString(nil, "x")
		if reversed {
			s = Reverse(s, 0)
		}
		require.False(t, bytes.Compare(start, s) <= 0 && bytes.Compare(s, end) < 0)
	}

	start, end := TypeRange(TypeBool, false)
	require.True(t, bytes.Compare(start, AppendBool(nil, false)) <= 0)
	require.True(t, bytes.Compare(AppendBool(nil, true), end) < 0)
}
