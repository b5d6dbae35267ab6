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
	"math"
	"sort"
	"strconv"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
)

const DefaultBucketCount = 100

// Locator spreads the index rows of one context over a fixed ring of
// buckets. A target always lands in the bucket whose ring position is the
// first at or after the target hash, wrapping around at the end.
type Locator struct {
	positions []uint64
	buckets   []string
}

func NewLocator(n int) *Locator {
	if n <= 0 {
		n = DefaultBucketCount
	}
	l := &Locator{
		positions: make([]uint64, n),
		buckets:   make([]string, n),
	}
	step := math.MaxUint64 / uint64(n)
	for i := 0; i < n; i++ {
		l.positions[i] = step * uint64(i+1)
		l.buckets[i] = strconv.Itoa(i)
	}
	return l
}

func (l *Locator) Size() int {
	return len(l.buckets)
}

// Bucket returns the bucket of target within the (owner, indexType, context)
// index row. Owner, type and context do not change the placement, so a
// target sits in the same bucket in every context.
func (l *Locator) Bucket(owner uuid.UUID, indexType Type, target uuid.UUID, context string) string {
	h := xxhash.Sum64(target[:])
	i := sort.Search(len(l.positions), func(i int) bool { return l.positions[i] >= h })
	if i == len(l.positions) {
		i = 0
	}
	return l.buckets[i]
}

// Buckets enumerates every bucket of a context in ring order.
func (l *Locator) Buckets(owner uuid.UUID, indexType Type, context string) []string {
	ret := make([]string, len(l.buckets))
	copy(ret, l.buckets)
	return ret
}
