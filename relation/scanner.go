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
	"bytes"
	"container/heap"
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	"github.com/cubefs/graphdb/common/columnstore"
	"github.com/cubefs/graphdb/metrics"
	"github.com/cubefs/graphdb/util/limiter"
)

const minBucketPage = 16

type bucketCursor struct {
	row  []byte
	cols []columnstore.Column
	i    int
	done bool
}

func (b *bucketCursor) head() []byte {
	return b.cols[b.i].Name
}

type bucketHeap struct {
	items    []*bucketCursor
	reversed bool
}

func (h *bucketHeap) Len() int { return len(h.items) }

func (h *bucketHeap) Less(i, j int) bool {
	c := bytes.Compare(h.items[i].head(), h.items[j].head())
	if h.reversed {
		return c > 0
	}
	return c < 0
}

func (h *bucketHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *bucketHeap) Push(x interface{}) { h.items = append(h.items, x.(*bucketCursor)) }

func (h *bucketHeap) Pop() interface{} {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

// mergeScanner walks one column range over every bucket row of an index
// context and yields the columns in global order. Buckets are loaded page by
// page, so only the heads of the rows are held in memory.
type mergeScanner struct {
	store    *columnstore.Store
	family   columnstore.Family
	limiter  limiter.Limiter
	rows     [][]byte
	start    []byte
	end      []byte
	reversed bool
	pageSize int
	decode   func(name []byte) (uuid.UUID, error)

	loaded bool
	heap   bucketHeap
	last   uuid.UUID
}

type scanConfig struct {
	family   columnstore.Family
	rows     [][]byte
	start    []byte
	end      []byte
	position []byte
	reversed bool
	pageSize int
	decode   func(name []byte) (uuid.UUID, error)
}

func (m *Manager) newMergeScanner(cfg scanConfig) *mergeScanner {
	pageSize := 2 * cfg.pageSize / len(cfg.rows)
	if pageSize < minBucketPage {
		pageSize = minBucketPage
	}
	if pageSize > cfg.pageSize && cfg.pageSize > minBucketPage {
		pageSize = cfg.pageSize
	}
	s := &mergeScanner{
		store:    m.store,
		family:   cfg.family,
		limiter:  m.limiter,
		rows:     cfg.rows,
		start:    cfg.start,
		end:      cfg.end,
		reversed: cfg.reversed,
		pageSize: pageSize,
		decode:   cfg.decode,
		heap:     bucketHeap{reversed: cfg.reversed},
	}
	// resume strictly past the position; repeats of the id that ended the
	// previous page sort right after it
	if len(cfg.position) > 0 {
		if cfg.reversed {
			s.end = cfg.position
		} else {
			s.start = columnstore.After(cfg.position)
		}
		if id, err := cfg.decode(cfg.position); err == nil {
			s.last = id
		}
	}
	return s
}

func (s *mergeScanner) slice() columnstore.Slice {
	return columnstore.Slice{Start: s.start, End: s.end, Reversed: s.reversed, Count: s.pageSize}
}

// Prefetch loads the first page of every bucket with one multi row read.
func (s *mergeScanner) Prefetch(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	results, err := s.store.MultiGetSlice(ctx, s.family, s.rows, s.slice())
	if err != nil {
		return errors.Info(err, "prefetch buckets")
	}
	scanned := 0
	for i, cols := range results {
		scanned += len(cols)
		if len(cols) == 0 {
			continue
		}
		s.heap.items = append(s.heap.items, &bucketCursor{
			row:  s.rows[i],
			cols: cols,
			done: len(cols) < s.pageSize,
		})
	}
	heap.Init(&s.heap)
	s.loaded = true
	metrics.ScannedColumns.WithLabelValues("bucket").Add(float64(scanned))
	return s.limiter.WaitScan(ctx, scanned)
}

func (s *mergeScanner) refill(ctx context.Context, b *bucketCursor) error {
	last := b.cols[len(b.cols)-1].Name
	b.cols, b.i = nil, 0
	if b.done {
		return nil
	}
	slice := s.slice()
	if s.reversed {
		slice.End = last
	} else {
		slice.Start = columnstore.After(last)
	}
	cols, err := s.store.GetSlice(ctx, s.family, b.row, slice)
	if err != nil {
		return errors.Info(err, "refill bucket")
	}
	b.cols = cols
	b.done = len(cols) < s.pageSize
	metrics.ScannedColumns.WithLabelValues("bucket").Add(float64(len(cols)))
	return s.limiter.WaitScan(ctx, len(cols))
}

func (s *mergeScanner) Next(ctx context.Context) (uuid.UUID, []byte, bool, error) {
	if err := s.Prefetch(ctx); err != nil {
		return uuid.Nil, nil, false, err
	}
	for s.heap.Len() > 0 {
		b := s.heap.items[0]
		name := b.head()
		b.i++
		if b.i >= len(b.cols) {
			if err := s.refill(ctx, b); err != nil {
				return uuid.Nil, nil, false, err
			}
		}
		if len(b.cols) == 0 {
			heap.Pop(&s.heap)
		} else {
			heap.Fix(&s.heap, 0)
		}

		id, err := s.decode(name)
		if err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("skip corrupt column of family[%s]: %v", s.family, err)
			continue
		}
		if id == s.last {
			continue
		}
		s.last = id
		return id, name, true, nil
	}
	return uuid.Nil, nil, false, nil
}
