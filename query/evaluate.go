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
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/google/uuid"

	"github.com/cubefs/graphdb/common/composite"
	"github.com/cubefs/graphdb/geo"
	"github.com/cubefs/graphdb/index"
	"github.com/cubefs/graphdb/metrics"
	"github.com/cubefs/graphdb/proto"
)

const defaultScanPoolSize = 16

var (
	scanPoolLock sync.RWMutex
	scanPool     = taskpool.New(defaultScanPoolSize, defaultScanPoolSize)
)

// SetScanPoolSize replaces the process wide pool that prefetches the first
// page of every leaf. It is meant to be called once at start up.
func SetScanPoolSize(n int) {
	if n <= 0 {
		return
	}
	scanPoolLock.Lock()
	old := scanPool
	scanPool = taskpool.New(n, n)
	scanPoolLock.Unlock()
	old.Close()
}

func getScanPool() taskpool.TaskPool {
	scanPoolLock.RLock()
	defer scanPoolLock.RUnlock()
	return scanPool
}

// Scanner is a pull based iterator over the ids of one index range. The
// position returned with each id resumes the scan right after it. A scanner
// is owned by one evaluation and is not safe for concurrent use.
type Scanner interface {
	Next(ctx context.Context) (id uuid.UUID, position []byte, ok bool, err error)
}

// Prefetcher is implemented by scanners that can load their first page
// ahead of the first Next.
type Prefetcher interface {
	Prefetch(ctx context.Context) error
}

// SearchContext binds a plan to the index rows of one collection or
// connection variant.
type SearchContext interface {
	IndexType() index.Type
	ScanSlice(ctx context.Context, slice *SliceNode, position []byte, pageSize int) (Scanner, error)
	ScanAll(ctx context.Context, reversed bool, position []byte, pageSize int) (Scanner, error)
	Within(ctx context.Context, property string, center geo.Point, distance float64) ([]geo.Hit, error)
	// Resolve looks an identifier up among the members of the context.
	Resolve(ctx context.Context, ident proto.Identifier) (uuid.UUID, bool, error)
	// Entries returns the ledger entries of one property path of a member.
	Entries(ctx context.Context, id uuid.UUID, path string) ([]index.Entry, error)
}

type stream interface {
	next(ctx context.Context) (uuid.UUID, bool, error)
}

type leaf struct {
	hash     string
	node     string
	open     func(ctx context.Context, position []byte) (Scanner, error)
	scanner  Scanner
	position []byte
	// exhausted leaves never yield again
	exhausted bool
	pulled    int
}

func (l *leaf) ensureOpen(ctx context.Context) error {
	if l.scanner != nil || l.exhausted {
		return nil
	}
	s, err := l.open(ctx, l.position)
	if err != nil {
		return err
	}
	l.scanner = s
	return nil
}

func (l *leaf) next(ctx context.Context) (uuid.UUID, bool, error) {
	if err := l.ensureOpen(ctx); err != nil {
		return uuid.Nil, false, err
	}
	if l.exhausted {
		return uuid.Nil, false, nil
	}
	id, pos, ok, err := l.scanner.Next(ctx)
	if err != nil {
		return uuid.Nil, false, err
	}
	if !ok {
		l.exhausted = true
		return uuid.Nil, false, nil
	}
	l.position = pos
	l.pulled++
	return id, true, nil
}

// firstValueStream yields an id of a multi valued property only at the
// column of its first matching value in scan order. A page resumed past
// that column never yields the id again.
type firstValueStream struct {
	src   *leaf
	slice *SliceNode
	e     *evaluator
}

func (s *firstValueStream) next(ctx context.Context) (uuid.UUID, bool, error) {
	for {
		id, ok, err := s.src.next(ctx)
		if err != nil || !ok {
			return id, ok, err
		}
		entries, err := s.e.entriesOf(ctx, id, s.slice.Property)
		if err != nil {
			return uuid.Nil, false, err
		}
		// index columns start with the encoded value
		first, found := index.FirstMatch(entries, s.slice.Start, s.slice.End, s.slice.Reversed)
		if !found || bytes.HasPrefix(s.src.position, first) {
			return id, true, nil
		}
	}
}

// distinctStream drops the repeats a multi valued property produces.
type distinctStream struct {
	src  stream
	seen map[uuid.UUID]struct{}
}

func (s *distinctStream) next(ctx context.Context) (uuid.UUID, bool, error) {
	for {
		id, ok, err := s.src.next(ctx)
		if err != nil || !ok {
			return id, ok, err
		}
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}
		return id, true, nil
	}
}

type filterStream struct {
	src  stream
	keep func(ctx context.Context, id uuid.UUID) (bool, error)
}

func (s *filterStream) next(ctx context.Context) (uuid.UUID, bool, error) {
	for {
		id, ok, err := s.src.next(ctx)
		if err != nil || !ok {
			return id, ok, err
		}
		keep, err := s.keep(ctx, id)
		if err != nil {
			return uuid.Nil, false, err
		}
		if keep {
			return id, true, nil
		}
	}
}

// orStream drains the left side, then yields the right side ids the left
// side does not match.
type orStream struct {
	left, right stream
	leftNode    Node
	e           *evaluator
	leftDone    bool
}

func (s *orStream) next(ctx context.Context) (uuid.UUID, bool, error) {
	if !s.leftDone {
		id, ok, err := s.left.next(ctx)
		if err != nil {
			return uuid.Nil, false, err
		}
		if ok {
			return id, true, nil
		}
		s.leftDone = true
	}
	for {
		id, ok, err := s.right.next(ctx)
		if err != nil || !ok {
			return id, ok, err
		}
		matched, err := s.e.matches(ctx, s.leftNode, id)
		if err != nil {
			return uuid.Nil, false, err
		}
		if !matched {
			return id, true, nil
		}
	}
}

type evaluator struct {
	plan    *Plan
	sc      SearchContext
	leaves  []*leaf
	entries map[string][]index.Entry
	idents  map[*IdentifierNode]uuid.UUID
}

// Evaluate runs the plan against a search context and returns one page of
// ids with the cursor of the next page.
func (p *Plan) Evaluate(ctx context.Context, sc SearchContext) (*proto.Results, error) {
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()
	indexType := string(sc.IndexType())

	results, err := p.evaluate(ctx, sc)
	metrics.QueryDuration.WithLabelValues(indexType).Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		metrics.QueryEvaluations.WithLabelValues(indexType, "error").Inc()
		span.Errorf("evaluate query[%s] failed: %v", p.Root, err)
		return nil, err
	}
	metrics.QueryEvaluations.WithLabelValues(indexType, "ok").Inc()
	span.Debugf("evaluate query[%s] limit[%d] page size[%d] results[%d] more[%t]",
		p.Root, p.Limit, p.PageSize, len(results.IDs), results.Cursor != "")
	return results, nil
}

func (p *Plan) evaluate(ctx context.Context, sc SearchContext) (*proto.Results, error) {
	e := &evaluator{
		plan:    p,
		sc:      sc,
		entries: make(map[string][]index.Entry),
		idents:  make(map[*IdentifierNode]uuid.UUID),
	}
	root, err := e.build(p.Root)
	if err != nil {
		return nil, err
	}
	if err = e.prefetch(ctx); err != nil {
		return nil, err
	}

	results := &proto.Results{}
	seen := make(map[uuid.UUID]struct{}, p.Limit)
	for len(results.IDs) < p.Limit {
		id, ok, err := root.next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		results.IDs = append(results.IDs, id)
	}

	cursor := NewCursor(p.shape)
	for _, l := range e.leaves {
		metrics.ScannedColumns.WithLabelValues(l.node).Add(float64(l.pulled))
		switch {
		case l.exhausted:
			cursor.Set(l.hash, nil)
		case l.position != nil:
			cursor.Set(l.hash, l.position)
		}
	}
	results.Cursor = cursor.Serialize()
	return results, nil
}

func (e *evaluator) newLeaf(hash, node string, open func(ctx context.Context, position []byte) (Scanner, error)) *leaf {
	l := &leaf{hash: hash, node: node, open: open}
	if payload, ok := e.plan.Cursor.Get(hash); ok {
		if len(payload) == 0 {
			l.exhausted = true
		} else {
			l.position = payload
		}
	}
	e.leaves = append(e.leaves, l)
	return l
}

func (e *evaluator) build(n Node) (stream, error) {
	pageSize := e.plan.PageSize
	switch t := n.(type) {
	case *AllNode:
		return e.newLeaf(t.hash(), "all", func(ctx context.Context, position []byte) (Scanner, error) {
			return e.sc.ScanAll(ctx, t.Reversed, position, pageSize)
		}), nil

	case *SliceNode:
		return e.sliceStream(t), nil

	case *AndNode:
		left, err := e.build(t.Left)
		if err != nil {
			return nil, err
		}
		right := t.Right
		return &filterStream{src: left, keep: func(ctx context.Context, id uuid.UUID) (bool, error) {
			return e.matches(ctx, right, id)
		}}, nil

	case *OrNode:
		left, err := e.build(t.Left)
		if err != nil {
			return nil, err
		}
		right, err := e.build(t.Right)
		if err != nil {
			return nil, err
		}
		return &orStream{left: left, right: right, leftNode: t.Left, e: e}, nil

	case *NotNode:
		all, err := e.build(t.All)
		if err != nil {
			return nil, err
		}
		sub := t.Subtract
		return &filterStream{src: all, keep: func(ctx context.Context, id uuid.UUID) (bool, error) {
			matched, err := e.matches(ctx, sub, id)
			return !matched, err
		}}, nil

	case *OrderByNode:
		sorted := e.sliceStream(t.Sort)
		if t.Subtree == nil {
			return sorted, nil
		}
		sub := t.Subtree
		return &filterStream{src: sorted, keep: func(ctx context.Context, id uuid.UUID) (bool, error) {
			return e.matches(ctx, sub, id)
		}}, nil

	case *WithinNode:
		return e.newLeaf(t.hash(), "within", func(ctx context.Context, position []byte) (Scanner, error) {
			hits, err := e.sc.Within(ctx, t.Property, t.Center, t.Distance)
			if err != nil {
				return nil, err
			}
			return newHitScanner(hits, position), nil
		}), nil

	case *IdentifierNode:
		return e.newLeaf(t.hash(), "identifier", func(ctx context.Context, position []byte) (Scanner, error) {
			return &identifierScanner{e: e, node: t, done: len(position) > 0}, nil
		}), nil
	}
	return nil, fmt.Errorf("unknown query node %T", n)
}

func (e *evaluator) sliceStream(s *SliceNode) stream {
	pageSize := e.plan.PageSize
	l := e.newLeaf(s.hash(), "slice", func(ctx context.Context, position []byte) (Scanner, error) {
		return e.sc.ScanSlice(ctx, s, position, pageSize)
	})
	first := &firstValueStream{src: l, slice: s, e: e}
	return &distinctStream{src: first, seen: make(map[uuid.UUID]struct{})}
}

// prefetch opens every live leaf and loads the first pages concurrently
// when more than one leaf takes part. The caller runs a load itself when the
// shared pool is saturated.
func (e *evaluator) prefetch(ctx context.Context) error {
	var live []*leaf
	for _, l := range e.leaves {
		if !l.exhausted {
			live = append(live, l)
		}
	}
	if len(live) < 2 {
		return nil
	}
	for _, l := range live {
		if err := l.ensureOpen(ctx); err != nil {
			return err
		}
	}

	pool := getScanPool()
	errs := make([]error, len(live))
	var wg sync.WaitGroup
	for i, l := range live {
		p, ok := l.scanner.(Prefetcher)
		if !ok {
			continue
		}
		i := i
		wg.Add(1)
		task := func() {
			defer wg.Done()
			errs[i] = p.Prefetch(ctx)
		}
		if !pool.TryRun(task) {
			task()
		}
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *evaluator) entriesOf(ctx context.Context, id uuid.UUID, path string) ([]index.Entry, error) {
	key := id.String() + "/" + path
	if entries, ok := e.entries[key]; ok {
		return entries, nil
	}
	entries, err := e.sc.Entries(ctx, id, path)
	if err != nil {
		return nil, err
	}
	e.entries[key] = entries
	return entries, nil
}

func (e *evaluator) resolve(ctx context.Context, n *IdentifierNode) (uuid.UUID, error) {
	if id, ok := e.idents[n]; ok {
		return id, nil
	}
	id, found, err := e.sc.Resolve(ctx, n.Identifier)
	if err != nil {
		return uuid.Nil, err
	}
	if !found {
		id = uuid.Nil
	}
	e.idents[n] = id
	return id, nil
}

// matches reports whether the member id satisfies the subtree n.
func (e *evaluator) matches(ctx context.Context, n Node, id uuid.UUID) (bool, error) {
	switch t := n.(type) {
	case *AllNode:
		return true, nil
	case *SliceNode:
		entries, err := e.entriesOf(ctx, id, t.Property)
		if err != nil {
			return false, err
		}
		return index.Matches(entries, t.Start, t.End), nil
	case *AndNode:
		ok, err := e.matches(ctx, t.Left, id)
		if err != nil || !ok {
			return false, err
		}
		return e.matches(ctx, t.Right, id)
	case *OrNode:
		ok, err := e.matches(ctx, t.Left, id)
		if err != nil || ok {
			return ok, err
		}
		return e.matches(ctx, t.Right, id)
	case *NotNode:
		ok, err := e.matches(ctx, t.Subtract, id)
		return !ok, err
	case *OrderByNode:
		ok, err := e.matches(ctx, t.Sort, id)
		if err != nil || !ok || t.Subtree == nil {
			return ok, err
		}
		return e.matches(ctx, t.Subtree, id)
	case *WithinNode:
		entries, err := e.entriesOf(ctx, id, t.Property)
		if err != nil {
			return false, err
		}
		for _, entry := range entries {
			lat, lon, ok := index.ParseCoordinates(entry.Value.Str())
			if ok && geo.Distance(t.Center, geo.Point{Latitude: lat, Longitude: lon}) <= t.Distance {
				return true, nil
			}
		}
		return false, nil
	case *IdentifierNode:
		resolved, err := e.resolve(ctx, t)
		return err == nil && resolved != uuid.Nil && resolved == id, err
	}
	return false, fmt.Errorf("unknown query node %T", n)
}

type hitScanner struct {
	hits []geo.Hit
	i    int
}

func hitPosition(h geo.Hit) []byte {
	return composite.AppendUUID(composite.AppendNumber(nil, h.Distance), h.ID)
}

func newHitScanner(hits []geo.Hit, position []byte) *hitScanner {
	s := &hitScanner{hits: hits}
	if len(position) > 0 {
		for s.i < len(hits) && bytes.Compare(hitPosition(hits[s.i]), position) <= 0 {
			s.i++
		}
	}
	return s
}

func (s *hitScanner) Next(ctx context.Context) (uuid.UUID, []byte, bool, error) {
	if s.i >= len(s.hits) {
		return uuid.Nil, nil, false, nil
	}
	h := s.hits[s.i]
	s.i++
	return h.ID, hitPosition(h), true, nil
}

type identifierScanner struct {
	e    *evaluator
	node *IdentifierNode
	done bool
}

func (s *identifierScanner) Next(ctx context.Context) (uuid.UUID, []byte, bool, error) {
	if s.done {
		return uuid.Nil, nil, false, nil
	}
	s.done = true
	id, err := s.e.resolve(ctx, s.node)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, nil, false, err
	}
	return id, []byte{1}, true, nil
}
