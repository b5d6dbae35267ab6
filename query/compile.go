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
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash"

	apierrors "github.com/cubefs/graphdb/errors"
	"github.com/cubefs/graphdb/geo"
	"github.com/cubefs/graphdb/index"
	"github.com/cubefs/graphdb/proto"
	"github.com/cubefs/graphdb/schema"
)

// multiSlicePageSize is the scan chunk once results of several slices must
// be combined before the page boundary is known
const multiSlicePageSize = proto.MaxQueryLimit

// Plan is a compiled query ready for evaluation.
type Plan struct {
	Root     Node
	Limit    int
	PageSize int
	Cursor   *Cursor

	shape  string
	slices int
}

func (p *Plan) Shape() string {
	return p.shape
}

type compiler struct {
	registry   schema.Registry
	entityType string
	nextID     int
}

// Compile turns a query into a plan over the index of entityType. An empty
// entityType searches a context of mixed types.
func Compile(q *proto.Query, registry schema.Registry, entityType string) (*Plan, error) {
	if q == nil {
		q = &proto.Query{}
	}
	c := &compiler{registry: registry, entityType: entityType}

	var root Node
	if q.Root != nil {
		var err error
		if root, err = c.compile(q.Root); err != nil {
			return nil, err
		}
	} else {
		root = c.identifiers(q.Identifiers)
	}

	if len(q.Sorts) > 0 && !isIdentifierTree(root) {
		var err error
		if root, err = c.orderBy(root, q.Sorts[0]); err != nil {
			return nil, err
		}
	}

	p := &Plan{Root: root, Limit: q.EffectiveLimit()}
	p.slices = countSlices(root)
	p.PageSize = p.Limit
	if p.slices > 1 {
		p.PageSize = multiSlicePageSize
	}
	p.shape = strconv.FormatUint(xxhash.Sum64String(root.String()), 16)

	cursor, err := ParseCursor(q.Cursor, p.shape)
	if err != nil {
		return nil, err
	}
	p.Cursor = cursor
	return p, nil
}

func (c *compiler) id() int {
	c.nextID++
	return c.nextID
}

func (c *compiler) compile(op proto.Operand) (Node, error) {
	switch t := op.(type) {
	case *proto.AndOperand:
		left, err := c.compile(t.Left)
		if err != nil {
			return nil, err
		}
		right, err := c.compile(t.Right)
		if err != nil {
			return nil, err
		}
		ls, lok := left.(*SliceNode)
		rs, rok := right.(*SliceNode)
		if lok && rok && ls.Property == rs.Property {
			ls.intersect(rs)
			return ls, nil
		}
		return &AndNode{Left: left, Right: right}, nil

	case *proto.OrOperand:
		left, err := c.compile(t.Left)
		if err != nil {
			return nil, err
		}
		right, err := c.compile(t.Right)
		if err != nil {
			return nil, err
		}
		return &OrNode{Left: left, Right: right}, nil

	case *proto.NotOperand:
		sub, err := c.compile(t.Operand)
		if err != nil {
			return nil, err
		}
		return &NotNode{All: &AllNode{id: c.id()}, Subtract: sub}, nil

	case *proto.Predicate:
		return c.predicate(t)

	case *proto.WithinOperand:
		property := strings.ToLower(t.Property)
		if !c.registry.IsPropertyIndexed(c.entityType, topLevel(property)) {
			return nil, apierrors.NewNoIndexError(c.entityType, t.Property)
		}
		if !strings.HasSuffix(property, ".coordinates") {
			property += ".coordinates"
		}
		if !(t.Latitude >= -90 && t.Latitude <= 90) || !(t.Longitude >= -180 && t.Longitude <= 180) {
			return nil, fmt.Errorf("%w: center %v,%v out of range", apierrors.ErrInvalidQuery, t.Latitude, t.Longitude)
		}
		if !(t.Distance >= 0) || math.IsInf(t.Distance, 1) {
			return nil, fmt.Errorf("%w: distance %v", apierrors.ErrInvalidQuery, t.Distance)
		}
		return &WithinNode{
			id:       c.id(),
			Property: property,
			Center:   geo.Point{Latitude: t.Latitude, Longitude: t.Longitude},
			Distance: t.Distance,
		}, nil
	}
	return nil, fmt.Errorf("%w: unsupported operand %T", apierrors.ErrInvalidQuery, op)
}

func (c *compiler) predicate(p *proto.Predicate) (Node, error) {
	property := strings.ToLower(p.Property)
	if property == "" {
		return nil, fmt.Errorf("%w: predicate without property", apierrors.ErrInvalidQuery)
	}
	if !c.registry.IsPropertyIndexed(c.entityType, topLevel(property)) {
		return nil, apierrors.NewNoIndexError(c.entityType, p.Property)
	}
	if !p.Value.IsScalar() {
		return nil, fmt.Errorf("%w: %s compared with %s", apierrors.ErrInvalidQuery, p.Property, p.Value.Kind())
	}
	if n := p.Value.Number(); p.Value.Kind() == proto.KindNumber && (math.IsNaN(n) || math.IsInf(n, 0)) {
		return nil, fmt.Errorf("%w: %s compared with %v", apierrors.ErrInvalidQuery, p.Property, n)
	}

	s := &SliceNode{id: c.id(), Property: property}
	v := index.NormalizeValue(p.Value)
	typeStart, typeEnd := index.ValueTypeRange(v)
	switch p.Op {
	case proto.OpEqual:
		s.Start, s.End = index.ValueStart(v), index.ValueEnd(v)
	case proto.OpLessThan:
		s.Start, s.End = typeStart, index.ValueStart(v)
	case proto.OpLessThanEqual:
		s.Start, s.End = typeStart, index.ValueEnd(v)
	case proto.OpGreaterThan:
		s.Start, s.End = index.ValueEnd(v), typeEnd
	case proto.OpGreaterThanEqual:
		s.Start, s.End = index.ValueStart(v), typeEnd
	case proto.OpContains:
		if !c.registry.IsPropertyFulltextIndexed(c.entityType, topLevel(property)) {
			return nil, apierrors.NewNoFullTextIndexError(c.entityType, p.Property)
		}
		if p.Value.Kind() != proto.KindString {
			return nil, fmt.Errorf("%w: contains needs a string", apierrors.ErrInvalidQuery)
		}
		s.Property = property + index.KeywordsSuffix
		term := strings.ToLower(strings.TrimSpace(p.Value.Str()))
		if strings.HasSuffix(term, "*") {
			s.Start, s.End = index.StringPrefixRange(strings.TrimSuffix(term, "*"))
		} else {
			tv := proto.String(term)
			s.Start, s.End = index.ValueStart(tv), index.ValueEnd(tv)
		}
	default:
		return nil, fmt.Errorf("%w: unknown operator %d", apierrors.ErrInvalidQuery, p.Op)
	}
	return s, nil
}

// identifiers is the root of a query without predicates: alias or id
// lookups when given, else every member.
func (c *compiler) identifiers(ids []proto.Identifier) Node {
	var root Node
	for _, ident := range ids {
		n := &IdentifierNode{id: c.id(), Identifier: ident}
		if root == nil {
			root = n
			continue
		}
		root = &OrNode{Left: root, Right: n}
	}
	if root == nil {
		root = &AllNode{id: c.id()}
	}
	return root
}

func (c *compiler) orderBy(root Node, sort proto.Sort) (Node, error) {
	property := strings.ToLower(sort.Property)
	reversed := sort.Direction == proto.Descending
	if all, ok := root.(*AllNode); ok && property == proto.PropertyUUID {
		all.Reversed = reversed
		return all, nil
	}
	if !c.registry.IsPropertyIndexed(c.entityType, topLevel(property)) {
		return nil, apierrors.NewNoIndexError(c.entityType, sort.Property)
	}
	if s, ok := root.(*SliceNode); ok && s.Property == property {
		s.Reversed = reversed
		return s, nil
	}
	n := &OrderByNode{Sort: &SliceNode{id: c.id(), Property: property, Reversed: reversed}}
	if _, ok := root.(*AllNode); !ok {
		n.Subtree = root
	}
	return n, nil
}

func isIdentifierTree(n Node) bool {
	switch t := n.(type) {
	case *IdentifierNode:
		return true
	case *OrNode:
		return isIdentifierTree(t.Left) && isIdentifierTree(t.Right)
	}
	return false
}

func countSlices(n Node) int {
	switch t := n.(type) {
	case *SliceNode:
		return 1
	case *AndNode:
		return countSlices(t.Left) + countSlices(t.Right)
	case *OrNode:
		return countSlices(t.Left) + countSlices(t.Right)
	case *NotNode:
		return countSlices(t.Subtract)
	case *OrderByNode:
		if t.Subtree == nil {
			return 1
		}
		return 1 + countSlices(t.Subtree)
	}
	return 0
}

func topLevel(path string) string {
	if i := strings.IndexByte(path, '.'); i > 0 {
		return path[:i]
	}
	return path
}
