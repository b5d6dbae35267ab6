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
	"github.com/google/uuid"
)

const (
	DefaultQueryLimit = 10
	MaxQueryLimit     = 1000
)

// Operand is a node of a predicate tree.
type Operand interface {
	operand()
}

type Operator uint8

const (
	OpEqual Operator = iota + 1
	OpLessThan
	OpLessThanEqual
	OpGreaterThan
	OpGreaterThanEqual
	OpContains
)

func (o Operator) String() string {
	switch o {
	case OpEqual:
		return "="
	case OpLessThan:
		return "<"
	case OpLessThanEqual:
		return "<="
	case OpGreaterThan:
		return ">"
	case OpGreaterThanEqual:
		return ">="
	case OpContains:
		return "contains"
	}
	return "?"
}

type (
	AndOperand struct {
		Left, Right Operand
	}
	OrOperand struct {
		Left, Right Operand
	}
	NotOperand struct {
		Operand Operand
	}
	// Predicate compares one property against a literal.
	Predicate struct {
		Property string
		Op       Operator
		Value    Value
	}
	// WithinOperand selects entities whose point property lies within
	// Distance meters of the given coordinates.
	WithinOperand struct {
		Property  string
		Latitude  float64
		Longitude float64
		Distance  float64
	}
)

func (*AndOperand) operand()    {}
func (*OrOperand) operand()     {}
func (*NotOperand) operand()    {}
func (*Predicate) operand()     {}
func (*WithinOperand) operand() {}

func And(left, right Operand) Operand { return &AndOperand{Left: left, Right: right} }

func Or(left, right Operand) Operand { return &OrOperand{Left: left, Right: right} }

func Not(op Operand) Operand { return &NotOperand{Operand: op} }

func Eq(property string, v Value) Operand {
	return &Predicate{Property: property, Op: OpEqual, Value: v}
}

func Lt(property string, v Value) Operand {
	return &Predicate{Property: property, Op: OpLessThan, Value: v}
}

func Lte(property string, v Value) Operand {
	return &Predicate{Property: property, Op: OpLessThanEqual, Value: v}
}

func Gt(property string, v Value) Operand {
	return &Predicate{Property: property, Op: OpGreaterThan, Value: v}
}

func Gte(property string, v Value) Operand {
	return &Predicate{Property: property, Op: OpGreaterThanEqual, Value: v}
}

func Contains(property, term string) Operand {
	return &Predicate{Property: property, Op: OpContains, Value: String(term)}
}

func Within(property string, latitude, longitude, distance float64) Operand {
	return &WithinOperand{Property: property, Latitude: latitude, Longitude: longitude, Distance: distance}
}

type Direction uint8

const (
	Ascending Direction = iota
	Descending
)

type Sort struct {
	Property  string
	Direction Direction
}

type IdentifierKind uint8

const (
	IdentifierName IdentifierKind = iota + 1
	IdentifierEmail
	IdentifierUUID
)

// Identifier addresses a single entity by alias or id.
type Identifier struct {
	Kind IdentifierKind
	Name string
	ID   uuid.UUID
}

func NameIdentifier(name string) Identifier {
	return Identifier{Kind: IdentifierName, Name: name}
}

func EmailIdentifier(email string) Identifier {
	return Identifier{Kind: IdentifierEmail, Name: email}
}

func UUIDIdentifier(id uuid.UUID) Identifier {
	return Identifier{Kind: IdentifierUUID, ID: id}
}

type Query struct {
	Root        Operand
	Sorts       []Sort
	Identifiers []Identifier
	// Cursor is the opaque token returned by the previous page.
	Cursor string
	Limit  int
}

func NewQuery(root Operand) *Query {
	return &Query{Root: root}
}

func (q *Query) WithLimit(limit int) *Query {
	q.Limit = limit
	return q
}

func (q *Query) WithCursor(cursor string) *Query {
	q.Cursor = cursor
	return q
}

func (q *Query) SortBy(property string, direction Direction) *Query {
	q.Sorts = append(q.Sorts, Sort{Property: property, Direction: direction})
	return q
}

// EffectiveLimit clamps the requested limit into [1, MaxQueryLimit].
func (q *Query) EffectiveLimit() int {
	switch {
	case q == nil || q.Limit <= 0:
		return DefaultQueryLimit
	case q.Limit > MaxQueryLimit:
		return MaxQueryLimit
	}
	return q.Limit
}

type Results struct {
	IDs      []uuid.UUID
	Entities []*Entity
	// Cursor is empty when there are no further pages.
	Cursor string
}

func (r *Results) Size() int {
	return len(r.IDs)
}
