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
	"fmt"
	"strconv"

	"github.com/cespare/xxhash"

	"github.com/cubefs/graphdb/geo"
	"github.com/cubefs/graphdb/proto"
)

// Node is a node of the compiled query tree.
type Node interface {
	fmt.Stringer
}

type (
	// AllNode streams every member of the searched context in id order.
	AllNode struct {
		id       int
		Reversed bool
	}
	// SliceNode is a range [Start, End) of encoded values of one property
	// path. Nil bounds are open.
	SliceNode struct {
		id       int
		Property string
		Start    []byte
		End      []byte
		Reversed bool
	}
	AndNode struct {
		Left, Right Node
	}
	OrNode struct {
		Left, Right Node
	}
	// NotNode streams the members of All that Subtract does not match.
	NotNode struct {
		All      *AllNode
		Subtract Node
	}
	// OrderByNode streams Sort filtered by Subtree. A nil Subtree matches
	// everything.
	OrderByNode struct {
		Sort    *SliceNode
		Subtree Node
	}
	WithinNode struct {
		id       int
		Property string
		Center   geo.Point
		Distance float64
	}
	IdentifierNode struct {
		id         int
		Identifier proto.Identifier
	}
)

func (n *AllNode) String() string {
	return fmt.Sprintf("all(%t)", n.Reversed)
}

func (n *SliceNode) String() string {
	return fmt.Sprintf("slice(%s,%x,%x,%t)", n.Property, n.Start, n.End, n.Reversed)
}

func (n *AndNode) String() string {
	return "and(" + n.Left.String() + "," + n.Right.String() + ")"
}

func (n *OrNode) String() string {
	return "or(" + n.Left.String() + "," + n.Right.String() + ")"
}

func (n *NotNode) String() string {
	return "not(" + n.Subtract.String() + ")"
}

func (n *OrderByNode) String() string {
	if n.Subtree == nil {
		return "orderby(" + n.Sort.String() + ")"
	}
	return "orderby(" + n.Sort.String() + "," + n.Subtree.String() + ")"
}

func (n *WithinNode) String() string {
	return fmt.Sprintf("within(%s,%g,%g,%g)", n.Property, n.Center.Latitude, n.Center.Longitude, n.Distance)
}

func (n *IdentifierNode) String() string {
	switch n.Identifier.Kind {
	case proto.IdentifierUUID:
		return "uuid(" + n.Identifier.ID.String() + ")"
	case proto.IdentifierEmail:
		return "email(" + n.Identifier.Name + ")"
	}
	return "name(" + n.Identifier.Name + ")"
}

// cursor keys of the streaming leaves: the node index keeps two slices of
// one shape in different OR branches apart
func (n *AllNode) hash() string {
	return hashKey(n.id, "all", strconv.FormatBool(n.Reversed))
}

func (n *SliceNode) hash() string {
	return hashKey(n.id, n.Property, strconv.FormatBool(n.Reversed), string(n.Start), string(n.End))
}

func (n *WithinNode) hash() string {
	return hashKey(n.id, n.String())
}

func (n *IdentifierNode) hash() string {
	return hashKey(n.id, n.String())
}

func hashKey(id int, parts ...string) string {
	d := xxhash.New()
	d.Write([]byte(strconv.Itoa(id)))
	for _, p := range parts {
		d.Write([]byte{0})
		d.Write([]byte(p))
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// intersect narrows a slice to the range of another slice on the same
// property.
func (n *SliceNode) intersect(o *SliceNode) {
	if o.Start != nil && (n.Start == nil || bytes.Compare(o.Start, n.Start) > 0) {
		n.Start = o.Start
	}
	if o.End != nil && (n.End == nil || bytes.Compare(o.End, n.End) < 0) {
		n.End = o.End
	}
}

// Empty reports a slice whose range holds no value.
func (n *SliceNode) Empty() bool {
	return n.Start != nil && n.End != nil && bytes.Compare(n.Start, n.End) >= 0
}
