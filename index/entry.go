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
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cubefs/graphdb/common/composite"
	"github.com/cubefs/graphdb/proto"
)

type Type string

const (
	TypeCollection = Type("collection")
	TypeConnection = Type("connection")
)

const (
	anyConnection = "*"
	// dictionary of the property paths indexed in a context
	dictionaryIndexes = "indexes"
)

// Context addresses the index rows of one collection or connection variant.
// ConnectionType and ConnectedType are written into every index column of a
// connection context so that the unconstrained variants can tell edges apart.
type Context struct {
	Owner uuid.UUID
	Type  Type
	Name  string

	ConnectionType string
	ConnectedType  string
}

func CollectionContext(owner uuid.UUID, collection string) Context {
	return Context{Owner: owner, Type: TypeCollection, Name: strings.ToLower(collection)}
}

// ConnectionContext names one variant of a connection index. Empty
// connection or connected types leave that side unconstrained.
func ConnectionContext(owner uuid.UUID, connectionType, connectedType string) Context {
	return Context{
		Owner: owner,
		Type:  TypeConnection,
		Name:  ConnectionVariant(connectionType, connectedType),
	}
}

func ConnectionVariant(connectionType, connectedType string) string {
	if connectionType == "" {
		connectionType = anyConnection
	}
	if connectedType == "" {
		connectedType = anyConnection
	}
	return strings.ToLower(connectionType) + ":" + strings.ToLower(connectedType)
}

// ConnectionContexts returns the four variants an edge is indexed under.
func ConnectionContexts(owner uuid.UUID, connectionType, connectedType string) []Context {
	variants := [][2]string{
		{"", ""},
		{"", connectedType},
		{connectionType, ""},
		{connectionType, connectedType},
	}
	ret := make([]Context, 0, len(variants))
	for _, v := range variants {
		c := ConnectionContext(owner, v[0], v[1])
		c.ConnectionType = strings.ToLower(connectionType)
		c.ConnectedType = strings.ToLower(connectedType)
		ret = append(ret, c)
	}
	return ret
}

func (c Context) String() string {
	return fmt.Sprintf("%s/%s/%s", c.Owner, c.Type, c.Name)
}

// RowKey is the key of the index row holding one bucket of a property path.
func (c Context) RowKey(path, bucket string) []byte {
	key := composite.AppendUUID(nil, c.Owner)
	key = composite.AppendString(key, string(c.Type))
	key = composite.AppendString(key, c.Name)
	key = composite.AppendString(key, strings.ToLower(path))
	return composite.AppendString(key, bucket)
}

// IDSetRow is the membership row of one bucket of the context.
func (c Context) IDSetRow(bucket string) []byte {
	key := composite.AppendUUID(nil, c.Owner)
	key = composite.AppendString(key, string(c.Type))
	key = composite.AppendString(key, c.Name)
	return composite.AppendString(key, bucket)
}

// DictionaryRow is the row listing every property path indexed in the context.
func (c Context) DictionaryRow() []byte {
	key := composite.AppendUUID(nil, c.Owner)
	key = composite.AppendString(key, dictionaryIndexes)
	key = composite.AppendString(key, string(c.Type))
	return composite.AppendString(key, c.Name)
}

// Column is the index column of an entry for the entity id.
func (c Context) Column(e Entry, id uuid.UUID) []byte {
	col := AppendValue(nil, e.Value)
	col = composite.AppendUUID(col, id)
	col = composite.AppendString(col, c.ConnectionType)
	col = composite.AppendString(col, c.ConnectedType)
	return composite.AppendTimeUUID(col, e.Timestamp)
}

// MemberColumn is the id set column of a member. Connection contexts append
// the discriminators so that edges of several types to one entity coexist
// in the unconstrained variants.
func (c Context) MemberColumn(id uuid.UUID) []byte {
	col := IDSetColumn(id)
	if c.Type == TypeConnection {
		col = composite.AppendString(col, c.ConnectionType)
		col = composite.AppendString(col, c.ConnectedType)
	}
	return col
}

func IDSetColumn(id uuid.UUID) []byte {
	return composite.AppendTimeUUID(nil, id)
}

func DecodeIDSetColumn(b []byte) (uuid.UUID, error) {
	c, _, err := composite.DecodeOne(b)
	if err != nil {
		return uuid.Nil, err
	}
	if c.Type != composite.TypeTimeUUID {
		return uuid.Nil, fmt.Errorf("unexpected id set column type %s", c.Type)
	}
	return c.UUID, nil
}

// IndexColumn is a decoded index column.
type IndexColumn struct {
	Value          proto.Value
	ID             uuid.UUID
	ConnectionType string
	ConnectedType  string
	Timestamp      uuid.UUID
}

func DecodeIndexColumn(b []byte) (IndexColumn, error) {
	comps, err := composite.Decode(b)
	if err != nil {
		return IndexColumn{}, err
	}
	if len(comps) != 5 {
		return IndexColumn{}, fmt.Errorf("index column has %d components", len(comps))
	}
	return IndexColumn{
		Value:          ValueFromComponent(comps[0]),
		ID:             comps[1].UUID,
		ConnectionType: comps[2].Str,
		ConnectedType:  comps[3].Str,
		Timestamp:      comps[4].UUID,
	}, nil
}

// Entry is one indexed (path, value) pair of an entity, stamped with the
// time uuid of the write that produced it.
type Entry struct {
	Property  string
	Path      string
	Value     proto.Value
	Timestamp uuid.UUID
}

func (e Entry) String() string {
	return fmt.Sprintf("%s=%s@%d", e.Path, e.Value, e.Timestamp.Time())
}

func LedgerRow(id uuid.UUID) []byte {
	return composite.AppendUUID(nil, id)
}

// LedgerPrefix is the common prefix of every ledger column of property.
func LedgerPrefix(property string) []byte {
	return composite.AppendString(nil, strings.ToLower(property))
}

func (e Entry) LedgerColumn() []byte {
	col := composite.AppendString(nil, strings.ToLower(e.Property))
	col = composite.AppendString(col, strings.ToLower(e.Path))
	col = AppendValue(col, e.Value)
	return composite.AppendTimeUUID(col, e.Timestamp)
}

func DecodeLedgerColumn(b []byte) (Entry, error) {
	comps, err := composite.Decode(b)
	if err != nil {
		return Entry{}, err
	}
	if len(comps) != 4 {
		return Entry{}, fmt.Errorf("ledger column has %d components", len(comps))
	}
	return Entry{
		Property:  comps[0].Str,
		Path:      comps[1].Str,
		Value:     ValueFromComponent(comps[2]),
		Timestamp: comps[3].UUID,
	}, nil
}

// NormalizeValue folds strings to lower case, index lookups are case
// insensitive.
func NormalizeValue(v proto.Value) proto.Value {
	if v.Kind() == proto.KindString {
		return proto.String(strings.ToLower(v.Str()))
	}
	return v
}

// AppendValue encodes a scalar value. Non scalar values encode as null.
func AppendValue(b []byte, v proto.Value) []byte {
	switch v.Kind() {
	case proto.KindBool:
		return composite.AppendBool(b, v.Bool())
	case proto.KindNumber:
		return composite.AppendNumber(b, v.Number())
	case proto.KindString:
		return composite.AppendString(b, strings.ToLower(v.Str()))
	case proto.KindBinary:
		return composite.AppendBytes(b, v.Binary())
	}
	return composite.AppendNull(b)
}

func ValueFromComponent(c composite.Component) proto.Value {
	switch c.Type {
	case composite.TypeBool:
		return proto.Bool(c.Bool)
	case composite.TypeNumber:
		return proto.Number(c.Number)
	case composite.TypeInt, composite.TypeTimestamp:
		return proto.Int(c.Int)
	case composite.TypeString:
		return proto.String(c.Str)
	case composite.TypeBytes:
		return proto.Binary(c.Bytes)
	}
	return proto.Null()
}

// ValueTypeRange bounds every encoded value of the kind of v.
func ValueTypeRange(v proto.Value) (start, end []byte) {
	switch v.Kind() {
	case proto.KindBool:
		return composite.TypeRange(composite.TypeBool, false)
	case proto.KindNumber:
		return composite.TypeRange(composite.TypeNumber, false)
	case proto.KindString:
		return composite.TypeRange(composite.TypeString, false)
	case proto.KindBinary:
		return composite.TypeRange(composite.TypeBytes, false)
	}
	return composite.TypeRange(composite.TypeNull, false)
}

// ValueStart is the first index column holding v.
func ValueStart(v proto.Value) []byte {
	return AppendValue(nil, v)
}

// ValueEnd is the first index column past every column holding v.
func ValueEnd(v proto.Value) []byte {
	return composite.PrefixEnd(AppendValue(nil, v))
}

// StringPrefixRange bounds every string value starting with prefix.
func StringPrefixRange(prefix string) (start, end []byte) {
	start = composite.AppendString(nil, strings.ToLower(prefix))
	// drop the terminator so longer strings share the prefix
	start = start[:len(start)-2]
	end = make([]byte, len(start)+1)
	copy(end, start)
	end[len(start)] = 0xff
	return start, end
}
