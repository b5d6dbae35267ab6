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
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind is the type of property value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindBinary
	KindObject
	KindList
	KindSet
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindObject:
		return "object"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is an immutable property value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	bin  []byte
	obj  map[string]Value
	list []Value
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

func Int(i int64) Value { return Value{kind: KindNumber, n: float64(i)} }

func String(s string) Value { return Value{kind: KindString, s: s} }

func Binary(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindBinary, bin: cp}
}

func Object(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindObject, obj: cp}
}

func List(vs ...Value) Value {
	cp := make([]Value, len(vs))
	copy(cp, vs)
	return Value{kind: KindList, list: cp}
}

// Set builds a list with set semantics, duplicates are dropped keeping the first occurrence.
func Set(vs ...Value) Value {
	cp := make([]Value, 0, len(vs))
	for _, v := range vs {
		if indexOf(cp, v) < 0 {
			cp = append(cp, v)
		}
	}
	return Value{kind: KindSet, list: cp}
}

// Location builds the object form of a geographic point.
func Location(latitude, longitude float64) Value {
	return Object(map[string]Value{
		"latitude":  Number(latitude),
		"longitude": Number(longitude),
	})
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) IsScalar() bool {
	switch v.kind {
	case KindObject, KindList, KindSet:
		return false
	}
	return true
}

func (v Value) IsMultiValued() bool { return v.kind == KindList || v.kind == KindSet }

func (v Value) Bool() bool { return v.b }

func (v Value) Number() float64 { return v.n }

func (v Value) Str() string { return v.s }

func (v Value) Binary() []byte { return v.bin }

// Field returns the member of an object value.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.obj[name]
	return f, ok
}

// Keys returns the sorted member names of an object value.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v Value) Elements() []Value { return v.list }

func (v Value) Len() int {
	switch v.kind {
	case KindObject:
		return len(v.obj)
	case KindList, KindSet:
		return len(v.list)
	case KindString:
		return len(v.s)
	case KindBinary:
		return len(v.bin)
	}
	return 0
}

// Contains reports whether a multi-valued value holds the element.
func (v Value) Contains(elem Value) bool {
	return indexOf(v.list, elem) >= 0
}

// With returns a copy of a multi-valued value with elem appended. A null
// value is treated as an empty set.
func (v Value) With(elem Value) Value {
	switch v.kind {
	case KindNull:
		return Set(elem)
	case KindSet:
		if v.Contains(elem) {
			return v
		}
		return Value{kind: KindSet, list: append(append([]Value{}, v.list...), elem)}
	case KindList:
		return Value{kind: KindList, list: append(append([]Value{}, v.list...), elem)}
	default:
		return List(v, elem)
	}
}

// Without returns a copy of a multi-valued value with every occurrence of elem removed.
func (v Value) Without(elem Value) Value {
	if !v.IsMultiValued() {
		if v.Equal(elem) {
			return Null()
		}
		return v
	}
	out := make([]Value, 0, len(v.list))
	for _, e := range v.list {
		if !e.Equal(elem) {
			out = append(out, e)
		}
	}
	return Value{kind: v.kind, list: out}
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		// lists and sets with the same elements are equal
		if v.IsMultiValued() && o.IsMultiValued() {
			return equalList(v.list, o.list)
		}
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindBinary:
		return bytes.Equal(v.bin, o.bin)
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, e := range v.obj {
			oe, ok := o.obj[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	case KindList, KindSet:
		return equalList(v.list, o.list)
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindBinary:
		return fmt.Sprintf("binary(%d)", len(v.bin))
	case KindObject:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.Quote(k))
			buf.WriteByte(':')
			buf.WriteString(v.obj[k].String())
		}
		buf.WriteByte('}')
		return buf.String()
	default:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(e.String())
		}
		buf.WriteByte(']')
		return buf.String()
	}
}

// Interface converts the value back into plain go values.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindBinary:
		return v.bin
	case KindObject:
		m := make(map[string]interface{}, len(v.obj))
		for k, e := range v.obj {
			m[k] = e.Interface()
		}
		return m
	case KindList, KindSet:
		l := make([]interface{}, len(v.list))
		for i, e := range v.list {
			l[i] = e.Interface()
		}
		return l
	}
	return nil
}

// ValueOf converts plain go values into a Value.
func ValueOf(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case float32:
		return Number(float64(t)), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return Value{}, fmt.Errorf("unsupported number %v", t)
		}
		return Number(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Binary(t), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = ev
		}
		return Value{kind: KindObject, obj: m}, nil
	case []interface{}:
		l := make([]Value, len(t))
		for i, e := range t {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, err
			}
			l[i] = ev
		}
		return Value{kind: KindList, list: l}, nil
	case []string:
		l := make([]Value, len(t))
		for i, e := range t {
			l[i] = String(e)
		}
		return Value{kind: KindList, list: l}, nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}

// MustValueOf is ValueOf for literals known to be valid.
func MustValueOf(x interface{}) Value {
	v, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return v
}

func indexOf(list []Value, v Value) int {
	for i := range list {
		if list[i].Equal(v) {
			return i
		}
	}
	return -1
}

func equalList(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
