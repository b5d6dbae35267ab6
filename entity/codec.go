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

package entity

import (
	"encoding/base64"
	"fmt"

	pb "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cubefs/graphdb/proto"
)

// binary values and sets have no native struct form, they are wrapped in
// single field objects
const (
	binaryField = "$binary"
	setField    = "$set"
)

func encodeValue(v proto.Value) ([]byte, error) {
	return pb.Marshal(toStruct(v))
}

func decodeValue(b []byte) (proto.Value, error) {
	pv := &structpb.Value{}
	if err := pb.Unmarshal(b, pv); err != nil {
		return proto.Value{}, err
	}
	return fromStruct(pv)
}

func toStruct(v proto.Value) *structpb.Value {
	switch v.Kind() {
	case proto.KindBool:
		return structpb.NewBoolValue(v.Bool())
	case proto.KindNumber:
		return structpb.NewNumberValue(v.Number())
	case proto.KindString:
		return structpb.NewStringValue(v.Str())
	case proto.KindBinary:
		return wrap(binaryField, structpb.NewStringValue(base64.StdEncoding.EncodeToString(v.Binary())))
	case proto.KindObject:
		fields := make(map[string]*structpb.Value, v.Len())
		for _, k := range v.Keys() {
			f, _ := v.Field(k)
			fields[k] = toStruct(f)
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields})
	case proto.KindList, proto.KindSet:
		elems := v.Elements()
		values := make([]*structpb.Value, len(elems))
		for i, e := range elems {
			values[i] = toStruct(e)
		}
		list := structpb.NewListValue(&structpb.ListValue{Values: values})
		if v.Kind() == proto.KindSet {
			return wrap(setField, list)
		}
		return list
	}
	return structpb.NewNullValue()
}

func wrap(field string, v *structpb.Value) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{field: v}})
}

func fromStruct(pv *structpb.Value) (proto.Value, error) {
	switch k := pv.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return proto.Null(), nil
	case *structpb.Value_BoolValue:
		return proto.Bool(k.BoolValue), nil
	case *structpb.Value_NumberValue:
		return proto.Number(k.NumberValue), nil
	case *structpb.Value_StringValue:
		return proto.String(k.StringValue), nil
	case *structpb.Value_ListValue:
		elems, err := fromList(k.ListValue)
		if err != nil {
			return proto.Value{}, err
		}
		return proto.List(elems...), nil
	case *structpb.Value_StructValue:
		fields := k.StructValue.GetFields()
		if len(fields) == 1 {
			if b, ok := fields[binaryField]; ok {
				raw, err := base64.StdEncoding.DecodeString(b.GetStringValue())
				if err != nil {
					return proto.Value{}, fmt.Errorf("decode binary value: %w", err)
				}
				return proto.Binary(raw), nil
			}
			if l, ok := fields[setField]; ok {
				elems, err := fromList(l.GetListValue())
				if err != nil {
					return proto.Value{}, err
				}
				return proto.Set(elems...), nil
			}
		}
		m := make(map[string]proto.Value, len(fields))
		for name, f := range fields {
			v, err := fromStruct(f)
			if err != nil {
				return proto.Value{}, err
			}
			m[name] = v
		}
		return proto.Object(m), nil
	}
	return proto.Value{}, fmt.Errorf("unsupported struct value %T", pv.GetKind())
}

func fromList(l *structpb.ListValue) ([]proto.Value, error) {
	elems := make([]proto.Value, 0, len(l.GetValues()))
	for _, e := range l.GetValues() {
		v, err := fromStruct(e)
		if err != nil {
			return nil, err
		}
		elems = append(elems, v)
	}
	return elems, nil
}
