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

// Package composite encodes typed tuples into byte strings whose
// lexicographic order equals the logical order of the tuples.
//
// Every component starts with a type tag. Reversed components are the
// bitwise complement of the ascending encoding, tag included, so a single
// component can be flipped without touching its neighbours.
package composite

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

const (
	tagNull      = byte(0x05)
	tagFalse     = byte(0x10)
	tagTrue      = byte(0x11)
	tagNumber    = byte(0x20)
	tagInt       = byte(0x28)
	tagString    = byte(0x30)
	tagBytes     = byte(0x40)
	tagUUID      = byte(0x50)
	tagTimeUUID  = byte(0x51)
	tagTimestamp = byte(0x60)

	escape     = byte(0x00)
	escaped00  = byte(0xff)
	terminator = byte(0x01)

	// tags of ascending components never reach this value
	reversedTagFloor = byte(0x80)
)

var (
	ErrShortBuffer = errors.New("composite: short buffer")
	ErrUnknownTag  = errors.New("composite: unknown tag")
	ErrNaN         = errors.New("composite: NaN is not orderable")
)

type Type uint8

const (
	TypeNull Type = iota + 1
	TypeBool
	TypeNumber
	TypeInt
	TypeString
	TypeBytes
	TypeUUID
	TypeTimeUUID
	TypeTimestamp
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeNumber:
		return "number"
	case TypeInt:
		return "int"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeUUID:
		return "uuid"
	case TypeTimeUUID:
		return "timeuuid"
	case TypeTimestamp:
		return "timestamp"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Component is one decoded element of a composite key.
type Component struct {
	Type     Type
	Reversed bool

	Bool   bool
	Number float64
	Int    int64
	Str    string
	Bytes  []byte
	UUID   uuid.UUID
}

func AppendNull(b []byte) []byte {
	return append(b, tagNull)
}

func AppendBool(b []byte, v bool) []byte {
	if v {
		return append(b, tagTrue)
	}
	return append(b, tagFalse)
}

// AppendNumber encodes a float64. Negative zero collapses onto zero.
func AppendNumber(b []byte, f float64) []byte {
	if math.IsNaN(f) {
		panic(ErrNaN)
	}
	bits := math.Float64bits(f)
	if f == 0 {
		bits = 0
	}
	if bits>>63 == 0 {
		bits |= 1 << 63
	} else {
		bits = ^bits
	}
	b = append(b, tagNumber)
	return binary.BigEndian.AppendUint64(b, bits)
}

func AppendInt(b []byte, i int64) []byte {
	b = append(b, tagInt)
	return binary.BigEndian.AppendUint64(b, uint64(i)^(1<<63))
}

func AppendString(b []byte, s string) []byte {
	b = append(b, tagString)
	return appendEscaped(b, s)
}

func AppendBytes(b []byte, v []byte) []byte {
	b = append(b, tagBytes)
	return appendEscaped(b, string(v))
}

func AppendUUID(b []byte, id uuid.UUID) []byte {
	b = append(b, tagUUID)
	return append(b, id[:]...)
}

// AppendTimeUUID encodes a version 1 uuid so that ids sort by their
// embedded timestamp.
func AppendTimeUUID(b []byte, id uuid.UUID) []byte {
	b = append(b, tagTimeUUID)
	b = append(b, id[6:8]...)
	b = append(b, id[4:6]...)
	b = append(b, id[0:4]...)
	return append(b, id[8:]...)
}

func AppendTimestamp(b []byte, ts int64) []byte {
	b = append(b, tagTimestamp)
	return binary.BigEndian.AppendUint64(b, uint64(ts)^(1<<63))
}

// Reverse inverts every byte of b from offset start, turning the last
// appended component into its descending variant.
func Reverse(b []byte, start int) []byte {
	for i := start; i < len(b); i++ {
		b[i] = ^b[i]
	}
	return b
}

// AppendReversed appends the descending variant of the component produced by fn.
func AppendReversed(b []byte, fn func([]byte) []byte) []byte {
	start := len(b)
	return Reverse(fn(b), start)
}

// PrefixEnd returns the smallest key greater than every key that extends
// prefix by whole components.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xff
	return end
}

// TypeRange returns the half-open range [start, end) covering every
// component of type t.
func TypeRange(t Type, reversed bool) (start, end []byte) {
	var lo, hi byte
	switch t {
	case TypeNull:
		lo, hi = tagNull, tagNull+1
	case TypeBool:
		lo, hi = tagFalse, tagTrue+1
	case TypeNumber:
		lo, hi = tagNumber, tagNumber+1
	case TypeInt:
		lo, hi = tagInt, tagInt+1
	case TypeString:
		lo, hi = tagString, tagString+1
	case TypeBytes:
		lo, hi = tagBytes, tagBytes+1
	case TypeUUID:
		lo, hi = tagUUID, tagUUID+1
	case TypeTimeUUID:
		lo, hi = tagTimeUUID, tagTimeUUID+1
	case TypeTimestamp:
		lo, hi = tagTimestamp, tagTimestamp+1
	default:
		return nil, nil
	}
	if reversed {
		// complement maps [lo, hi) onto (^hi, ^lo]
		return []byte{^(hi - 1)}, []byte{^lo + 1}
	}
	return []byte{lo}, []byte{hi}
}

// Decode splits a composite key into its components.
func Decode(b []byte) ([]Component, error) {
	var comps []Component
	for len(b) > 0 {
		c, n, err := DecodeOne(b)
		if err != nil {
			return nil, err
		}
		comps = append(comps, c)
		b = b[n:]
	}
	return comps, nil
}

// DecodeOne decodes the first component of b and returns the number of
// bytes it occupied.
func DecodeOne(b []byte) (c Component, n int, err error) {
	if len(b) == 0 {
		return c, 0, ErrShortBuffer
	}
	var mask byte
	tag := b[0]
	if tag >= reversedTagFloor {
		mask = 0xff
		tag = ^tag
		c.Reversed = true
	}
	body := b[1:]
	switch tag {
	case tagNull:
		c.Type = TypeNull
		return c, 1, nil
	case tagFalse, tagTrue:
		c.Type = TypeBool
		c.Bool = tag == tagTrue
		return c, 1, nil
	case tagNumber, tagInt, tagTimestamp:
		if len(body) < 8 {
			return c, 0, ErrShortBuffer
		}
		var buf [8]byte
		for i := 0; i < 8; i++ {
			buf[i] = body[i] ^ mask
		}
		u := binary.BigEndian.Uint64(buf[:])
		switch tag {
		case tagNumber:
			c.Type = TypeNumber
			if u>>63 == 1 {
				u &^= 1 << 63
			} else {
				u = ^u
			}
			c.Number = math.Float64frombits(u)
		case tagInt:
			c.Type = TypeInt
			c.Int = int64(u ^ (1 << 63))
		default:
			c.Type = TypeTimestamp
			c.Int = int64(u ^ (1 << 63))
		}
		return c, 9, nil
	case tagString, tagBytes:
		raw, used, err := readEscaped(body, mask)
		if err != nil {
			return c, 0, err
		}
		if tag == tagString {
			c.Type = TypeString
			c.Str = string(raw)
		} else {
			c.Type = TypeBytes
			c.Bytes = raw
		}
		return c, 1 + used, nil
	case tagUUID, tagTimeUUID:
		if len(body) < 16 {
			return c, 0, ErrShortBuffer
		}
		var raw [16]byte
		for i := 0; i < 16; i++ {
			raw[i] = body[i] ^ mask
		}
		if tag == tagUUID {
			c.Type = TypeUUID
			copy(c.UUID[:], raw[:])
		} else {
			c.Type = TypeTimeUUID
			copy(c.UUID[6:8], raw[0:2])
			copy(c.UUID[4:6], raw[2:4])
			copy(c.UUID[0:4], raw[4:8])
			copy(c.UUID[8:], raw[8:])
		}
		return c, 17, nil
	}
	return c, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, b[0])
}

func appendEscaped(b []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == escape {
			b = append(b, escape, escaped00)
			continue
		}
		b = append(b, s[i])
	}
	return append(b, escape, terminator)
}

func readEscaped(b []byte, mask byte) ([]byte, int, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		c := b[i] ^ mask
		if c != escape {
			out = append(out, c)
			continue
		}
		if i+1 >= len(b) {
			return nil, 0, ErrShortBuffer
		}
		next := b[i+1] ^ mask
		switch next {
		case terminator:
			return out, i + 2, nil
		case escaped00:
			out = append(out, escape)
			i++
		default:
			return nil, 0, fmt.Errorf("composite: bad escape 0x%02x", next)
		}
	}
	return nil, 0, ErrShortBuffer
}
