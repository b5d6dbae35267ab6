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
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	apierrors "github.com/cubefs/graphdb/errors"
)

const cursorVersion = "v1"

// Cursor maps the hash of every streaming leaf to the position it resumes
// from. An absent entry starts the leaf from the beginning of its range and
// an empty payload marks it exhausted.
type Cursor struct {
	shape   string
	entries map[string][]byte
}

func NewCursor(shape string) *Cursor {
	return &Cursor{shape: shape, entries: make(map[string][]byte)}
}

// ParseCursor decodes a token issued for a query of the given shape. An
// empty token yields an empty cursor.
func ParseCursor(token, shape string) (*Cursor, error) {
	c := NewCursor(shape)
	if token == "" {
		return c, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", apierrors.ErrInvalidCursor, err)
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) < 2 || parts[0] != cursorVersion {
		return nil, fmt.Errorf("%w: unknown version", apierrors.ErrInvalidCursor)
	}
	if parts[1] != shape {
		return nil, fmt.Errorf("%w: issued for another query", apierrors.ErrInvalidCursor)
	}
	for _, part := range parts[2:] {
		i := strings.IndexByte(part, ':')
		if i <= 0 {
			return nil, fmt.Errorf("%w: malformed entry", apierrors.ErrInvalidCursor)
		}
		payload, err := base64.RawURLEncoding.DecodeString(part[i+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: %s", apierrors.ErrInvalidCursor, err)
		}
		c.entries[part[:i]] = payload
	}
	return c, nil
}

func (c *Cursor) Shape() string {
	return c.shape
}

func (c *Cursor) Get(hash string) ([]byte, bool) {
	payload, ok := c.entries[hash]
	return payload, ok
}

func (c *Cursor) Set(hash string, payload []byte) {
	if payload == nil {
		payload = []byte{}
	}
	c.entries[hash] = payload
}

func (c *Cursor) Delete(hash string) {
	delete(c.entries, hash)
}

// Serialize encodes the cursor. It returns an empty token when no entry
// holds a resume position.
func (c *Cursor) Serialize() string {
	hashes := make([]string, 0, len(c.entries))
	live := false
	for hash, payload := range c.entries {
		hashes = append(hashes, hash)
		if len(payload) > 0 {
			live = true
		}
	}
	if !live {
		return ""
	}
	sort.Strings(hashes)

	var b strings.Builder
	b.WriteString(cursorVersion)
	b.WriteByte('|')
	b.WriteString(c.shape)
	for _, hash := range hashes {
		b.WriteByte('|')
		b.WriteString(hash)
		b.WriteByte(':')
		b.WriteString(base64.RawURLEncoding.EncodeToString(c.entries[hash]))
	}
	return base64.RawURLEncoding.EncodeToString([]byte(b.String()))
}
