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

package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := NewStatic(DefaultConfig())

	assert.True(t, s.IsPropertyUnique("user", "email"))
	assert.True(t, s.IsPropertyIndexed("user", "email"))
	assert.False(t, s.IsPropertyIndexed("user", "password"))
	assert.True(t, s.IsPropertyFulltextIndexed("User", "Name"))
	assert.True(t, s.IsPropertyMultiValued("user", "roles"))
	assert.Equal(t, []string{"type", "username", "uuid"}, s.RequiredProperties("user"))
	assert.Equal(t, []string{"email", "username"}, s.UniqueProperties("user"))
	assert.Equal(t, "username", s.AliasProperty("user"))

	// dynamic types index everything
	assert.True(t, s.HasProperty("widget", "color"))
	assert.True(t, s.IsPropertyIndexed("widget", "color"))
	assert.False(t, s.IsPropertyUnique("widget", "color"))
	assert.False(t, s.IsPropertyFulltextIndexed("widget", "color"))
	assert.Empty(t, s.UniqueProperties("widget"))
	assert.Equal(t, "name", s.AliasProperty("widget"))
}

func TestCollections(t *testing.T) {
	s := NewStatic(DefaultConfig())

	c, ok := s.GetCollection("application", "Users")
	require.True(t, ok)
	assert.Equal(t, CollectionInfo{ContainerType: "application", Name: "users", Type: "user"}, c)
	_, ok = s.GetCollection("application", "widgets")
	assert.False(t, ok)
	assert.Len(t, s.GetCollections("application"), 4)

	containers := s.GetContainers("user")
	require.Len(t, containers, 2)
	assert.Equal(t, "application", containers[0].ContainerType)
	assert.Equal(t, "group", containers[1].ContainerType)

	assert.Equal(t, "widgets", s.CollectionNameForType("widget"))
	assert.Equal(t, "activities", s.CollectionNameForType("activity"))
	assert.Equal(t, "keys", s.CollectionNameForType("key"))
	assert.Equal(t, "news", s.CollectionNameForType("news"))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	data := `
types:
  - name: widget
    strict: true
    properties:
      - name: color
      - name: serial
        unique: true
        required: true
      - name: notes
        indexed: false
  - name: user
    properties:
      - name: email
        unique: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	s, err := LoadFile(path)
	require.NoError(t, err)

	assert.True(t, s.HasProperty("widget", "color"))
	assert.False(t, s.HasProperty("widget", "weight"))
	assert.False(t, s.IsPropertyIndexed("widget", "weight"))
	assert.False(t, s.IsPropertyIndexed("widget", "notes"))
	assert.True(t, s.IsPropertyUnique("widget", "serial"))
	assert.Equal(t, []string{"serial", "type", "uuid"}, s.RequiredProperties("widget"))

	// user was replaced, so username is no longer declared unique
	assert.False(t, s.IsPropertyUnique("user", "username"))
	assert.True(t, s.IsPropertyUnique("user", "email"))
	// defaults that were not replaced survive
	_, ok := s.GetCollection("application", "users")
	assert.True(t, ok)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	_, err = Parse([]byte("types: [: bad"))
	require.Error(t, err)
}
