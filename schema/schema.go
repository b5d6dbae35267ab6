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
	"sort"
	"strings"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"gopkg.in/yaml.v3"

	"github.com/cubefs/graphdb/proto"
)

// Registry answers schema questions about entity types. Types that are not
// declared are dynamic: every property is indexed and none is unique.
type Registry interface {
	HasProperty(entityType, property string) bool
	IsPropertyIndexed(entityType, property string) bool
	IsPropertyUnique(entityType, property string) bool
	IsPropertyFulltextIndexed(entityType, property string) bool
	IsPropertyRequired(entityType, property string) bool
	IsPropertyMultiValued(entityType, property string) bool
	RequiredProperties(entityType string) []string
	UniqueProperties(entityType string) []string
	GetCollection(containerType, collection string) (CollectionInfo, bool)
	GetCollections(containerType string) []CollectionInfo
	GetContainers(entityType string) []CollectionInfo
	CollectionNameForType(entityType string) string
	AliasProperty(entityType string) string
}

type PropertyConfig struct {
	Name        string `yaml:"name"`
	Indexed     *bool  `yaml:"indexed,omitempty"`
	Unique      bool   `yaml:"unique,omitempty"`
	Fulltext    bool   `yaml:"fulltext,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
	MultiValued bool   `yaml:"multi_valued,omitempty"`
}

type CollectionConfig struct {
	Name string `yaml:"name"`
	// Type is the entity type of the members
	Type string `yaml:"type"`
}

type TypeConfig struct {
	Name          string             `yaml:"name"`
	AliasProperty string             `yaml:"alias_property,omitempty"`
	Properties    []PropertyConfig   `yaml:"properties,omitempty"`
	Collections   []CollectionConfig `yaml:"collections,omitempty"`
	// Strict types only index declared properties
	Strict bool `yaml:"strict,omitempty"`
}

type Config struct {
	Types []TypeConfig `yaml:"types"`
}

// CollectionInfo describes a collection declared on a container type.
type CollectionInfo struct {
	ContainerType string
	Name          string
	Type          string
}

type propertyInfo struct {
	indexed     bool
	unique      bool
	fulltext    bool
	required    bool
	multiValued bool
}

type typeInfo struct {
	name        string
	alias       string
	strict      bool
	properties  map[string]propertyInfo
	collections map[string]CollectionInfo
}

// Static is an immutable Registry built once from configuration.
type Static struct {
	types      map[string]*typeInfo
	containers map[string][]CollectionInfo
}

// system properties present on every entity
var basicProperties = []PropertyConfig{
	{Name: proto.PropertyUUID, Required: true},
	{Name: proto.PropertyType, Required: true},
	{Name: proto.PropertyCreated},
	{Name: proto.PropertyModified},
}

func boolPtr(b bool) *bool { return &b }

// DefaultConfig declares the built-in entity types.
func DefaultConfig() *Config {
	return &Config{Types: []TypeConfig{
		{
			Name:          "application",
			AliasProperty: proto.PropertyName,
			Properties: []PropertyConfig{
				{Name: proto.PropertyName, Unique: true, Required: true},
			},
			Collections: []CollectionConfig{
				{Name: "users", Type: "user"},
				{Name: "groups", Type: "group"},
				{Name: "activities", Type: "activity"},
				{Name: "devices", Type: "device"},
			},
		},
		{
			Name:          "user",
			AliasProperty: "username",
			Properties: []PropertyConfig{
				{Name: "username", Unique: true, Required: true},
				{Name: proto.PropertyEmail, Unique: true},
				{Name: proto.PropertyName, Fulltext: true},
				{Name: "password", Indexed: boolPtr(false)},
				{Name: "roles", MultiValued: true},
			},
			Collections: []CollectionConfig{
				{Name: "activities", Type: "activity"},
				{Name: "devices", Type: "device"},
			},
		},
		{
			Name:          "group",
			AliasProperty: "path",
			Properties: []PropertyConfig{
				{Name: "path", Unique: true, Required: true},
				{Name: "title", Fulltext: true},
			},
			Collections: []CollectionConfig{
				{Name: "users", Type: "user"},
				{Name: "activities", Type: "activity"},
			},
		},
		{
			Name: "activity",
			Properties: []PropertyConfig{
				{Name: "verb", Required: true},
				{Name: "content", Fulltext: true},
			},
		},
		{
			Name:          "device",
			AliasProperty: proto.PropertyName,
			Properties: []PropertyConfig{
				{Name: proto.PropertyName},
			},
		},
	}}
}

// LoadFile reads a YAML registry file and merges it over the defaults.
// Declared types in the file replace default types of the same name.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Info(err, "read schema file", path)
	}
	return Parse(data)
}

func Parse(data []byte) (*Static, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Info(err, "parse schema")
	}
	merged := DefaultConfig()
	for _, t := range cfg.Types {
		replaced := false
		for i := range merged.Types {
			if merged.Types[i].Name == t.Name {
				merged.Types[i] = t
				replaced = true
				break
			}
		}
		if !replaced {
			merged.Types = append(merged.Types, t)
		}
	}
	return NewStatic(merged), nil
}

func NewStatic(cfg *Config) *Static {
	s := &Static{
		types:      make(map[string]*typeInfo, len(cfg.Types)),
		containers: make(map[string][]CollectionInfo),
	}
	for _, tc := range cfg.Types {
		name := normalizeType(tc.Name)
		t := &typeInfo{
			name:        name,
			alias:       tc.AliasProperty,
			strict:      tc.Strict,
			properties:  make(map[string]propertyInfo),
			collections: make(map[string]CollectionInfo),
		}
		for _, props := range [][]PropertyConfig{basicProperties, tc.Properties} {
			for _, pc := range props {
				indexed := true
				if pc.Indexed != nil {
					indexed = *pc.Indexed
				}
				t.properties[strings.ToLower(pc.Name)] = propertyInfo{
					indexed:     indexed || pc.Unique || pc.Fulltext,
					unique:      pc.Unique,
					fulltext:    pc.Fulltext,
					required:    pc.Required,
					multiValued: pc.MultiValued,
				}
			}
		}
		for _, cc := range tc.Collections {
			info := CollectionInfo{ContainerType: name, Name: strings.ToLower(cc.Name), Type: normalizeType(cc.Type)}
			t.collections[info.Name] = info
		}
		s.types[name] = t
	}
	for _, t := range s.types {
		for _, c := range t.collections {
			s.containers[c.Type] = append(s.containers[c.Type], c)
		}
	}
	for typ := range s.containers {
		sortCollections(s.containers[typ])
	}
	return s
}

func (s *Static) property(entityType, property string) (*typeInfo, propertyInfo, bool) {
	t := s.types[normalizeType(entityType)]
	if t == nil {
		return nil, propertyInfo{}, false
	}
	p, ok := t.properties[strings.ToLower(property)]
	return t, p, ok
}

func (s *Static) HasProperty(entityType, property string) bool {
	t, _, ok := s.property(entityType, property)
	return ok || t == nil || !t.strict
}

func (s *Static) IsPropertyIndexed(entityType, property string) bool {
	t, p, ok := s.property(entityType, property)
	if ok {
		return p.indexed
	}
	return t == nil || !t.strict
}

func (s *Static) IsPropertyUnique(entityType, property string) bool {
	_, p, _ := s.property(entityType, property)
	return p.unique
}

func (s *Static) IsPropertyFulltextIndexed(entityType, property string) bool {
	_, p, _ := s.property(entityType, property)
	return p.fulltext
}

func (s *Static) IsPropertyRequired(entityType, property string) bool {
	_, p, _ := s.property(entityType, property)
	return p.required
}

func (s *Static) IsPropertyMultiValued(entityType, property string) bool {
	_, p, _ := s.property(entityType, property)
	return p.multiValued
}

func (s *Static) RequiredProperties(entityType string) []string {
	return s.collect(entityType, func(p propertyInfo) bool { return p.required })
}

func (s *Static) UniqueProperties(entityType string) []string {
	return s.collect(entityType, func(p propertyInfo) bool { return p.unique })
}

func (s *Static) collect(entityType string, fn func(p propertyInfo) bool) []string {
	t := s.types[normalizeType(entityType)]
	if t == nil {
		return nil
	}
	var ret []string
	for name, p := range t.properties {
		if fn(p) {
			ret = append(ret, name)
		}
	}
	sort.Strings(ret)
	return ret
}

func (s *Static) GetCollection(containerType, collection string) (CollectionInfo, bool) {
	t := s.types[normalizeType(containerType)]
	if t == nil {
		return CollectionInfo{}, false
	}
	c, ok := t.collections[strings.ToLower(collection)]
	return c, ok
}

func (s *Static) GetCollections(containerType string) []CollectionInfo {
	t := s.types[normalizeType(containerType)]
	if t == nil {
		return nil
	}
	ret := make([]CollectionInfo, 0, len(t.collections))
	for _, c := range t.collections {
		ret = append(ret, c)
	}
	sortCollections(ret)
	return ret
}

func (s *Static) GetContainers(entityType string) []CollectionInfo {
	return s.containers[normalizeType(entityType)]
}

// CollectionNameForType returns the default collection name of a type,
// which is its plural form.
func (s *Static) CollectionNameForType(entityType string) string {
	typ := normalizeType(entityType)
	switch {
	case strings.HasSuffix(typ, "s"):
		return typ
	case strings.HasSuffix(typ, "y") && len(typ) > 1 && !strings.ContainsAny(typ[len(typ)-2:len(typ)-1], "aeiou"):
		return typ[:len(typ)-1] + "ies"
	}
	return typ + "s"
}

func (s *Static) AliasProperty(entityType string) string {
	if t := s.types[normalizeType(entityType)]; t != nil && t.alias != "" {
		return t.alias
	}
	return proto.PropertyName
}

func sortCollections(cs []CollectionInfo) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].ContainerType != cs[j].ContainerType {
			return cs[i].ContainerType < cs[j].ContainerType
		}
		return cs[i].Name < cs[j].Name
	})
}

func normalizeType(typ string) string {
	return strings.ToLower(strings.TrimSpace(typ))
}
