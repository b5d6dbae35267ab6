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
	"strings"

	"github.com/google/uuid"
)

// reserved property names, maintained by the entity manager
const (
	PropertyUUID     = "uuid"
	PropertyType     = "type"
	PropertyCreated  = "created"
	PropertyModified = "modified"
	PropertyName     = "name"
	PropertyEmail    = "email"
	PropertyLocation = "location"

	PropertyLatitude  = "latitude"
	PropertyLongitude = "longitude"

	// PropertyCoordinates is the synthetic path indexed for every location property.
	PropertyCoordinates = "location.coordinates"
)

type EntityRef struct {
	ID   uuid.UUID `json:"uuid"`
	Type string    `json:"type"`
}

func NewEntityRef(typ string, id uuid.UUID) EntityRef {
	return EntityRef{ID: id, Type: typ}
}

func (r EntityRef) IsZero() bool {
	return r.ID == uuid.Nil
}

func (r EntityRef) String() string {
	return r.Type + "/" + r.ID.String()
}

type Entity struct {
	EntityRef
	Created    int64            `json:"created"`
	Modified   int64            `json:"modified"`
	Properties map[string]Value `json:"-"`
}

func NewEntity(ref EntityRef) *Entity {
	return &Entity{EntityRef: ref, Properties: make(map[string]Value)}
}

func (e *Entity) Ref() EntityRef {
	return e.EntityRef
}

func (e *Entity) Get(name string) (Value, bool) {
	v, ok := e.Properties[name]
	return v, ok
}

func (e *Entity) Set(name string, v Value) {
	if e.Properties == nil {
		e.Properties = make(map[string]Value)
	}
	if v.IsNull() {
		delete(e.Properties, name)
		return
	}
	e.Properties[name] = v
}

// ContainerRef names a collection owned by an entity.
type ContainerRef struct {
	Owner      EntityRef `json:"owner"`
	Collection string    `json:"collection"`
}

// ConnectionPair is one hop of a paired connection chain.
type ConnectionPair struct {
	Type      string    `json:"type"`
	Connected EntityRef `json:"connected"`
}

// ConnectionRef is a directed, typed edge. Paired hops qualify the connecting
// side: the edge belongs to "Connecting via Paired[0] via Paired[1] ...".
type ConnectionRef struct {
	Connecting EntityRef        `json:"connecting"`
	Paired     []ConnectionPair `json:"paired,omitempty"`
	Type       string           `json:"type"`
	Connected  EntityRef        `json:"connected"`
}

var connectionNamespace = uuid.MustParse("8a4bfa52-5dc4-4e8b-9a55-7a1d4c34a2e1")

// IndexOwner is the id that owns the index rows and dictionaries of the
// connecting side. It is the connecting entity id unless the edge is paired.
func (c ConnectionRef) IndexOwner() uuid.UUID {
	if len(c.Paired) == 0 {
		return c.Connecting.ID
	}
	return PairedOwner(c.Connecting.ID, c.Paired)
}

// ID derives a stable identifier for the edge itself.
func (c ConnectionRef) ID() uuid.UUID {
	data := make([]byte, 0, 64)
	owner := c.IndexOwner()
	data = append(data, owner[:]...)
	data = append(data, c.Type...)
	data = append(data, 0)
	data = append(data, c.Connected.ID[:]...)
	return uuid.NewSHA1(connectionNamespace, data)
}

func (c ConnectionRef) String() string {
	s := c.Connecting.String()
	for _, p := range c.Paired {
		s += " -" + p.Type + "-> " + p.Connected.String()
	}
	return s + " -" + c.Type + "-> " + c.Connected.String()
}

// PairedOwner derives the owner id of a paired chain. Hop types are case
// insensitive.
func PairedOwner(connecting uuid.UUID, paired []ConnectionPair) uuid.UUID {
	data := make([]byte, 0, 16+len(paired)*32)
	data = append(data, connecting[:]...)
	for _, p := range paired {
		data = append(data, strings.ToLower(p.Type)...)
		data = append(data, 0)
		data = append(data, p.Connected.ID[:]...)
	}
	return uuid.NewSHA1(connectionNamespace, data)
}
