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

package errors

import (
	"errors"
	"fmt"
)

var (
	// validation
	ErrNoIndex                 = errors.New("property is not indexed")
	ErrNoFullTextIndex         = errors.New("property is not full text indexed")
	ErrRequiredPropertyMissing = errors.New("required property is missing")
	ErrDuplicateUniqueProperty = errors.New("duplicate unique property value")
	ErrInvalidCursor           = errors.New("cursor does not match the query")
	ErrInvalidQuery            = errors.New("invalid query")
	ErrUnknownEntityType       = errors.New("unknown entity type")
	ErrInvalidValue            = errors.New("invalid property value")
	ErrInvalidConnection       = errors.New("invalid connection")

	// not found
	ErrEntityNotFound     = errors.New("entity does not exist")
	ErrCollectionNotFound = errors.New("collection does not exist")

	ErrUnknownColumnFamily = errors.New("unknown column family")
	ErrStoreClosed         = errors.New("store is closed")
)

type Category string

const (
	CategoryValidation = Category("validation")
	CategoryNotFound   = Category("not_found")
	CategoryIO         = Category("io")
)

// PropertyError binds a validation failure to the entity type, property and value that caused it.
type PropertyError struct {
	Err        error
	EntityType string
	Property   string
	Value      interface{}
}

func (e *PropertyError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: type[%s] property[%s] value[%v]", e.Err, e.EntityType, e.Property, e.Value)
	}
	return fmt.Sprintf("%s: type[%s] property[%s]", e.Err, e.EntityType, e.Property)
}

func (e *PropertyError) Unwrap() error {
	return e.Err
}

func NewNoIndexError(entityType, property string) error {
	return &PropertyError{Err: ErrNoIndex, EntityType: entityType, Property: property}
}

func NewNoFullTextIndexError(entityType, property string) error {
	return &PropertyError{Err: ErrNoFullTextIndex, EntityType: entityType, Property: property}
}

func NewRequiredPropertyError(entityType, property string) error {
	return &PropertyError{Err: ErrRequiredPropertyMissing, EntityType: entityType, Property: property}
}

func NewDuplicateUniqueError(entityType, property string, value interface{}) error {
	return &PropertyError{Err: ErrDuplicateUniqueProperty, EntityType: entityType, Property: property, Value: value}
}

// CategoryOf maps an error onto a stable category. Anything that is neither a
// validation nor a not-found condition is reported as an io failure.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	err = rootCause(err)
	switch {
	case errors.Is(err, ErrEntityNotFound), errors.Is(err, ErrCollectionNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrNoIndex), errors.Is(err, ErrNoFullTextIndex),
		errors.Is(err, ErrRequiredPropertyMissing), errors.Is(err, ErrDuplicateUniqueProperty),
		errors.Is(err, ErrInvalidCursor), errors.Is(err, ErrInvalidQuery),
		errors.Is(err, ErrUnknownEntityType), errors.Is(err, ErrInvalidValue),
		errors.Is(err, ErrInvalidConnection):
		return CategoryValidation
	default:
		return CategoryIO
	}
}

// rootCause strips context wrappers that expose their cause without Unwrap.
func rootCause(err error) error {
	for i := 0; i < 16; i++ {
		c, ok := err.(interface{ Cause() error })
		if !ok {
			return err
		}
		cause := c.Cause()
		if cause == nil || cause == err {
			return err
		}
		err = cause
	}
	return err
}
