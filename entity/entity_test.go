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
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/graphdb/common/columnstore"
	"github.com/cubefs/graphdb/common/kvstore"
	apierrors "github.com/cubefs/graphdb/errors"
	"github.com/cubefs/graphdb/index"
	"github.com/cubefs/graphdb/proto"
	"github.com/cubefs/graphdb/relation"
	"github.com/cubefs/graphdb/schema"
	"github.com/cubefs/graphdb/util"
)

func newTestManager(t *testing.T) (*Manager, func()) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	store, err := columnstore.NewStore(ctx, &columnstore.Config{Path: path, KVType: kvstore.MemoryKVType})
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))

	registry := schema.NewStatic(schema.DefaultConfig())
	clock := util.NewClock()
	m, err := NewManager(&Config{
		Store:    store,
		Registry: registry,
		Clock:    clock,
		Relations: relation.NewManager(&relation.Config{
			Store:    store,
			Registry: registry,
			Locator:  index.NewLocator(16),
			Clock:    clock,
		}),
	})
	require.NoError(t, err)
	return m, func() {
		store.Close()
		os.RemoveAll(path)
	}
}

func newApp(t *testing.T, m *Manager, name string) proto.EntityRef {
	app, err := m.Create(context.TODO(), proto.EntityRef{}, "application", map[string]proto.Value{
		"name": proto.String(name),
	})
	require.NoError(t, err)
	return app.Ref()
}

func newUser(t *testing.T, m *Manager, app proto.EntityRef, username string) *proto.Entity {
	e, err := m.Create(context.TODO(), app, "user", map[string]proto.Value{
		"username": proto.String(username),
		"name":     proto.String(username + " from the test suite"),
	})
	require.NoError(t, err)
	return e
}

func TestCreateGet(t *testing.T) {
	m, clean := newTestManager(t)
	defer clean()
	ctx := context.TODO()
	app := newApp(t, m, "test-app")

	created, err := m.Create(ctx, app, "User", map[string]proto.Value{
		"UserName": proto.String("alice"),
		"age":      proto.Int(33),
		"avatar":   proto.Binary([]byte{0, 1, 2}),
		"roles":    proto.Set(proto.String("admin"), proto.String("dev")),
		"location": proto.Location(48.8566, 2.3522),
		"uuid":     proto.String("ignored"),
		"empty":    proto.Null(),
	})
	require.NoError(t, err)
	require.Equal(t, "user", created.Type)
	require.Equal(t, created.Created, created.Modified)
	require.Equal(t, util.MicrosOf(created.ID)/1000, created.Created)

	e, err := m.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.Ref(), e.Ref())
	require.Equal(t, created.Created, e.Created)
	require.Len(t, e.Properties, 5)
	assert.True(t, e.Properties["username"].Equal(proto.String("alice")))
	assert.True(t, e.Properties["age"].Equal(proto.Int(33)))
	assert.True(t, e.Properties["avatar"].Equal(proto.Binary([]byte{0, 1, 2})))
	assert.Equal(t, proto.KindSet, e.Properties["roles"].Kind())
	assert.True(t, e.Properties["location"].Equal(proto.Location(48.8566, 2.3522)))

	ref, err := m.GetRef(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.Ref(), ref)
	m.types.Purge()
	ref, err = m.GetRef(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.Ref(), ref)

	e, err = m.Get(ctx, uuid.New())
	require.NoError(t, err)
	require.Nil(t, e)
	ref, err = m.GetRef(ctx, uuid.New())
	require.NoError(t, err)
	require.True(t, ref.IsZero())

	_, err = m.Create(ctx, app, " ", nil)
	require.ErrorIs(t, err, apierrors.ErrUnknownEntityType)
}

func TestRequiredProperty(t *testing.T) {
	m, clean := newTestManager(t)
	defer clean()
	ctx := context.TODO()
	app := newApp(t, m, "test-app")

	_, err := m.Create(ctx, app, "user", map[string]proto.Value{"name": proto.String("nobody")})
	require.ErrorIs(t, err, apierrors.ErrRequiredPropertyMissing)
	require.Equal(t, apierrors.CategoryValidation, apierrors.CategoryOf(err))

	alice := newUser(t, m, app, "alice")
	err = m.DeleteProperty(ctx, alice.ID, "username")
	require.ErrorIs(t, err, apierrors.ErrRequiredPropertyMissing)
	require.NoError(t, m.DeleteProperty(ctx, alice.ID, "name"))
	e, err := m.Get(ctx, alice.ID)
	require.NoError(t, err)
	_, ok := e.Get("name")
	require.False(t, ok)

	err = m.SetProperty(ctx, uuid.New(), "name", proto.String("ghost"))
	require.ErrorIs(t, err, apierrors.ErrEntityNotFound)
	require.Equal(t, apierrors.CategoryNotFound, apierrors.CategoryOf(err))
}

func TestUniqueProperty(t *testing.T) {
	m, clean := newTestManager(t)
	defer clean()
	ctx := context.TODO()
	app := newApp(t, m, "test-app")
	other := newApp(t, m, "other-app")

	alice := newUser(t, m, app, "alice")
	_, err := m.Create(ctx, app, "user", map[string]proto.Value{"username": proto.String("ALICE")})
	require.ErrorIs(t, err, apierrors.ErrDuplicateUniqueProperty)
	var perr *apierrors.PropertyError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "username", perr.Property)

	// unique within the collection of the owner only
	newUser(t, m, other, "alice")
	_, err = m.Create(ctx, proto.EntityRef{}, "application", map[string]proto.Value{"name": proto.String("test-app")})
	require.ErrorIs(t, err, apierrors.ErrDuplicateUniqueProperty)

	bob := newUser(t, m, app, "bob")
	err = m.SetProperty(ctx, bob.ID, "username", proto.String("alice"))
	require.ErrorIs(t, err, apierrors.ErrDuplicateUniqueProperty)

	// a case only change keeps the value held
	require.NoError(t, m.SetProperty(ctx, alice.ID, "username", proto.String("Alice")))
	_, err = m.Create(ctx, app, "user", map[string]proto.Value{"username": proto.String("alice")})
	require.ErrorIs(t, err, apierrors.ErrDuplicateUniqueProperty)

	require.NoError(t, m.SetProperty(ctx, alice.ID, "username", proto.String("alicia")))
	ref, err := m.GetAlias(ctx, app, "user", "alice")
	require.NoError(t, err)
	require.True(t, ref.IsZero())
	ref, err = m.GetAlias(ctx, app, "user", "Alicia")
	require.NoError(t, err)
	require.Equal(t, alice.Ref(), ref)
	newUser(t, m, app, "alice")

	err = m.AddToSet(ctx, bob.ID, "username", proto.String("x"))
	require.ErrorIs(t, err, apierrors.ErrInvalidValue)
}

func TestUniqueConcurrentCreate(t *testing.T) {
	m, clean := newTestManager(t)
	defer clean()
	ctx := context.TODO()
	app := newApp(t, m, "test-app")

	var (
		wg     sync.WaitGroup
		lock   sync.Mutex
		ok     int
		failed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(ctx, app, "user", map[string]proto.Value{"username": proto.String("carol")})
			lock.Lock()
			defer lock.Unlock()
			if err == nil {
				ok++
				return
			}
			if assert.ErrorIs(t, err, apierrors.ErrDuplicateUniqueProperty) {
				failed++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, ok)
	require.Equal(t, 7, failed)
}

func TestCreateAndQuery(t *testing.T) {
	m, clean := newTestManager(t)
	defer clean()
	ctx := context.TODO()
	app := newApp(t, m, "test-app")

	alice := newUser(t, m, app, "alice")
	bob := newUser(t, m, app, "bob")

	res, err := m.SearchCollection(ctx, app, "users", proto.NewQuery(proto.Eq("username", proto.String("alice"))))
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{alice.ID}, res.IDs)
	require.Len(t, res.Entities, 1)
	require.Equal(t, alice.Ref(), res.Entities[0].Ref())
	require.Empty(t, res.Cursor)

	res, err = m.SearchCollection(ctx, app, "users", proto.NewQuery(proto.Contains("name", "suite")))
	require.NoError(t, err)
	require.Len(t, res.IDs, 2)

	res, err = m.SearchCollection(ctx, app, "users", proto.NewQuery(proto.Gte("created", proto.Int(alice.Created))).
		SortBy("created", proto.Descending))
	require.NoError(t, err)
	require.ElementsMatch(t, []uuid.UUID{alice.ID, bob.ID}, res.IDs)

	_, err = m.SearchCollection(ctx, app, "users", proto.NewQuery(proto.Contains("username", "alice")))
	require.ErrorIs(t, err, apierrors.ErrNoFullTextIndex)
	_, err = m.SearchCollection(ctx, app, "users", proto.NewQuery(proto.Eq("password", proto.String("secret"))))
	require.ErrorIs(t, err, apierrors.ErrNoIndex)
}

func TestPagination(t *testing.T) {
	m, clean := newTestManager(t)
	defer clean()
	ctx := context.TODO()
	app := newApp(t, m, "test-app")

	const total = 2500
	ids := make([]uuid.UUID, 0, total)
	for i := 0; i < total; i++ {
		e, err := m.Create(ctx, app, "user", map[string]proto.Value{"username": proto.String(fmt.Sprintf("user%04d", i))})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	q := proto.NewQuery(nil).WithLimit(1000)
	var (
		got   []uuid.UUID
		sizes []int
	)
	for {
		res, err := m.Relations().SearchCollection(ctx, app, "users", q)
		require.NoError(t, err)
		got = append(got, res.IDs...)
		sizes = append(sizes, len(res.IDs))
		if res.Cursor == "" {
			break
		}
		q.Cursor = res.Cursor
	}
	require.Equal(t, []int{1000, 1000, 500}, sizes)
	require.Equal(t, ids, got)
}

func TestMultiValuedPaging(t *testing.T) {
	m, clean := newTestManager(t)
	defer clean()
	ctx := context.TODO()
	app := newApp(t, m, "test-app")

	for i, tags := range [][]string{{"a", "d"}, {"b"}, {"c"}, {"a", "e"}, {"f"}} {
		elems := make([]proto.Value, len(tags))
		for j, tag := range tags {
			elems[j] = proto.String(tag)
		}
		_, err := m.Create(ctx, app, "user", map[string]proto.Value{
			"username": proto.String(fmt.Sprintf("user%d", i)),
			"tags":     proto.Set(elems...),
		})
		require.NoError(t, err)
	}

	pages := func(q *proto.Query) []uuid.UUID {
		var ids []uuid.UUID
		for i := 0; i < 100; i++ {
			res, err := m.Relations().SearchCollection(ctx, app, "users", q)
			require.NoError(t, err)
			ids = append(ids, res.IDs...)
			if res.Cursor == "" {
				return ids
			}
			q.Cursor = res.Cursor
		}
		t.Fatal("too many pages")
		return nil
	}

	for _, dir := range []proto.Direction{proto.Ascending, proto.Descending} {
		all := pages(proto.NewQuery(nil).SortBy("tags", dir).WithLimit(1000))
		require.Len(t, all, 5)
		for _, limit := range []int{1, 2, 3} {
			require.Equal(t, all, pages(proto.NewQuery(nil).SortBy("tags", dir).WithLimit(limit)))
		}
	}

	all := pages(proto.NewQuery(proto.Gte("tags", proto.String("b"))).WithLimit(1000))
	require.Len(t, all, 5)
	require.Equal(t, all, pages(proto.NewQuery(proto.Gte("tags", proto.String("b"))).WithLimit(1)))
}

func TestSetProperties(t *testing.T) {
	m, clean := newTestManager(t)
	defer clean()
	ctx := context.TODO()
	app := newApp(t, m, "test-app")
	alice := newUser(t, m, app, "alice")

	search := func(role string) []uuid.UUID {
		res, err := m.SearchCollection(ctx, app, "users", proto.NewQuery(proto.Eq("roles", proto.String(role))))
		require.NoError(t, err)
		return res.IDs
	}

	require.NoError(t, m.AddToSet(ctx, alice.ID, "roles", proto.String("admin"), proto.String("dev")))
	require.NoError(t, m.AddToSet(ctx, alice.ID, "roles", proto.String("dev")))
	e, err := m.Get(ctx, alice.ID)
	require.NoError(t, err)
	require.True(t, e.Properties["roles"].Equal(proto.Set(proto.String("admin"), proto.String("dev"))))
	require.GreaterOrEqual(t, e.Modified, alice.Modified)
	require.Equal(t, []uuid.UUID{alice.ID}, search("admin"))
	require.Equal(t, []uuid.UUID{alice.ID}, search("dev"))

	require.NoError(t, m.RemoveFromSet(ctx, alice.ID, "roles", proto.String("admin")))
	require.Empty(t, search("admin"))
	require.Equal(t, []uuid.UUID{alice.ID}, search("dev"))

	require.NoError(t, m.RemoveFromSet(ctx, alice.ID, "roles", proto.String("dev")))
	require.Empty(t, search("dev"))
	e, err = m.Get(ctx, alice.ID)
	require.NoError(t, err)
	_, ok := e.Get("roles")
	require.False(t, ok)

	e, err = m.Update(ctx, alice.ID, map[string]proto.Value{
		"roles": proto.List(proto.String("ops"), proto.String("ops")),
		"age":   proto.Int(40),
	})
	require.NoError(t, err)
	require.Equal(t, 2, e.Properties["roles"].Len())
	require.Equal(t, []uuid.UUID{alice.ID}, search("ops"))
}

func TestDelete(t *testing.T) {
	m, clean := newTestManager(t)
	defer clean()
	ctx := context.TODO()
	app := newApp(t, m, "test-app")
	alice := newUser(t, m, app, "alice")
	bob := newUser(t, m, app, "bob")

	rel := m.Relations()
	require.NoError(t, rel.CreateConnection(ctx, proto.ConnectionRef{Connecting: alice.Ref(), Type: "follows", Connected: bob.Ref()}))
	require.NoError(t, rel.CreateConnection(ctx, proto.ConnectionRef{Connecting: bob.Ref(), Type: "follows", Connected: alice.Ref()}))

	res, err := m.SearchConnections(ctx, alice.Ref(), "follows", "", proto.NewQuery(nil))
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{bob.ID}, res.IDs)

	require.NoError(t, m.Delete(ctx, bob.ID))
	require.NoError(t, m.Delete(ctx, bob.ID))

	e, err := m.Get(ctx, bob.ID)
	require.NoError(t, err)
	require.Nil(t, e)
	ref, err := m.GetRef(ctx, bob.ID)
	require.NoError(t, err)
	require.True(t, ref.IsZero())

	res, err = m.SearchConnections(ctx, alice.Ref(), "follows", "", proto.NewQuery(nil))
	require.NoError(t, err)
	require.Empty(t, res.IDs)
	types, err := rel.GetConnectionTypes(ctx, alice.ID)
	require.NoError(t, err)
	require.Empty(t, types)
	types, err = rel.GetConnectingTypes(ctx, alice.ID)
	require.NoError(t, err)
	require.Empty(t, types)

	res, err = m.SearchCollection(ctx, app, "users", proto.NewQuery(nil))
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{alice.ID}, res.IDs)

	// the alias is free again
	ref, err = m.GetAlias(ctx, app, "user", "bob")
	require.NoError(t, err)
	require.True(t, ref.IsZero())
	newUser(t, m, app, "bob")
}

func TestConnectionRepair(t *testing.T) {
	m, clean := newTestManager(t)
	defer clean()
	ctx := context.TODO()
	app := newApp(t, m, "test-app")
	alice := newUser(t, m, app, "alice")
	bob := newUser(t, m, app, "bob")

	c := proto.ConnectionRef{Connecting: alice.Ref(), Type: "likes", Connected: bob.Ref()}
	require.NoError(t, m.Relations().CreateConnection(ctx, c))
	require.NoError(t, m.SetProperty(ctx, bob.ID, "city", proto.String("Lyon")))

	q := func() *proto.Query { return proto.NewQuery(proto.Eq("city", proto.String("lyon"))) }
	res, err := m.SearchConnections(ctx, alice.Ref(), "likes", "user", q())
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{bob.ID}, res.IDs)

	require.NoError(t, m.Relations().DeleteConnection(ctx, c))
	res, err = m.SearchConnections(ctx, alice.Ref(), "likes", "user", q())
	require.NoError(t, err)
	require.Empty(t, res.IDs)
	exists, err := m.Relations().ConnectionExists(ctx, c)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestValueCodec(t *testing.T) {
	v := proto.Object(map[string]proto.Value{
		"bin":  proto.Binary([]byte("raw\x00bytes")),
		"set":  proto.Set(proto.Int(1), proto.String("a")),
		"list": proto.List(proto.Bool(true), proto.Null()),
		"obj":  proto.Object(map[string]proto.Value{"n": proto.Number(1.5)}),
	})
	data, err := encodeValue(v)
	require.NoError(t, err)
	got, err := decodeValue(data)
	require.NoError(t, err)
	require.True(t, v.Equal(got))
	set, _ := got.Field("set")
	require.Equal(t, proto.KindSet, set.Kind())
	list, _ := got.Field("list")
	require.Equal(t, proto.KindList, list.Kind())

	_, err = decodeValue([]byte{0xff, 0xff})
	require.Error(t, err)
}
