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

package geo

import (
	"context"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/graphdb/common/columnstore"
	"github.com/cubefs/graphdb/common/kvstore"
	"github.com/cubefs/graphdb/index"
	"github.com/cubefs/graphdb/proto"
	"github.com/cubefs/graphdb/util"
)

var (
	paris      = Point{Latitude: 48.8566, Longitude: 2.3522}
	versailles = Point{Latitude: 48.8049, Longitude: 2.1204}
	london     = Point{Latitude: 51.5074, Longitude: -0.1278}
)

func TestDefaultCells(t *testing.T) {
	prev := ""
	for r := MinResolution; r <= MaxResolution; r++ {
		cell := DefaultCells(paris, r)
		require.Len(t, cell, r)
		require.True(t, strings.HasPrefix(cell, prev))
		prev = cell
	}
	require.Equal(t, DefaultCells(paris, 5), DefaultCells(Point{Latitude: 48.8567, Longitude: 2.3523}, 5))
	// edges stay inside the grid
	require.Len(t, DefaultCells(Point{Latitude: 90, Longitude: 180}, 4), 4)
	require.Len(t, DefaultCells(Point{Latitude: -90, Longitude: -180}, 4), 4)
}

func TestWrapLongitude(t *testing.T) {
	require.Equal(t, 2.3522, wrapLongitude(2.3522))
	require.Equal(t, float64(-180), wrapLongitude(180))
	require.Equal(t, float64(-170), wrapLongitude(190))
	require.Equal(t, float64(170), wrapLongitude(-190))
	require.Equal(t, float64(-180), wrapLongitude(-540))
	require.True(t, math.IsNaN(wrapLongitude(math.Inf(1))))
	require.True(t, math.IsNaN(wrapLongitude(math.Inf(-1))))
}

func TestDistance(t *testing.T) {
	d := Distance(paris, london)
	require.InDelta(t, 343500, d, 2000)
	require.Equal(t, float64(0), Distance(paris, paris))
	require.InDelta(t, Distance(london, paris), d, 1e-6)
}

func newTestIndex(t *testing.T) (*Index, *columnstore.Store, func()) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	store, err := columnstore.NewStore(context.TODO(), &columnstore.Config{Path: path, KVType: kvstore.MemoryKVType})
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.TODO()))
	return NewIndex(store, index.NewLocator(8), nil), store, func() {
		store.Close()
		os.RemoveAll(path)
	}
}

func TestStoreWithinRemove(t *testing.T) {
	x, store, clean := newTestIndex(t)
	defer clean()
	ctx := context.TODO()
	clock := util.NewClock()
	ictx := index.CollectionContext(uuid.New(), "places")

	ids := map[string]uuid.UUID{
		"paris":      clock.NewTimeUUID(),
		"versailles": clock.NewTimeUUID(),
		"london":     clock.NewTimeUUID(),
	}
	points := map[string]Point{"paris": paris, "versailles": versailles, "london": london}
	m := store.NewMutation(clock.Now())
	for name, id := range ids {
		x.StoreLocation(m, ictx, proto.PropertyCoordinates, id, points[name])
	}
	require.NoError(t, store.Execute(ctx, m))

	hits, err := x.Within(ctx, ictx, proto.PropertyCoordinates, paris, 1000)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, ids["paris"], hits[0].ID)

	hits, err = x.Within(ctx, ictx, proto.PropertyCoordinates, paris, 50000)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, ids["paris"], hits[0].ID)
	require.Equal(t, ids["versailles"], hits[1].ID)
	require.True(t, hits[1].Distance > hits[0].Distance)

	hits, err = x.Within(ctx, ictx, proto.PropertyCoordinates, paris, 500000)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	require.Equal(t, ids["london"], hits[2].ID)

	// larger than a top level cell
	hits, err = x.Within(ctx, ictx, proto.PropertyCoordinates, paris, 8000000)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	// other contexts are not visible
	hits, err = x.Within(ctx, index.CollectionContext(uuid.New(), "places"), proto.PropertyCoordinates, paris, 500000)
	require.NoError(t, err)
	require.Empty(t, hits)

	m = store.NewMutation(clock.Now())
	x.RemoveLocation(m, ictx, proto.PropertyCoordinates, ids["paris"], paris)
	require.NoError(t, store.Execute(ctx, m))
	hits, err = x.Within(ctx, ictx, proto.PropertyCoordinates, paris, 50000)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, ids["versailles"], hits[0].ID)
}
