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

// Package geo keeps geocell index rows for point properties. Every point is
// written once per cell resolution into the bucket row of its entity, so a
// proximity search only reads the few cells covering the searched circle.
package geo

import (
	"bytes"
	"context"
	"math"
	"sort"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	"github.com/cubefs/graphdb/common/columnstore"
	"github.com/cubefs/graphdb/common/composite"
	"github.com/cubefs/graphdb/index"
	"github.com/cubefs/graphdb/metrics"
)

const (
	MinResolution = 1
	MaxResolution = 13

	earthRadius   = 6371000.0
	metersPerDeg  = earthRadius * math.Pi / 180
	cellAlphabet  = "0123456789abcdef"
	gridDimension = 4
)

type Point struct {
	Latitude  float64
	Longitude float64
}

// CellFunc returns the geocell of p at a resolution in [1, 13]. Each cell
// at resolution r+1 must lie within a cell of resolution r.
type CellFunc func(p Point, resolution int) string

// DefaultCells is the classic 4x4 geocell subdivision: every character
// picks one of sixteen sub cells of the parent cell.
func DefaultCells(p Point, resolution int) string {
	north, south, east, west := 90.0, -90.0, 180.0, -180.0
	cell := make([]byte, 0, resolution)
	for len(cell) < resolution {
		lonSpan := (east - west) / gridDimension
		latSpan := (north - south) / gridDimension
		x := int(math.Min(gridDimension*(p.Longitude-west)/(east-west), gridDimension-1))
		y := int(math.Min(gridDimension*(p.Latitude-south)/(north-south), gridDimension-1))
		if x < 0 {
			x = 0
		}
		if y < 0 {
			y = 0
		}
		cell = append(cell, cellAlphabet[(y&2)<<2|(x&2)<<1|(y&1)<<1|(x&1)])
		south += latSpan * float64(y)
		north = south + latSpan
		west += lonSpan * float64(x)
		east = west + lonSpan
	}
	return string(cell)
}

// Distance is the haversine distance in meters.
func Distance(a, b Point) float64 {
	lat1, lat2 := a.Latitude*math.Pi/180, b.Latitude*math.Pi/180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Hit is an entity found by a proximity search.
type Hit struct {
	ID       uuid.UUID
	Point    Point
	Distance float64
}

type Index struct {
	store   *columnstore.Store
	locator *index.Locator
	cells   CellFunc
}

func NewIndex(store *columnstore.Store, locator *index.Locator, cells CellFunc) *Index {
	if cells == nil {
		cells = DefaultCells
	}
	return &Index{store: store, locator: locator, cells: cells}
}

func rowKey(ictx index.Context, path, cell, bucket string) []byte {
	key := composite.AppendUUID(nil, ictx.Owner)
	key = composite.AppendString(key, string(ictx.Type))
	key = composite.AppendString(key, ictx.Name)
	key = composite.AppendString(key, strings.ToLower(path))
	key = composite.AppendString(key, cell)
	return composite.AppendString(key, bucket)
}

func column(id uuid.UUID, p Point) []byte {
	col := composite.AppendUUID(nil, id)
	col = composite.AppendNumber(col, p.Latitude)
	return composite.AppendNumber(col, p.Longitude)
}

func decodeColumn(b []byte) (uuid.UUID, Point, error) {
	comps, err := composite.Decode(b)
	if err != nil {
		return uuid.Nil, Point{}, err
	}
	if len(comps) != 3 {
		return uuid.Nil, Point{}, composite.ErrShortBuffer
	}
	return comps[0].UUID, Point{Latitude: comps[1].Number, Longitude: comps[2].Number}, nil
}

// StoreLocation writes the point of an entity at every resolution.
func (x *Index) StoreLocation(m *columnstore.Mutation, ictx index.Context, path string, id uuid.UUID, p Point) {
	bucket := x.locator.Bucket(ictx.Owner, ictx.Type, id, ictx.Name)
	col := column(id, p)
	for r := MinResolution; r <= MaxResolution; r++ {
		m.Insert(columnstore.FamilyGeocells, rowKey(ictx, path, x.cells(p, r), bucket), col, nil)
	}
	metrics.IndexEntries.WithLabelValues("geo", "insert").Add(MaxResolution)
}

// RemoveLocation deletes the point of an entity from every bucket of every
// resolution.
func (x *Index) RemoveLocation(m *columnstore.Mutation, ictx index.Context, path string, id uuid.UUID, p Point) {
	col := column(id, p)
	buckets := x.locator.Buckets(ictx.Owner, ictx.Type, ictx.Name)
	for r := MinResolution; r <= MaxResolution; r++ {
		cell := x.cells(p, r)
		for _, bucket := range buckets {
			m.Delete(columnstore.FamilyGeocells, rowKey(ictx, path, cell, bucket), col)
		}
	}
	metrics.IndexEntries.WithLabelValues("geo", "delete").Add(MaxResolution)
}

// Within returns the entities of a context whose point lies within distance
// meters of center, nearest first.
func (x *Index) Within(ctx context.Context, ictx index.Context, path string, center Point, distance float64) ([]Hit, error) {
	span := trace.SpanFromContextSafe(ctx)
	resolution, cells := x.cover(center, distance)
	buckets := x.locator.Buckets(ictx.Owner, ictx.Type, ictx.Name)

	seen := make(map[uuid.UUID]struct{})
	var hits []Hit
	for _, cell := range cells {
		rows := make([][]byte, len(buckets))
		for i, bucket := range buckets {
			rows[i] = rowKey(ictx, path, cell, bucket)
		}
		results, err := x.store.MultiGetSlice(ctx, columnstore.FamilyGeocells, rows, columnstore.Slice{})
		if err != nil {
			return nil, errors.Info(err, "scan geocell", cell)
		}
		for _, cols := range results {
			metrics.ScannedColumns.WithLabelValues("within").Add(float64(len(cols)))
			for _, col := range cols {
				id, p, err := decodeColumn(col.Name)
				if err != nil {
					span.Warnf("skip corrupt geocell column in context[%s] cell[%s]: %v", ictx, cell, err)
					continue
				}
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				if d := Distance(center, p); d <= distance {
					hits = append(hits, Hit{ID: id, Point: p, Distance: d})
				}
			}
		}
	}
	SortHits(hits)
	span.Debugf("within context[%s] path[%s] resolution[%d] cells[%d] hits[%d]", ictx, path, resolution, len(cells), len(hits))
	return hits, nil
}

// SortHits orders hits by distance, then id.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return bytes.Compare(hits[i].ID[:], hits[j].ID[:]) < 0
	})
}

// cover picks the finest resolution whose cells are at least as large as
// the bounding box of the circle and returns the cells the box touches.
func (x *Index) cover(center Point, distance float64) (int, []string) {
	dLat := distance / metersPerDeg
	cosLat := math.Cos(center.Latitude * math.Pi / 180)
	dLon := 360.0
	if cosLat > 1e-9 {
		dLon = dLat / cosLat
	}

	if 2*dLat > 180/gridDimension || 2*dLon > 360/gridDimension {
		// the box is larger than a top level cell, read them all
		var cells []string
		for y := 0; y < gridDimension; y++ {
			for xx := 0; xx < gridDimension; xx++ {
				p := Point{
					Latitude:  -90 + (180/gridDimension)*(float64(y)+0.5),
					Longitude: -180 + (360/gridDimension)*(float64(xx)+0.5),
				}
				cells = appendUnique(cells, x.cells(p, MinResolution))
			}
		}
		return MinResolution, cells
	}

	resolution := MinResolution
	latSpan, lonSpan := 180.0/gridDimension, 360.0/gridDimension
	for resolution < MaxResolution && latSpan/gridDimension >= 2*dLat && lonSpan/gridDimension >= 2*dLon {
		resolution++
		latSpan /= gridDimension
		lonSpan /= gridDimension
	}

	var cells []string
	for _, fy := range []float64{-1, 0, 1} {
		for _, fx := range []float64{-1, 0, 1} {
			p := Point{
				Latitude:  clampLatitude(center.Latitude + fy*dLat),
				Longitude: wrapLongitude(center.Longitude + fx*dLon),
			}
			cells = appendUnique(cells, x.cells(p, resolution))
		}
	}
	return resolution, cells
}

func appendUnique(cells []string, cell string) []string {
	for _, c := range cells {
		if c == cell {
			return cells
		}
	}
	return append(cells, cell)
}

func clampLatitude(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}

func wrapLongitude(lon float64) float64 {
	if lon >= -180 && lon < 180 {
		return lon
	}
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}
