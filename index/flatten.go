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

package index

import (
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/analysis"
	"github.com/blevesearch/bleve/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/registry"

	"github.com/cubefs/graphdb/proto"
)

const KeywordsSuffix = ".keywords"

// Pair is one leaf of a flattened property value.
type Pair struct {
	Path  string
	Value proto.Value
}

var (
	analyzerOnce sync.Once
	analyzer     *analysis.Analyzer
)

func keywordAnalyzer() *analysis.Analyzer {
	analyzerOnce.Do(func() {
		a, err := registry.NewCache().AnalyzerNamed(standard.Name)
		if err != nil {
			panic(err)
		}
		analyzer = a
	})
	return analyzer
}

// Keywords splits text into the distinct lower cased terms of the standard
// analyzer, stop words removed, in order of appearance.
func Keywords(text string) []string {
	tokens := keywordAnalyzer().Analyze([]byte(text))
	seen := make(map[string]struct{}, len(tokens))
	ret := make([]string, 0, len(tokens))
	for _, t := range tokens {
		term := string(t.Term)
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		ret = append(ret, term)
	}
	return ret
}

// Flatten expands a property value into the leaves that get indexed.
// Objects and lists produce one pair per leaf path, a location object
// produces an extra coordinates pair and full text strings produce one
// keywords pair per term.
func Flatten(property string, v proto.Value, fulltext bool) []Pair {
	property = strings.ToLower(property)
	var pairs []Pair
	flatten(property, v, fulltext, &pairs)

	if property == proto.PropertyLocation {
		if lat, lon, ok := LocationOf(v); ok {
			pairs = append(pairs, Pair{Path: proto.PropertyCoordinates, Value: proto.String(FormatCoordinates(lat, lon))})
		}
	}

	seen := make(map[string]struct{}, len(pairs))
	ret := pairs[:0]
	for _, p := range pairs {
		key := p.Path + "\x00" + string(AppendValue(nil, p.Value))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ret = append(ret, p)
	}
	return ret
}

func flatten(path string, v proto.Value, fulltext bool, pairs *[]Pair) {
	switch v.Kind() {
	case proto.KindNull:
	case proto.KindObject:
		for _, k := range v.Keys() {
			field, _ := v.Field(k)
			flatten(path+"."+strings.ToLower(k), field, fulltext, pairs)
		}
	case proto.KindList, proto.KindSet:
		for _, elem := range v.Elements() {
			flatten(path, elem, fulltext, pairs)
		}
	case proto.KindNumber:
		if math.IsNaN(v.Number()) {
			return
		}
		*pairs = append(*pairs, Pair{Path: path, Value: v})
	case proto.KindString:
		*pairs = append(*pairs, Pair{Path: path, Value: NormalizeValue(v)})
		if fulltext {
			for _, kw := range Keywords(v.Str()) {
				*pairs = append(*pairs, Pair{Path: path + KeywordsSuffix, Value: proto.String(kw)})
			}
		}
	default:
		*pairs = append(*pairs, Pair{Path: path, Value: v})
	}
}

// LocationOf reads the coordinates of a location object.
func LocationOf(v proto.Value) (latitude, longitude float64, ok bool) {
	if v.Kind() != proto.KindObject {
		return 0, 0, false
	}
	lat, ok1 := v.Field(proto.PropertyLatitude)
	lon, ok2 := v.Field(proto.PropertyLongitude)
	if !ok1 || !ok2 || lat.Kind() != proto.KindNumber || lon.Kind() != proto.KindNumber {
		return 0, 0, false
	}
	return lat.Number(), lon.Number(), true
}

func FormatCoordinates(latitude, longitude float64) string {
	return strconv.FormatFloat(latitude, 'f', -1, 64) + "," + strconv.FormatFloat(longitude, 'f', -1, 64)
}

func ParseCoordinates(s string) (latitude, longitude float64, ok bool) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}
