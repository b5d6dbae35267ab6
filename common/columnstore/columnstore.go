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

// Package columnstore provides wide rows of sorted columns on top of the kv
// engine. Every cell carries a write timestamp and conflicting writes are
// resolved last-write-wins, with deletes winning ties.
package columnstore

import (
	"bytes"
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"golang.org/x/sync/singleflight"

	"github.com/cubefs/graphdb/common/kvstore"
	apierrors "github.com/cubefs/graphdb/errors"
)

type (
	Family           string
	ConsistencyLevel string
)

const (
	ConsistencyOne    = ConsistencyLevel("ONE")
	ConsistencyQuorum = ConsistencyLevel("QUORUM")
	ConsistencyAll    = ConsistencyLevel("ALL")
)

const (
	FamilyProperties            = Family("entity_properties")
	FamilyIndexEntries          = Family("entity_index_entries")
	FamilyIDSets                = Family("entity_id_sets")
	FamilyCompositeDictionaries = Family("entity_composite_dictionaries")
	FamilyDictionaries          = Family("entity_dictionaries")
	FamilyIndex                 = Family("entity_index")
	FamilyUnique                = Family("entity_unique")
	FamilyGeocells              = Family("entity_geocells")
)

// Families lists every column family the graph layer writes to.
var Families = []Family{
	FamilyProperties,
	FamilyIndexEntries,
	FamilyIDSets,
	FamilyCompositeDictionaries,
	FamilyDictionaries,
	FamilyIndex,
	FamilyUnique,
	FamilyGeocells,
}

const (
	defaultKeyspace        = "graphdb"
	defaultMutationRetries = 3
	defaultRetryDelayMs    = 10

	cellHeaderSize = 9
	flagTombstone  = byte(1)
)

type Config struct {
	Path             string            `json:"path"`
	KVType           kvstore.LsmKVType `json:"kv_type"`
	KVOption         kvstore.Option    `json:"kv_option"`
	Keyspace         string            `json:"keyspace"`
	WriteConsistency ConsistencyLevel  `json:"write_consistency"`
	MutationRetries  int               `json:"mutation_retries"`
	RetryDelayMs     uint32            `json:"retry_delay_ms"`
}

// Column is one live cell of a row.
type Column struct {
	Name      []byte
	Value     []byte
	Timestamp int64
}

// Slice selects the columns of a row within [Start, End). Nil bounds are
// open, Reversed walks the range from its end and Count caps the number of
// returned columns when positive.
type Slice struct {
	Start    []byte
	End      []byte
	Reversed bool
	Count    int
}

// After returns the smallest column name greater than name.
func After(name []byte) []byte {
	ret := make([]byte, len(name)+1)
	copy(ret, name)
	return ret
}

type Store struct {
	kv        kvstore.Store
	cfg       Config
	syncOpt   kvstore.WriteOption
	singleRun singleflight.Group

	rowLocks
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	span := trace.SpanFromContextSafe(ctx)
	initConfig(cfg)

	kvStore, err := kvstore.NewKVStore(ctx, cfg.Path+"/kv", cfg.KVType, &cfg.KVOption)
	if err != nil {
		return nil, errors.Info(err, "open kv store failed")
	}
	s := &Store{
		kv:      kvStore,
		cfg:     *cfg,
		syncOpt: kvStore.NewWriteOption(),
	}
	s.syncOpt.SetSync(true)
	span.Infof("column store opened, keyspace[%s] kv type[%s]", cfg.Keyspace, cfg.KVType)
	return s, nil
}

func initConfig(cfg *Config) {
	if cfg.Keyspace == "" {
		cfg.Keyspace = defaultKeyspace
	}
	if cfg.KVType == "" {
		cfg.KVType = kvstore.RocksdbLsmKVType
	}
	if cfg.WriteConsistency == "" {
		cfg.WriteConsistency = ConsistencyQuorum
	}
	if cfg.MutationRetries <= 0 {
		cfg.MutationRetries = defaultMutationRetries
	}
	if cfg.RetryDelayMs == 0 {
		cfg.RetryDelayMs = defaultRetryDelayMs
	}
	cfg.KVOption.CreateIfMissing = true
}

func (s *Store) Keyspace() string {
	return s.cfg.Keyspace
}

func (s *Store) KVStore() kvstore.Store {
	return s.kv
}

// EnsureSchema creates the keyspace prefixed column families that do not
// exist yet. Concurrent callers share one creation.
func (s *Store) EnsureSchema(ctx context.Context, families ...Family) error {
	if len(families) == 0 {
		families = Families
	}
	for _, fam := range families {
		cf := s.cf(fam)
		if s.kv.CheckColumns(cf) {
			continue
		}
		_, err, _ := s.singleRun.Do(cf.String(), func() (interface{}, error) {
			return nil, s.kv.CreateColumn(cf)
		})
		if err != nil {
			return errors.Info(err, "create column family", cf.String())
		}
		trace.SpanFromContextSafe(ctx).Debugf("column family[%s] ensured", cf)
	}
	return nil
}

// GetColumn returns a single live column or nil if absent.
func (s *Store) GetColumn(ctx context.Context, fam Family, row, name []byte) (*Column, error) {
	cf, err := s.checkedCF(fam)
	if err != nil {
		return nil, err
	}
	raw, err := s.kv.GetRaw(ctx, cf, cellKey(row, name))
	if err != nil {
		if stderrors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Info(err, "get column", fam)
	}
	ts, tombstone, value := decodeCell(raw)
	if tombstone {
		return nil, nil
	}
	return &Column{Name: name, Value: value, Timestamp: ts}, nil
}

func (s *Store) GetRow(ctx context.Context, fam Family, row []byte) ([]Column, error) {
	return s.GetSlice(ctx, fam, row, Slice{})
}

func (s *Store) GetSlice(ctx context.Context, fam Family, row []byte, slice Slice) ([]Column, error) {
	cf, err := s.checkedCF(fam)
	if err != nil {
		return nil, err
	}
	if slice.Start != nil && slice.End != nil && bytes.Compare(slice.Start, slice.End) >= 0 {
		return nil, nil
	}
	prefix := rowPrefix(row)
	if slice.Reversed {
		return s.reverseSlice(ctx, cf, prefix, slice)
	}

	marker := prefix
	if slice.Start != nil {
		marker = append(append([]byte{}, prefix...), slice.Start...)
	}
	lr := s.kv.List(ctx, cf, prefix, marker)
	defer lr.Close()

	var ret []Column
	for slice.Count <= 0 || len(ret) < slice.Count {
		key, raw, err := lr.ReadNextCopy()
		if err != nil {
			return nil, errors.Info(err, "scan row", fam)
		}
		if key == nil {
			break
		}
		name := key[len(prefix):]
		if slice.End != nil && bytes.Compare(name, slice.End) >= 0 {
			break
		}
		ts, tombstone, value := decodeCell(raw)
		if tombstone {
			continue
		}
		ret = append(ret, Column{Name: name, Value: value, Timestamp: ts})
	}
	return ret, nil
}

func (s *Store) reverseSlice(ctx context.Context, cf kvstore.CF, prefix []byte, slice Slice) ([]Column, error) {
	lr := s.kv.List(ctx, cf, nil, nil)
	defer lr.Close()

	var end []byte
	if slice.End != nil {
		end = append(append([]byte{}, prefix...), slice.End...)
	} else {
		end = prefixSuccessor(prefix)
	}
	if end == nil {
		lr.SeekToLast()
	} else {
		lr.SeekForPrev(end)
	}

	var ret []Column
	for slice.Count <= 0 || len(ret) < slice.Count {
		key, raw, err := lr.ReadPrevCopy()
		if err != nil {
			return nil, errors.Info(err, "reverse scan row", cf.String())
		}
		if key == nil {
			break
		}
		if end != nil && bytes.Compare(key, end) >= 0 {
			continue
		}
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		name := key[len(prefix):]
		if slice.Start != nil && bytes.Compare(name, slice.Start) < 0 {
			break
		}
		ts, tombstone, value := decodeCell(raw)
		if tombstone {
			continue
		}
		ret = append(ret, Column{Name: name, Value: value, Timestamp: ts})
	}
	return ret, nil
}

// MultiGetSlice applies one slice to several rows, results keep the order of rows.
func (s *Store) MultiGetSlice(ctx context.Context, fam Family, rows [][]byte, slice Slice) ([][]Column, error) {
	ret := make([][]Column, len(rows))
	for i := range rows {
		cols, err := s.GetSlice(ctx, fam, rows[i], slice)
		if err != nil {
			return nil, err
		}
		ret[i] = cols
	}
	return ret, nil
}

func (s *Store) Stats(ctx context.Context) (kvstore.Stats, error) {
	return s.kv.Stats(ctx)
}

func (s *Store) Close() {
	s.syncOpt.Close()
	s.kv.Close()
}

func (s *Store) cf(fam Family) kvstore.CF {
	return kvstore.CF(s.cfg.Keyspace + "_" + string(fam))
}

func (s *Store) checkedCF(fam Family) (kvstore.CF, error) {
	cf := s.cf(fam)
	if !s.kv.CheckColumns(cf) {
		return "", fmt.Errorf("%w: %s", apierrors.ErrUnknownColumnFamily, cf)
	}
	return cf, nil
}

// rowPrefix is the length prefixed row key, so that no row prefix is a
// prefix of another row's cells.
func rowPrefix(row []byte) []byte {
	prefix := make([]byte, 0, binary.MaxVarintLen64+len(row))
	prefix = binary.AppendUvarint(prefix, uint64(len(row)))
	return append(prefix, row...)
}

func cellKey(row, name []byte) []byte {
	return append(rowPrefix(row), name...)
}

func prefixSuccessor(prefix []byte) []byte {
	ret := append([]byte{}, prefix...)
	for i := len(ret) - 1; i >= 0; i-- {
		if ret[i] != 0xff {
			ret[i]++
			return ret[:i+1]
		}
	}
	return nil
}

func encodeCell(ts int64, tombstone bool, value []byte) []byte {
	raw := make([]byte, cellHeaderSize+len(value))
	binary.BigEndian.PutUint64(raw, uint64(ts))
	if tombstone {
		raw[8] = flagTombstone
	}
	copy(raw[cellHeaderSize:], value)
	return raw
}

func decodeCell(raw []byte) (ts int64, tombstone bool, value []byte) {
	if len(raw) < cellHeaderSize {
		return 0, true, nil
	}
	ts = int64(binary.BigEndian.Uint64(raw))
	tombstone = raw[8] == flagTombstone
	value = raw[cellHeaderSize:]
	return
}
