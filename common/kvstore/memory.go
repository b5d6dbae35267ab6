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

package kvstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/cubefs/cubefs/util/btree"
)

const memoryDegree = 32

type (
	memStore struct {
		lock    sync.RWMutex
		columns map[CF]*btree.BTree
		closed  bool
	}
	memItem struct {
		key   []byte
		value []byte
	}
	memListReader struct {
		s       *memStore
		tree    *btree.BTree
		prefix  []byte
		cur     *memItem
		isFirst bool
	}
	memWriteOption struct {
		sync bool
	}
	memBatchOp struct {
		col    CF
		key    []byte
		value  []byte
		delete bool
	}
	memWriteBatch struct {
		ops []memBatchOp
	}
)

func (i *memItem) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*memItem).key) < 0
}

func (i *memItem) Copy() btree.Item {
	return &memItem{key: i.key, value: i.value}
}

func newMemoryStore(ctx context.Context, option *Option) (Store, error) {
	s := &memStore{columns: make(map[CF]*btree.BTree)}
	s.columns[defaultCF] = btree.New(memoryDegree)
	for _, col := range option.ColumnFamily {
		s.columns[col] = btree.New(memoryDegree)
	}
	return s, nil
}

func (s *memStore) CreateColumn(col CF) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.columns[col]; !ok {
		s.columns[col] = btree.New(memoryDegree)
	}
	return nil
}

func (s *memStore) GetAllColumns() (ret []CF) {
	s.lock.RLock()
	for col := range s.columns {
		ret = append(ret, col)
	}
	s.lock.RUnlock()
	return
}

func (s *memStore) CheckColumns(col CF) bool {
	if col == "" {
		return true
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.columns[col]
	return ok
}

func (s *memStore) GetRaw(ctx context.Context, col CF, key []byte) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	tree, err := s.column(col)
	if err != nil {
		return nil, err
	}
	item := tree.Get(&memItem{key: key})
	if item == nil {
		return nil, ErrNotFound
	}
	return copyBytes(item.(*memItem).value), nil
}

func (s *memStore) SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	tree, err := s.column(col)
	if err != nil {
		return err
	}
	tree.ReplaceOrInsert(&memItem{key: copyBytes(key), value: copyBytes(value)})
	return nil
}

func (s *memStore) Delete(ctx context.Context, col CF, key []byte, writeOpt WriteOption) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	tree, err := s.column(col)
	if err != nil {
		return err
	}
	tree.Delete(&memItem{key: key})
	return nil
}

func (s *memStore) List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader {
	s.lock.RLock()
	tree, err := s.column(col)
	s.lock.RUnlock()
	if err != nil {
		panic(err)
	}
	lr := &memListReader{s: s, tree: tree, prefix: prefix}
	switch {
	case len(marker) > 0:
		lr.SeekTo(marker)
	case prefix != nil:
		lr.SeekTo(prefix)
	default:
		lr.SeekTo(nil)
	}
	return lr
}

func (s *memStore) Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error {
	b := batch.(*memWriteBatch)
	s.lock.Lock()
	defer s.lock.Unlock()
	for i := range b.ops {
		if _, err := s.column(b.ops[i].col); err != nil {
			return err
		}
	}
	for _, op := range b.ops {
		tree := s.columns[op.col]
		if op.delete {
			tree.Delete(&memItem{key: op.key})
			continue
		}
		tree.ReplaceOrInsert(&memItem{key: op.key, value: op.value})
	}
	return nil
}

func (s *memStore) NewWriteOption() WriteOption {
	return &memWriteOption{}
}

func (s *memStore) NewWriteBatch() WriteBatch {
	return &memWriteBatch{}
}

func (s *memStore) Stats(ctx context.Context) (Stats, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var used uint64
	for _, tree := range s.columns {
		tree.Ascend(func(i btree.Item) bool {
			item := i.(*memItem)
			used += uint64(len(item.key) + len(item.value))
			return true
		})
	}
	return Stats{Used: used, MemoryUsage: MemoryUsage{MemtableUsage: used, Total: used}}, nil
}

func (s *memStore) Close() {
	s.lock.Lock()
	s.closed = true
	s.columns = make(map[CF]*btree.BTree)
	s.lock.Unlock()
}

func (s *memStore) column(col CF) (*btree.BTree, error) {
	if col == "" {
		col = defaultCF
	}
	tree, ok := s.columns[col]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, col)
	}
	return tree, nil
}

func (lr *memListReader) SeekTo(key []byte) {
	lr.isFirst = true
	lr.cur = nil
	lr.s.lock.RLock()
	defer lr.s.lock.RUnlock()
	lr.tree.AscendGreaterOrEqual(&memItem{key: key}, func(i btree.Item) bool {
		lr.cur = i.(*memItem)
		return false
	})
}

func (lr *memListReader) SeekForPrev(key []byte) {
	lr.isFirst = true
	lr.cur = nil
	lr.s.lock.RLock()
	defer lr.s.lock.RUnlock()
	lr.tree.DescendLessOrEqual(&memItem{key: key}, func(i btree.Item) bool {
		lr.cur = i.(*memItem)
		return false
	})
}

func (lr *memListReader) SeekToLast() {
	lr.isFirst = true
	lr.cur = nil
	lr.s.lock.RLock()
	defer lr.s.lock.RUnlock()
	lr.tree.Descend(func(i btree.Item) bool {
		lr.cur = i.(*memItem)
		return false
	})
}

func (lr *memListReader) ReadNextCopy() (key []byte, value []byte, err error) {
	if !lr.isFirst && lr.cur != nil {
		pivot := lr.cur
		lr.cur = nil
		lr.s.lock.RLock()
		lr.tree.AscendGreaterOrEqual(pivot, func(i btree.Item) bool {
			item := i.(*memItem)
			if bytes.Equal(item.key, pivot.key) {
				return true
			}
			lr.cur = item
			return false
		})
		lr.s.lock.RUnlock()
	}
	return lr.current()
}

func (lr *memListReader) ReadPrevCopy() (key []byte, value []byte, err error) {
	if !lr.isFirst && lr.cur != nil {
		pivot := lr.cur
		lr.cur = nil
		lr.s.lock.RLock()
		lr.tree.DescendLessOrEqual(pivot, func(i btree.Item) bool {
			item := i.(*memItem)
			if bytes.Equal(item.key, pivot.key) {
				return true
			}
			lr.cur = item
			return false
		})
		lr.s.lock.RUnlock()
	}
	return lr.current()
}

func (lr *memListReader) current() (key []byte, value []byte, err error) {
	lr.isFirst = false
	if lr.cur == nil {
		return nil, nil, nil
	}
	if lr.prefix != nil && !bytes.HasPrefix(lr.cur.key, lr.prefix) {
		return nil, nil, nil
	}
	return copyBytes(lr.cur.key), copyBytes(lr.cur.value), nil
}

func (lr *memListReader) Close() {}

func (o *memWriteOption) SetSync(value bool) { o.sync = value }

func (o *memWriteOption) DisableWAL(value bool) {}

func (o *memWriteOption) Close() {}

func (b *memWriteBatch) Put(col CF, key, value []byte) {
	if col == "" {
		col = defaultCF
	}
	b.ops = append(b.ops, memBatchOp{col: col, key: copyBytes(key), value: copyBytes(value)})
}

func (b *memWriteBatch) Delete(col CF, key []byte) {
	if col == "" {
		col = defaultCF
	}
	b.ops = append(b.ops, memBatchOp{col: col, key: copyBytes(key), delete: true})
}

func (b *memWriteBatch) Count() int {
	return len(b.ops)
}

func (b *memWriteBatch) Close() {
	b.ops = nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	ret := make([]byte, len(b))
	copy(ret, b)
	return ret
}
