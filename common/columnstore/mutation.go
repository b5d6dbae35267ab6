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

package columnstore

import (
	"context"
	stderrors "errors"
	"hash/crc32"
	"sort"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/retry"

	"github.com/cubefs/graphdb/common/kvstore"
	"github.com/cubefs/graphdb/metrics"
	"github.com/cubefs/graphdb/util"
)

const keyLocksNum = 1024

type rowLocks struct {
	keyLocks [keyLocksNum]sync.Mutex
}

func (l *rowLocks) lockIndexes(keys [][]byte) []int {
	seen := make(map[int]struct{}, len(keys))
	idxs := make([]int, 0, len(keys))
	for _, key := range keys {
		idx := int(crc32.ChecksumIEEE(key) % keyLocksNum)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		idxs = append(idxs, idx)
	}
	// locks are always taken in ascending order
	sort.Ints(idxs)
	return idxs
}

func (l *rowLocks) lock(idxs []int) {
	for _, idx := range idxs {
		l.keyLocks[idx].Lock()
	}
}

func (l *rowLocks) unlock(idxs []int) {
	for i := len(idxs) - 1; i >= 0; i-- {
		l.keyLocks[idxs[i]].Unlock()
	}
}

type cell struct {
	family    Family
	row       []byte
	name      []byte
	value     []byte
	ts        int64
	tombstone bool
}

// Mutation is a batch of cell writes sharing one timestamp. Deletes are
// stamped one tick later so that they win over inserts of the same batch.
// A mutation is not safe for concurrent use.
type Mutation struct {
	ts    int64
	cells []cell
}

func (s *Store) NewMutation(ts int64) *Mutation {
	return &Mutation{ts: ts}
}

func (m *Mutation) Timestamp() int64 {
	return m.ts
}

func (m *Mutation) Insert(fam Family, row, name, value []byte) *Mutation {
	m.cells = append(m.cells, cell{family: fam, row: row, name: name, value: value, ts: m.ts})
	return m
}

func (m *Mutation) Delete(fam Family, row, name []byte) *Mutation {
	m.cells = append(m.cells, cell{family: fam, row: row, name: name, ts: m.ts + 1, tombstone: true})
	return m
}

func (m *Mutation) Len() int {
	return len(m.cells)
}

func (m *Mutation) IsEmpty() bool {
	return len(m.cells) == 0
}

// Execute applies the mutation. Each cell only replaces an older cell; a
// failed write is retried as a whole since replays resolve to the same
// state. Batches are not atomic with respect to readers.
func (s *Store) Execute(ctx context.Context, m *Mutation) error {
	if m.IsEmpty() {
		return nil
	}
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()

	keys := make([][]byte, len(m.cells))
	cfs := make([]kvstore.CF, len(m.cells))
	for i := range m.cells {
		cf, err := s.checkedCF(m.cells[i].family)
		if err != nil {
			return err
		}
		cfs[i] = cf
		keys[i] = cellKey(m.cells[i].row, m.cells[i].name)
	}
	lockKeys := make([][]byte, len(keys))
	for i := range keys {
		lockKeys[i] = append([]byte(cfs[i]), keys[i]...)
	}
	idxs := s.lockIndexes(lockKeys)

	attempt := 0
	err := retry.Timed(s.cfg.MutationRetries, s.cfg.RetryDelayMs).On(func() error {
		attempt++
		if attempt > 1 {
			metrics.MutationRetries.Inc()
			span.Warnf("retry mutation ts[%d] cells[%d] attempt[%d]", m.ts, len(m.cells), attempt)
		}
		return s.apply(ctx, m, cfs, keys, idxs)
	})
	metrics.MutationDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		span.Errorf("execute mutation ts[%d] failed: %s", m.ts, errors.Detail(err))
		return errors.Info(err, "execute mutation")
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m *Mutation, cfs []kvstore.CF, keys [][]byte, idxs []int) error {
	s.lock(idxs)
	defer s.unlock(idxs)

	batch := s.kv.NewWriteBatch()
	defer batch.Close()

	type pendingCell struct {
		ts        int64
		tombstone bool
	}
	pending := make(map[string]pendingCell, len(m.cells))
	for i := range m.cells {
		c := &m.cells[i]
		pendingKey := string(cfs[i]) + "\x00" + util.BytesToString(keys[i])

		existTs, existTombstone, exist := int64(0), false, false
		if p, ok := pending[pendingKey]; ok {
			existTs, existTombstone, exist = p.ts, p.tombstone, true
		} else {
			raw, err := s.kv.GetRaw(ctx, cfs[i], keys[i])
			switch {
			case err == nil:
				existTs, existTombstone, _ = decodeCell(raw)
				exist = true
			case stderrors.Is(err, kvstore.ErrNotFound):
			default:
				return err
			}
		}
		if exist && !supersedes(c.ts, c.tombstone, existTs, existTombstone) {
			continue
		}

		pending[pendingKey] = pendingCell{ts: c.ts, tombstone: c.tombstone}
		batch.Put(cfs[i], keys[i], encodeCell(c.ts, c.tombstone, c.value))
		op := "insert"
		if c.tombstone {
			op = "delete"
		}
		metrics.MutationCells.WithLabelValues(string(c.family), op).Inc()
	}
	if batch.Count() == 0 {
		return nil
	}

	var wo kvstore.WriteOption
	if s.cfg.WriteConsistency != ConsistencyOne {
		wo = s.syncOpt
	}
	return s.kv.Write(ctx, batch, wo)
}

// supersedes reports whether a new cell replaces an existing one: newer
// timestamps win, on a tie a delete wins and an insert replaces an insert.
func supersedes(ts int64, tombstone bool, existTs int64, existTombstone bool) bool {
	switch {
	case ts > existTs:
		return true
	case ts < existTs:
		return false
	case tombstone:
		return true
	default:
		return !existTombstone
	}
}
