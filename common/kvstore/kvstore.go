// Copyright 2023 The Cuber Authors.
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
	"context"
	"errors"
)

const (
	defaultCF = "default"

	RocksdbLsmKVType = LsmKVType("rocksdb")
	MemoryKVType     = LsmKVType("memory")

	FIFOStyle      = CompactionStyle("fifo")
	LevelStyle     = CompactionStyle("level")
	UniversalStyle = CompactionStyle("universal")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
	ErrColumnNotFound = errors.New("column family not found")
)

type (
	CF              string
	LsmKVType       string
	CompactionStyle string

	Store interface {
		CreateColumn(col CF) error
		GetAllColumns() []CF
		CheckColumns(col CF) bool
		GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error
		Delete(ctx context.Context, col CF, key []byte, writeOpt WriteOption) error
		// List iterates keys with the given prefix. A non-empty marker positions
		// the reader at the first key greater or equal to it.
		List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader
		Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error
		NewWriteOption() (writeOption WriteOption)
		NewWriteBatch() (writeBatch WriteBatch)
		Stats(ctx context.Context) (Stats, error)
		Close()
	}
	// ListReader walks a key range in either direction. The first Read call
	// after a seek returns the entry the reader is positioned at, a nil key
	// marks the end of the range.
	ListReader interface {
		ReadNextCopy() (key []byte, value []byte, err error)
		ReadPrevCopy() (key []byte, value []byte, err error)
		SeekTo(key []byte)
		SeekForPrev(key []byte)
		SeekToLast()
		Close()
	}
	WriteOption interface {
		SetSync(value bool)
		DisableWAL(value bool)
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		Count() int
		Close()
	}

	Stats struct {
		Used        uint64
		MemoryUsage MemoryUsage
	}
	MemoryUsage struct {
		BlockCacheUsage     uint64
		IndexAndFilterUsage uint64
		MemtableUsage       uint64
		Total               uint64
	}
	Option struct {
		Sync                        bool            `json:"sync"`
		DisableWal                  bool            `json:"disable_wal"`
		ColumnFamily                []CF            `json:"column_family"`
		CreateIfMissing             bool            `json:"create_if_missing"`
		BlockSize                   int             `json:"block_size"`
		BlockCache                  uint64          `json:"block_cache"`
		EnablePipelinedWrite        bool            `json:"enable_pipelined_write"`
		MaxBackgroundCompactions    int             `json:"max_background_compactions"`
		MaxOpenFiles                int             `json:"max_open_files"`
		MaxWriteBufferNumber        int             `json:"max_write_buffer_number"`
		WriteBufferSize             int             `json:"write_buffer_size"`
		TargetFileSizeBase          uint64          `json:"target_file_size_base"`
		MaxBytesForLevelBase        uint64          `json:"max_bytes_for_level_base"`
		KeepLogFileNum              int             `json:"keep_log_file_num"`
		MaxLogFileSize              int             `json:"max_log_file_size"`
		Level0SlowdownWritesTrigger int             `json:"level0_slowdown_writes_trigger"`
		Level0StopWritesTrigger     int             `json:"level0_stop_writes_trigger"`
		MaxWalLogSize               uint64          `json:"max_wal_log_size"`
		CompactionStyle             CompactionStyle `json:"compaction_style"`
	}
)

func NewKVStore(ctx context.Context, path string, lsmType LsmKVType, option *Option) (Store, error) {
	if option == nil {
		option = &Option{CreateIfMissing: true}
	}
	switch lsmType {
	case RocksdbLsmKVType:
		return newRocksdb(ctx, path, option)
	case MemoryKVType:
		return newMemoryStore(ctx, option)
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}
