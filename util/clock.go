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

package util

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 100ns intervals between the gregorian epoch of version 1 uuids and the unix epoch
const gregorianOffset = 0x01b21dd213814000

// Clock hands out strictly increasing microsecond timestamps. Consecutive
// values are at least two apart so that ts+1 stays free for deletes issued
// within the same mutation.
type Clock struct {
	lock sync.Mutex
	last int64
	node [6]byte
	seq  uint16
}

var defaultClock = NewClock()

func NewClock() *Clock {
	c := &Clock{seq: uint16(uuid.ClockSequence())}
	copy(c.node[:], uuid.NodeID())
	return c
}

// DefaultClock returns the process wide clock.
func DefaultClock() *Clock {
	return defaultClock
}

func (c *Clock) Now() int64 {
	now := time.Now().UnixMicro()
	c.lock.Lock()
	if now < c.last+2 {
		now = c.last + 2
	}
	c.last = now
	c.lock.Unlock()
	return now
}

// NewTimeUUID returns a version 1 uuid embedding a fresh timestamp.
func (c *Clock) NewTimeUUID() uuid.UUID {
	return c.TimeUUID(c.Now())
}

// TimeUUID builds the version 1 uuid of a microsecond timestamp.
func (c *Clock) TimeUUID(micros int64) uuid.UUID {
	var id uuid.UUID
	t := uint64(micros)*10 + gregorianOffset
	binary.BigEndian.PutUint32(id[0:4], uint32(t))
	binary.BigEndian.PutUint16(id[4:6], uint16(t>>32))
	binary.BigEndian.PutUint16(id[6:8], uint16(t>>48)&0x0fff|0x1000)
	binary.BigEndian.PutUint16(id[8:10], c.seq&0x3fff|0x8000)
	copy(id[10:], c.node[:])
	return id
}

// MicrosOf extracts the microsecond timestamp of a version 1 uuid.
func MicrosOf(id uuid.UUID) int64 {
	return (int64(id.Time()) - gregorianOffset) / 10
}
