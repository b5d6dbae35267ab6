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

package util

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenTmpPath(t *testing.T) {
	path, err := GenTmpPath()
	require.NoError(t, err)
	require.NotEqual(t, "", path)
	os.RemoveAll(path)
}

func TestBytesToString(t *testing.T) {
	b := []byte("test")
	str := BytesToString(b)
	require.Equal(t, str, string(b))
}

func TestClockMonotonic(t *testing.T) {
	c := NewClock()
	var (
		wg   sync.WaitGroup
		lock sync.Mutex
		seen = make(map[int64]struct{})
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				ts := c.Now()
				lock.Lock()
				_, dup := seen[ts]
				_, above := seen[ts+1]
				_, below := seen[ts-1]
				seen[ts] = struct{}{}
				lock.Unlock()
				assert.False(t, dup)
				assert.False(t, above || below)
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 8000)

	last := c.Now()
	for i := 0; i < 100; i++ {
		ts := c.Now()
		require.GreaterOrEqual(t, ts, last+2)
		last = ts
	}
}

func TestTimeUUID(t *testing.T) {
	c := NewClock()
	ts := time.Date(2023, 6, 1, 12, 0, 0, 123456000, time.UTC).UnixMicro()
	id := c.TimeUUID(ts)
	require.Equal(t, uuid.Version(1), id.Version())
	require.Equal(t, uuid.RFC4122, id.Variant())
	require.Equal(t, ts, MicrosOf(id))

	sec, nsec := id.Time().UnixTime()
	require.Equal(t, ts, time.Unix(sec, nsec).UnixMicro())

	a := c.NewTimeUUID()
	b := c.NewTimeUUID()
	require.Less(t, MicrosOf(a), MicrosOf(b))
}
