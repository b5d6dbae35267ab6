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

package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrLimitExceeded = errors.New("limit exceeded")

type (
	// Limiter throttles background index maintenance: the number of
	// concurrent repair passes and the rate of repaired edges and scanned
	// columns.
	Limiter interface {
		AcquireRepair() error
		ReleaseRepair()
		WaitRepair(ctx context.Context, edges int) error
		WaitScan(ctx context.Context, columns int) error
		SetRepairConcurrency(value uint32)
		SetRepairRate(edgesPerSec int)
		SetScanRate(columnsPerSec int)
		GetConfig() LimitConfig
		Status() Status
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
	LimitConfig struct {
		RepairConcurrency int `json:"repair_concurrency"`
		RepairEdgesPerSec int `json:"repair_edges_per_sec"`
		ScanColumnsPerSec int `json:"scan_columns_per_sec"`
	}
	Status struct {
		Config        LimitConfig
		RepairRunning int
		RepairWait    int
		ScanWait      int
	}
	limiter struct {
		lock              sync.RWMutex
		config            LimitConfig
		repairCountLimit  CountLimit
		repairRateLimiter *rate.Limiter
		scanRateLimiter   *rate.Limiter
	}
)

func NewLimiter(cfg LimitConfig) Limiter {
	limiter := &limiter{config: cfg}
	if cfg.RepairConcurrency > 0 {
		limiter.repairCountLimit = NewCountLimit(cfg.RepairConcurrency)
	}
	if cfg.RepairEdgesPerSec > 0 {
		limiter.repairRateLimiter = rate.NewLimiter(rate.Limit(cfg.RepairEdgesPerSec), cfg.RepairEdgesPerSec)
	}
	if cfg.ScanColumnsPerSec > 0 {
		limiter.scanRateLimiter = rate.NewLimiter(rate.Limit(cfg.ScanColumnsPerSec), cfg.ScanColumnsPerSec)
	}
	return limiter
}

func (lim *limiter) AcquireRepair() error {
	lim.lock.RLock()
	cl := lim.repairCountLimit
	lim.lock.RUnlock()
	if cl != nil {
		return cl.Acquire()
	}
	return nil
}

func (lim *limiter) ReleaseRepair() {
	lim.lock.RLock()
	cl := lim.repairCountLimit
	lim.lock.RUnlock()
	if cl != nil {
		cl.Release()
	}
}

func (lim *limiter) WaitRepair(ctx context.Context, edges int) error {
	lim.lock.RLock()
	r := lim.repairRateLimiter
	lim.lock.RUnlock()
	return waitN(ctx, r, edges)
}

func (lim *limiter) WaitScan(ctx context.Context, columns int) error {
	lim.lock.RLock()
	r := lim.scanRateLimiter
	lim.lock.RUnlock()
	return waitN(ctx, r, columns)
}

func (lim *limiter) SetRepairConcurrency(value uint32) {
	lim.lock.Lock()
	if lim.repairCountLimit == nil {
		lim.repairCountLimit = NewCountLimit(int(value))
	} else {
		lim.repairCountLimit.SetLimit(value)
	}
	lim.config.RepairConcurrency = int(value)
	lim.lock.Unlock()
}

func (lim *limiter) SetRepairRate(edgesPerSec int) {
	lim.lock.Lock()
	lim.repairRateLimiter = setRate(lim.repairRateLimiter, edgesPerSec)
	lim.config.RepairEdgesPerSec = edgesPerSec
	lim.lock.Unlock()
}

func (lim *limiter) SetScanRate(columnsPerSec int) {
	lim.lock.Lock()
	lim.scanRateLimiter = setRate(lim.scanRateLimiter, columnsPerSec)
	lim.config.ScanColumnsPerSec = columnsPerSec
	lim.lock.Unlock()
}

func (lim *limiter) GetConfig() LimitConfig {
	lim.lock.RLock()
	defer lim.lock.RUnlock()
	return lim.config
}

func (lim *limiter) Status() Status {
	lim.lock.RLock()
	defer lim.lock.RUnlock()
	st := Status{Config: lim.config}
	if lim.repairCountLimit != nil {
		st.RepairRunning = lim.repairCountLimit.Running()
	}
	st.RepairWait = rateWait(lim.repairRateLimiter)
	st.ScanWait = rateWait(lim.scanRateLimiter)
	return st
}

func setRate(r *rate.Limiter, perSec int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	if r == nil {
		return rate.NewLimiter(rate.Limit(perSec), perSec)
	}
	r.SetLimit(rate.Limit(perSec))
	r.SetBurst(perSec)
	return r
}

// waitN splits n into bursts the limiter accepts.
func waitN(ctx context.Context, r *rate.Limiter, n int) error {
	if r == nil {
		return nil
	}
	burst := r.Burst()
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := r.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func rateWait(r *rate.Limiter) int {
	if r == nil {
		return 0
	}
	now := time.Now()
	reserve := r.ReserveN(now, int(r.Limit())/2)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

// NewCountLimit returns limiter with concurrent n
func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *countLimit) Acquire() error {
	if atomic.AddUint32(&l.current, 1) > atomic.LoadUint32(&l.limit) {
		atomic.AddUint32(&l.current, minusOne)
		return ErrLimitExceeded
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}
