/* -*- coding: utf-8 -*-
* ------------------------------------------------------------------------------
*
*   Copyright 2018-2019 Fetch.AI Limited
*
*   Licensed under the Apache License, Version 2.0 (the "License");
*   you may not use this file except in compliance with the License.
*   You may obtain a copy of the License at
*
*       http://www.apache.org/licenses/LICENSE-2.0
*
*   Unless required by applicable law or agreed to in writing, software
*   distributed under the License is distributed on an "AS IS" BASIS,
*   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
*   See the License for the specific language governing permissions and
*   limitations under the License.
*
* ------------------------------------------------------------------------------
 */

// Package monitoring exposes node metrics behind a backend-agnostic
// service: a file backend for development and a Prometheus backend for
// deployments.
package monitoring

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(count float64)
	Sub(count float64)
}

type Counter interface {
	Inc()
	Add(count float64)
}

type Histogram interface {
	Observe(value float64)
}

// Timer measures operation durations for histogram observations.
type Timer struct {
	list map[string]time.Time
	lock sync.RWMutex
}

func (tm *Timer) NewTimer() time.Time {
	return time.Now()
}

func (tm *Timer) GetTimer(start time.Time) time.Duration {
	return time.Since(start)
}

func (tm *Timer) NewTimerNamed(name string) string {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	tm.list[name] = time.Now()
	return name
}

func (tm *Timer) GetTimerNamed(name string) (time.Duration, error) {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	start, ok := tm.list[name]
	if !ok {
		return 0, errors.New("unknown timer " + name)
	}
	delete(tm.list, name)
	return time.Since(start), nil
}

// MonitoringService registers and serves node metrics.
type MonitoringService interface {
	NewCounter(name string, description string) (Counter, error)
	GetCounter(name string) (Counter, bool)
	NewGauge(name string, description string) (Gauge, error)
	GetGauge(name string) (Gauge, bool)
	NewHistogram(name string, description string, buckets []float64) (Histogram, error)
	GetHistogram(name string) (Histogram, bool)
	Start()
	Stop()
	Info() string
	Timer() *Timer
}
