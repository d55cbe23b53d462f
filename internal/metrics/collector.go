// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import (
	"sync"
	"time"
)

// MetricsCollector collects in-process latency and outcome counters for
// the wallet flows, a cheaper-to-query companion to the promauto counters
// in crypto.go/handshake.go/message.go/session.go for callers that just
// want a snapshot rather than a Prometheus scrape.
type MetricsCollector struct {
	mu sync.RWMutex

	// Counters
	SigningOperations      int64
	ShamirRounds           int64
	ShamirRoundSuccesses   int64
	ShamirRoundFailures    int64
	NonceBlockContextFetches int64
	NonceBlockContextCacheHits   int64
	NonceBlockContextCacheMisses int64
	ChainCalls             int64
	ChainErrors            int64

	// Timing metrics (in microseconds)
	SigningTimes              []int64
	ShamirRoundTimes          []int64
	ChainCallLatencies        []int64
	NonceBlockContextFetchTimes []int64

	// Start time for uptime calculation
	startTime time.Time

	// Configuration
	maxTimingSamples int
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startTime:        time.Now(),
		maxTimingSamples: 1000, // Keep last 1000 samples for each timing metric
	}
}

// RecordSigning records a signing operation (NEP-413, transaction batch,
// or threshold-authorize digest signing).
func (mc *MetricsCollector) RecordSigning(duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.SigningOperations++
	mc.recordTiming(&mc.SigningTimes, duration)
}

// RecordShamirRound records a Shamir-wrapping round: the initial wrap
// produced by vrf.DeriveVrfKeypair or a re-wrap from
// vrf.RotateShamirWrapping.
func (mc *MetricsCollector) RecordShamirRound(success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.ShamirRounds++
	if success {
		mc.ShamirRoundSuccesses++
	} else {
		mc.ShamirRoundFailures++
	}
	mc.recordTiming(&mc.ShamirRoundTimes, duration)
}

// RecordNonceBlockContextFetch records a nonce manager block-context
// fetch, cached meaning the reservation reused cached.ExpiresAt rather
// than calling ChainClient.FinalBlock.
func (mc *MetricsCollector) RecordNonceBlockContextFetch(cached bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.NonceBlockContextFetches++
	if cached {
		mc.NonceBlockContextCacheHits++
	} else {
		mc.NonceBlockContextCacheMisses++
	}
	mc.recordTiming(&mc.NonceBlockContextFetchTimes, duration)
}

// RecordChainCall records a call through the chain client facade (C9).
func (mc *MetricsCollector) RecordChainCall(success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.ChainCalls++
	if !success {
		mc.ChainErrors++
	}
	mc.recordTiming(&mc.ChainCallLatencies, duration)
}

// recordTiming records a timing sample
func (mc *MetricsCollector) recordTiming(timings *[]int64, duration time.Duration) {
	microseconds := duration.Microseconds()
	*timings = append(*timings, microseconds)

	// Keep only last N samples
	if len(*timings) > mc.maxTimingSamples {
		*timings = (*timings)[len(*timings)-mc.maxTimingSamples:]
	}
}

// GetSnapshot returns a snapshot of current metrics
func (mc *MetricsCollector) GetSnapshot() *MetricsSnapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return &MetricsSnapshot{
		Timestamp:                    time.Now(),
		Uptime:                       time.Since(mc.startTime),
		SigningOperations:            mc.SigningOperations,
		ShamirRounds:                 mc.ShamirRounds,
		ShamirRoundSuccesses:         mc.ShamirRoundSuccesses,
		ShamirRoundFailures:          mc.ShamirRoundFailures,
		NonceBlockContextFetches:     mc.NonceBlockContextFetches,
		NonceBlockContextCacheHits:   mc.NonceBlockContextCacheHits,
		NonceBlockContextCacheMisses: mc.NonceBlockContextCacheMisses,
		ChainCalls:                   mc.ChainCalls,
		ChainErrors:                  mc.ChainErrors,
		AvgSigningTime:               calculateAverage(mc.SigningTimes),
		AvgShamirRoundTime:           calculateAverage(mc.ShamirRoundTimes),
		AvgChainCallTime:             calculateAverage(mc.ChainCallLatencies),
		AvgNonceBlockContextFetchTime: calculateAverage(mc.NonceBlockContextFetchTimes),
		P95SigningTime:               calculatePercentile(mc.SigningTimes, 95),
		P95ShamirRoundTime:           calculatePercentile(mc.ShamirRoundTimes, 95),
		P95ChainCallTime:             calculatePercentile(mc.ChainCallLatencies, 95),
		P95NonceBlockContextFetchTime: calculatePercentile(mc.NonceBlockContextFetchTimes, 95),
	}
}

// Reset resets all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.SigningOperations = 0
	mc.ShamirRounds = 0
	mc.ShamirRoundSuccesses = 0
	mc.ShamirRoundFailures = 0
	mc.NonceBlockContextFetches = 0
	mc.NonceBlockContextCacheHits = 0
	mc.NonceBlockContextCacheMisses = 0
	mc.ChainCalls = 0
	mc.ChainErrors = 0

	mc.SigningTimes = nil
	mc.ShamirRoundTimes = nil
	mc.ChainCallLatencies = nil
	mc.NonceBlockContextFetchTimes = nil

	mc.startTime = time.Now()
}

// MetricsSnapshot represents a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	// Counters
	SigningOperations            int64
	ShamirRounds                 int64
	ShamirRoundSuccesses         int64
	ShamirRoundFailures          int64
	NonceBlockContextFetches     int64
	NonceBlockContextCacheHits   int64
	NonceBlockContextCacheMisses int64
	ChainCalls                   int64
	ChainErrors                  int64

	// Timing averages (microseconds)
	AvgSigningTime                float64
	AvgShamirRoundTime            float64
	AvgChainCallTime              float64
	AvgNonceBlockContextFetchTime float64

	// 95th percentile timings (microseconds)
	P95SigningTime                int64
	P95ShamirRoundTime            int64
	P95ChainCallTime              int64
	P95NonceBlockContextFetchTime int64
}

// GetBlockContextCacheHitRate returns the nonce block-context cache hit
// rate as a percentage.
func (ms *MetricsSnapshot) GetBlockContextCacheHitRate() float64 {
	total := ms.NonceBlockContextCacheHits + ms.NonceBlockContextCacheMisses
	if total == 0 {
		return 0
	}
	return float64(ms.NonceBlockContextCacheHits) / float64(total) * 100
}

// GetShamirRoundSuccessRate returns the Shamir-wrapping round success
// rate as a percentage.
func (ms *MetricsSnapshot) GetShamirRoundSuccessRate() float64 {
	if ms.ShamirRounds == 0 {
		return 0
	}
	return float64(ms.ShamirRoundSuccesses) / float64(ms.ShamirRounds) * 100
}

// GetChainErrorRate returns the chain-client error rate as a percentage.
func (ms *MetricsSnapshot) GetChainErrorRate() float64 {
	if ms.ChainCalls == 0 {
		return 0
	}
	return float64(ms.ChainErrors) / float64(ms.ChainCalls) * 100
}

// Helper functions

func calculateAverage(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

func calculatePercentile(values []int64, percentile int) int64 {
	if len(values) == 0 {
		return 0
	}

	// Simple implementation - for production, use a proper percentile algorithm
	// This is an approximation
	index := len(values) * percentile / 100
	if index >= len(values) {
		index = len(values) - 1
	}

	// Create a copy and sort (simple bubble sort for small datasets)
	sorted := make([]int64, len(values))
	copy(sorted, values)

	for i := 0; i < len(sorted)-1; i++ {
		for j := 0; j < len(sorted)-i-1; j++ {
			if sorted[j] > sorted[j+1] {
				sorted[j], sorted[j+1] = sorted[j+1], sorted[j]
			}
		}
	}

	return sorted[index]
}

// Global metrics collector instance
var globalCollector = NewMetricsCollector()

// GetGlobalCollector returns the global metrics collector
func GetGlobalCollector() *MetricsCollector {
	return globalCollector
}
