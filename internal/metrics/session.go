// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.


package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ShamirRoundsStarted tracks Shamir-wrapping rounds started: the
	// initial wrap in vrf.DeriveVrfKeypair or a re-wrap in
	// vrf.RotateShamirWrapping.
	ShamirRoundsStarted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shamir",
			Name:      "rounds_started_total",
			Help:      "Total number of Shamir-wrapping rounds started",
		},
		[]string{"status"}, // success, failure
	)

	// ShamirSessionsActive tracks how many relay sessions currently back
	// a biometric-free auto-unlock path.
	ShamirSessionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "shamir",
			Name:      "sessions_active",
			Help:      "Number of currently active Shamir relay sessions",
		},
	)

	// ShamirSessionsInactive tracks ErrSessionInactive escalations from
	// UnlockVrfKeypairViaShamir.
	ShamirSessionsInactive = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shamir",
			Name:      "sessions_inactive_total",
			Help:      "Total number of Shamir sessions found inactive on unlock",
		},
	)

	// ShamirKeysRotated tracks successful RotateShamirWrapping calls.
	ShamirKeysRotated = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shamir",
			Name:      "keys_rotated_total",
			Help:      "Total number of Shamir-wrapped keys re-wrapped under a fresh exchange",
		},
	)

	// ShamirRoundDuration tracks Shamir round durations by operation.
	ShamirRoundDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "shamir",
			Name:      "round_duration_seconds",
			Help:      "Shamir round duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to 1.6s
		},
		[]string{"operation"}, // wrap, unlock, rotate
	)

	// ShamirShareSize tracks wrapped-share sizes exchanged with the relay.
	ShamirShareSize = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "shamir",
			Name:      "share_size_bytes",
			Help:      "Size of Shamir shares exchanged with the relay",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MB
		},
		[]string{"role"}, // server_share, device_share
	)
)
