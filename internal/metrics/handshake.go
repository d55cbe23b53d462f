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
	// VRFChallengesIssued tracks VRF challenges minted by vrf.Worker.
	VRFChallengesIssued = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vrf",
			Name:      "challenges_issued_total",
			Help:      "Total number of VRF challenges issued",
		},
		[]string{"flow"}, // bootstrap, signing
	)

	// VRFChallengesVerified tracks VRF unlock/derive attempts by outcome.
	VRFChallengesVerified = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vrf",
			Name:      "challenges_verified_total",
			Help:      "Total number of VRF challenge verifications",
		},
		[]string{"status"}, // success, failure
	)

	// VRFChallengesFailed tracks failed VRF operations by error type.
	VRFChallengesFailed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vrf",
			Name:      "challenges_failed_total",
			Help:      "Total number of failed VRF operations by error type",
		},
		[]string{"error_type"}, // bad_prf, session_inactive, assertion_stale
	)

	// VRFOperationDuration tracks VRF worker stage durations.
	VRFOperationDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vrf",
			Name:      "operation_duration_seconds",
			Help:      "VRF worker stage duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to 2s
		},
		[]string{"stage"}, // derive, prove, unlock, rotate_shamir
	)
)
