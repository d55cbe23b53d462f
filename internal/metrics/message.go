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
	// NonceReservationsCreated tracks nonce reservations made by the
	// nonce manager (C6).
	NonceReservationsCreated = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nonce",
			Name:      "reservations_created_total",
			Help:      "Total number of nonce reservations created",
		},
		[]string{"status"}, // success, failure
	)

	// NonceReservationsPruned tracks stale reservations removed by
	// UpdateNonceFromBlockchain's reconciliation pass.
	NonceReservationsPruned = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nonce",
			Name:      "reservations_pruned_total",
			Help:      "Total number of stale nonce reservations pruned",
		},
	)

	// NonceValidations tracks reconciliation outcomes for an outstanding
	// reservation: confirmed on broadcast success, stale if pruned before
	// confirmation, missing if UpdateNonceFromBlockchain never saw it.
	NonceValidations = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nonce",
			Name:      "validations_total",
			Help:      "Total number of nonce reservation validations",
		},
		[]string{"status"}, // confirmed, stale, missing
	)

	// NonceBlockContextFetchDuration tracks GetNonceBlockHashAndHeight and
	// PrefetchBlockheight latency.
	NonceBlockContextFetchDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "nonce",
			Name:      "block_context_fetch_duration_seconds",
			Help:      "Nonce manager block context fetch duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to 205ms
		},
	)

	// NonceReservedCount tracks the distribution of outstanding
	// reservations at the moment a new one is made.
	NonceReservedCount = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "nonce",
			Name:      "reserved_count",
			Help:      "Outstanding nonce reservations at reservation time",
			Buckets:   prometheus.LinearBuckets(0, 2, 10), // 0 to 18, step 2
		},
	)
)
