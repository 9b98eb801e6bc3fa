// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool metrics are registered once per process and labelled by pool name so
// several pools can coexist.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "filebatch",
			Subsystem: "pool",
			Name:      "tasks_total",
			Help:      "Tasks resolved by the worker pool, by status",
		},
		[]string{"pool", "status"},
	)

	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "filebatch",
			Subsystem: "pool",
			Name:      "rejected_total",
			Help:      "Submissions rejected because the queue was full or the pool closed",
		},
		[]string{"pool", "reason"},
	)

	timeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "filebatch",
			Subsystem: "pool",
			Name:      "timeouts_total",
			Help:      "Tasks stopped by the watchdog",
		},
		[]string{"pool"},
	)

	inFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "filebatch",
			Subsystem: "pool",
			Name:      "in_flight",
			Help:      "Worker slots currently occupied",
		},
		[]string{"pool"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "filebatch",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a worker slot",
		},
		[]string{"pool"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "filebatch",
			Subsystem: "pool",
			Name:      "task_duration_seconds",
			Help:      "Time from task start to resolution",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"pool"},
	)

	queueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "filebatch",
			Subsystem: "pool",
			Name:      "queue_wait_seconds",
			Help:      "Time a task spent queued before a worker picked it up",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
		},
		[]string{"pool"},
	)
)
