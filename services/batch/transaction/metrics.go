// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("filebatch.transaction")

var (
	beginTotal        metric.Int64Counter
	commitTotal       metric.Int64Counter
	rollbackTotal     metric.Int64Counter
	rollbackFailures  metric.Int64Counter
	cleanupTotal      metric.Int64Counter
	txDuration        metric.Float64Histogram
	snapshotFiles     metric.Int64Histogram
	snapshotBytes     metric.Int64Counter
	activeTransaction metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the instruments against the global meter provider.
// Instruments created before telemetry.Init delegate once a provider is set.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if beginTotal, err = meter.Int64Counter("transaction_begin_total",
			metric.WithDescription("Transactions started")); err != nil {
			metricsErr = err
			return
		}
		if commitTotal, err = meter.Int64Counter("transaction_commit_total",
			metric.WithDescription("Transactions committed")); err != nil {
			metricsErr = err
			return
		}
		if rollbackTotal, err = meter.Int64Counter("transaction_rollback_total",
			metric.WithDescription("Transactions rolled back, by reason")); err != nil {
			metricsErr = err
			return
		}
		if rollbackFailures, err = meter.Int64Counter("transaction_rollback_file_failures_total",
			metric.WithDescription("Files that could not be restored during rollback")); err != nil {
			metricsErr = err
			return
		}
		if cleanupTotal, err = meter.Int64Counter("transaction_cleanup_total",
			metric.WithDescription("Abandoned transactions force-rolled back")); err != nil {
			metricsErr = err
			return
		}
		if txDuration, err = meter.Float64Histogram("transaction_duration_seconds",
			metric.WithDescription("Time from begin to commit or rollback"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if snapshotFiles, err = meter.Int64Histogram("transaction_snapshot_files",
			metric.WithDescription("Files snapshotted per CreateSnapshots call")); err != nil {
			metricsErr = err
			return
		}
		if snapshotBytes, err = meter.Int64Counter("transaction_snapshot_bytes_total",
			metric.WithDescription("Bytes captured into snapshots"),
			metric.WithUnit("By")); err != nil {
			metricsErr = err
			return
		}
		activeTransaction, metricsErr = meter.Int64UpDownCounter("transaction_active",
			metric.WithDescription("Currently active transactions"))
	})
	return metricsErr
}

func recordBegin(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	beginTotal.Add(ctx, 1)
	activeTransaction.Add(ctx, 1)
}

func recordSnapshots(ctx context.Context, files int, bytes int64) {
	if initMetrics() != nil {
		return
	}
	snapshotFiles.Record(ctx, int64(files))
	snapshotBytes.Add(ctx, bytes)
}

func recordCommit(ctx context.Context, duration time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", "committed"))
	commitTotal.Add(ctx, 1)
	txDuration.Record(ctx, duration.Seconds(), attrs)
	activeTransaction.Add(ctx, -1)
}

func recordRollback(ctx context.Context, duration time.Duration, reason string, failures int) {
	if initMetrics() != nil {
		return
	}
	r := normalizeRollbackReason(reason)
	rollbackTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", r)))
	txDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("outcome", "rolled_back"),
		attribute.String("reason", r),
	))
	if failures > 0 {
		rollbackFailures.Add(ctx, int64(failures))
	}
	activeTransaction.Add(ctx, -1)
}

func recordCleanup(ctx context.Context, n int) {
	if initMetrics() != nil || n == 0 {
		return
	}
	cleanupTotal.Add(ctx, int64(n))
}

// normalizeRollbackReason keeps the reason attribute to a bounded set.
func normalizeRollbackReason(reason string) string {
	switch reason {
	case ReasonAbandoned:
		return "abandoned"
	case ReasonManagerClosed:
		return "manager_close"
	case ReasonSnapshotFailed:
		return "snapshot_failed"
	case ReasonOperationFailed:
		return "operation_failed"
	case ReasonAborted:
		return "aborted"
	default:
		return "requested"
	}
}
