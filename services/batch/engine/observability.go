// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/filebatch/services/batch/operation"
)

const instrumentationName = "filebatch.engine"

var meter = otel.Meter(instrumentationName)

var (
	batchTotal     metric.Int64Counter
	batchDuration  metric.Float64Histogram
	operationTotal metric.Int64Counter
	operationBytes metric.Int64Counter
	stageWidth     metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if batchTotal, err = meter.Int64Counter("batch_total",
			metric.WithDescription("Batches executed, by outcome")); err != nil {
			metricsErr = err
			return
		}
		if batchDuration, err = meter.Float64Histogram("batch_duration_seconds",
			metric.WithDescription("Wall time of Execute from plan to outcome"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if operationTotal, err = meter.Int64Counter("batch_operation_total",
			metric.WithDescription("Operations finished, by type and status")); err != nil {
			metricsErr = err
			return
		}
		if operationBytes, err = meter.Int64Counter("batch_operation_bytes_total",
			metric.WithDescription("Bytes read or written by operations"),
			metric.WithUnit("By")); err != nil {
			metricsErr = err
			return
		}
		stageWidth, metricsErr = meter.Int64Histogram("batch_stage_operations",
			metric.WithDescription("Operations per executed stage"))
	})
	return metricsErr
}

func recordBatch(ctx context.Context, outcome Outcome, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	batchTotal.Add(ctx, 1, attrs)
	batchDuration.Record(ctx, d.Seconds(), attrs)
}

func recordOperation(ctx context.Context, res operation.Result) {
	if initMetrics() != nil {
		return
	}
	operationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(res.Type)),
		attribute.String("status", string(res.Status)),
	))
	if res.BytesProcessed > 0 {
		operationBytes.Add(ctx, res.BytesProcessed, metric.WithAttributes(
			attribute.String("type", string(res.Type))))
	}
}

func recordStage(ctx context.Context, n int, parallel bool) {
	if initMetrics() != nil {
		return
	}
	stageWidth.Record(ctx, int64(n), metric.WithAttributes(attribute.Bool("parallel", parallel)))
}

// spans wraps the engine tracer so a disabled engine pays nothing.
type spans struct {
	tracer  trace.Tracer
	enabled bool
}

func newSpans(enabled bool) spans {
	return spans{tracer: otel.Tracer(instrumentationName), enabled: enabled}
}

func (s spans) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !s.enabled {
		return ctx, noop.Span{}
	}
	return s.tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	defer span.End()
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
