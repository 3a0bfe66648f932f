package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"custodyledger/pkg/domain"
)

func TestServiceRecordsAuditEntries(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 10, 1, 8, 30, 0, 0, time.UTC)
	recorder := &auditRecorderStub{}
	svc, _ := newTestService(t,
		WithAuditRecorder(recorder),
		WithClock(ClockFunc(func() time.Time { return fixed })),
		WithHeightSource(NewManualHeight(12)),
	)

	_, err := svc.InitializeBottle(ctx, "b1", alice)
	require.NoError(t, err)
	entry := recorder.last()
	assert.Equal(t, OpInitializeBottle, entry.Operation)
	assert.Equal(t, AuditStatusSuccess, entry.Status)
	assert.Equal(t, "b1", entry.UnitID)
	assert.Equal(t, alice, entry.Principal)
	assert.True(t, entry.Timestamp.Equal(fixed))
	assert.NotEmpty(t, entry.ID)

	_, _, err = svc.RecordCustodyEvent(ctx, "b1", alice, CustodyEvent{Type: domain.EventBottled})
	require.NoError(t, err)
	entry = recorder.last()
	assert.Equal(t, OpRecordCustodyEvent, entry.Operation)
	assert.Equal(t, uint64(1), entry.EventID)
	assert.Equal(t, uint64(12), entry.Height)

	_, _, err = svc.RecordCustodyEvent(ctx, "b1", carol, CustodyEvent{Type: domain.EventBottled})
	require.Error(t, err)
	entry = recorder.last()
	assert.Equal(t, AuditStatusError, entry.Status)
	assert.Contains(t, entry.Error, "unauthorized")
	assert.Equal(t, carol, entry.Principal)
	assert.Zero(t, entry.EventID)

	ids := make(map[string]struct{})
	for _, e := range recorder.entries {
		ids[e.ID] = struct{}{}
	}
	assert.Len(t, ids, len(recorder.entries), "audit ids must be unique")

	raw, err := json.Marshal(entry)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"operation":"record_custody_event"`)
	assert.Contains(t, string(raw), `"status":"error"`)
}

func TestServiceLogsByOutcome(t *testing.T) {
	ctx := context.Background()
	logger := &captureLogger{}
	svc, _ := newTestService(t, WithLogger(logger))

	_, err := svc.InitializeBottle(ctx, "b1", alice)
	require.NoError(t, err)
	_, err = svc.InitializeBottle(ctx, "b1", alice)
	require.Error(t, err)
	assert.Equal(t, []string{"info", "warn"}, logger.levels())
	assert.Equal(t, "ledger operation rejected", logger.lines[1].msg)
	assert.Contains(t, logger.lines[1].args, "unit_id")
}

type failingStore struct {
	PersistentStore
}

func (failingStore) RunInTransaction(context.Context, func(domain.Transaction) error) (domain.Result, error) {
	return domain.Result{}, errors.New("disk unavailable")
}

func TestServiceLogsInfrastructureFailuresAsErrors(t *testing.T) {
	_, store := newTestService(t)
	logger := &captureLogger{}
	svc := NewService(failingStore{PersistentStore: store}, WithLogger(logger))
	_, err := svc.InitializeBottle(context.Background(), "b1", alice)
	require.Error(t, err)
	assert.False(t, IsRejection(err))
	assert.Equal(t, []string{"error"}, logger.levels())
}

type unreadableStore struct {
	PersistentStore
}

func (unreadableStore) View(context.Context, func(domain.TransactionView) error) error {
	return errors.New("snapshot unavailable")
}

func TestNewServiceWarnsWhenHeightCannotBeSeeded(t *testing.T) {
	_, store := newTestService(t)
	logger := &captureLogger{}
	svc := NewService(unreadableStore{PersistentStore: store}, WithLogger(logger))
	require.Equal(t, []string{"warn"}, logger.levels())
	assert.Equal(t, "seed event height from store", logger.lines[0].msg)
	assert.Equal(t, uint64(1), svc.height.Height())

	_, err := svc.InitializeBottle(context.Background(), "b1", alice)
	require.NoError(t, err)
}

func TestServiceObservesMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := &metricsRecorderStub{}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	clock := ClockFunc(func() time.Time {
		tick++
		return start.Add(time.Duration(tick) * time.Millisecond)
	})
	svc, _ := newTestService(t, WithMetricsRecorder(metrics), WithClock(clock))

	_, err := svc.InitializeBottle(ctx, "b1", alice)
	require.NoError(t, err)
	require.Error(t, svc.TransferAdmin(ctx, bob, alice))
	require.Len(t, metrics.calls, 2)
	assert.Equal(t, metricsCall{operation: OpInitializeBottle, success: true, duration: time.Millisecond}, metrics.calls[0])
	assert.Equal(t, OpTransferAdmin, metrics.calls[1].operation)
	assert.False(t, metrics.calls[1].success)
}

func TestOTelTracerRecordsSpans(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	svc, _ := newTestService(t, WithTracer(NewOTelTracer(tp)))
	_, err := svc.InitializeBottle(ctx, "b1", alice)
	require.NoError(t, err)
	_, err = svc.InitializeBottle(ctx, "b1", alice)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "ledger."+OpInitializeBottle, spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	require.NotEmpty(t, spans[1].Events(), "error should be recorded as a span event")
	assert.Equal(t, "exception", spans[1].Events()[0].Name)

	var found bool
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == "ledger.operation" && kv.Value.AsString() == OpInitializeBottle {
			found = true
		}
	}
	assert.True(t, found, "operation attribute missing")
}

func TestNewOTelTracerFallsBackToGlobalProvider(t *testing.T) {
	tracer := NewOTelTracer(nil)
	ctx, span := tracer.Start(context.Background(), "probe")
	require.NotNil(t, ctx)
	span.End(nil)
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	require.NoError(t, err)

	rec.Observe(context.Background(), OpRecordCustodyEvent, true, 20*time.Millisecond)
	rec.Observe(context.Background(), OpRecordCustodyEvent, false, 10*time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	var samples uint64
	for _, mf := range families {
		switch mf.GetName() {
		case "custodyledger_operations_total":
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "status" {
						counts[lp.GetValue()] += m.GetCounter().GetValue()
					}
				}
			}
		case "custodyledger_operation_duration_seconds":
			for _, m := range mf.GetMetric() {
				samples += m.GetHistogram().GetSampleCount()
			}
		}
	}
	assert.Equal(t, map[string]float64{"success": 1, "error": 1}, counts)
	assert.Equal(t, uint64(2), samples)

	_, err = NewPrometheusMetricsRecorder(reg)
	require.Error(t, err, "registering twice must fail")
}

func TestExpvarMetricsRecorder(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	require.NotEmpty(t, rec.Name())
	rec.Observe(context.Background(), OpInitializeBottle, true, 2*time.Millisecond)
	rec.Observe(context.Background(), OpInitializeBottle, false, 3*time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Second)

	snap := rec.Snapshot()
	assert.InDelta(t, 5.0, snap.DurationsMS[OpInitializeBottle], 0.001)
	assert.Equal(t, int64(1), snap.Results[OpInitializeBottle]["success"])
	assert.Equal(t, int64(1), snap.Results[OpInitializeBottle]["error"])

	published := expvar.Get(rec.Name())
	require.NotNil(t, published)
	assert.Contains(t, published.String(), OpInitializeBottle)
}

func TestLogAuditRecorderWritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	rec := NewLogAuditRecorder(logger)
	rec.Record(context.Background(), AuditEntry{
		ID: "a1", Operation: OpRecordCustodyEvent, UnitID: "b1", Principal: alice,
		EventID: 3, Height: 9, Status: AuditStatusSuccess,
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit", line["msg"])
	assert.Equal(t, "b1", line["unit_id"])
	assert.Equal(t, "alice", line["principal"])
	assert.EqualValues(t, 3, line["event_id"])
	assert.NotContains(t, line, "error")

	NewLogAuditRecorder(nil).Record(context.Background(), AuditEntry{Operation: "noop"})
}

func TestNoopObservabilityDefaults(_ *testing.T) {
	logger := noopLogger{}
	logger.Debug("debug", "k", "v")
	logger.Info("info", "k", "v")
	logger.Warn("warn", "k", "v")
	logger.Error("error", "k", "v")
	noopAuditRecorder{}.Record(context.Background(), AuditEntry{})
	noopMetricsRecorder{}.Observe(context.Background(), "op", true, 0)
	_, span := noopTracer{}.Start(context.Background(), "op")
	span.End(nil)
}

func TestMetricsRecordersFanOut(t *testing.T) {
	a, b := &metricsRecorderStub{}, &metricsRecorderStub{}
	MetricsRecorders{a, nil, b}.Observe(context.Background(), OpExportProvenance, true, time.Second)
	assert.Len(t, a.calls, 1)
	assert.Len(t, b.calls, 1)
}
