package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/blossm-network/packages/pkg/ledger"
)

var _ ledger.Tracker = (*Provider)(nil)

type recorded struct {
	provider *Provider
	spans    *tracetest.SpanRecorder
	reader   *sdkmetric.ManualReader
}

func newRecorded(t *testing.T) recorded {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})
	p, err := NewFromProviders(nil, tp, mp)
	require.NoError(t, err)
	return recorded{provider: p, spans: spans, reader: reader}
}

func (r recorded) sum(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "ledger", config.ServiceName)
	assert.Equal(t, "localhost:4317", config.OTLPEndpoint)
	assert.Equal(t, 1.0, config.SampleRate)
	assert.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	ctx, done := p.TrackOperation(context.Background(), "ledger.append")
	require.NotNil(t, ctx)
	done(errors.New("ignored"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation_Success(t *testing.T) {
	r := newRecorded(t)

	_, done := r.provider.TrackOperation(context.Background(), "ledger.aggregate", attribute.String("ledger.root", "r1"))
	assert.Equal(t, int64(1), r.sum(t, "ledger.operations.active"))
	done(nil)

	spans := r.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "ledger.aggregate", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("ledger.root", "r1"))

	assert.Equal(t, int64(1), r.sum(t, "ledger.operations.total"))
	assert.Equal(t, int64(0), r.sum(t, "ledger.operations.active"))
	assert.Equal(t, int64(0), r.sum(t, "ledger.errors.total"))
}

func TestTrackOperation_Error(t *testing.T) {
	r := newRecorded(t)

	_, done := r.provider.TrackOperation(context.Background(), "ledger.create_block")
	done(&ledger.ConflictError{Root: "r1", Expected: 1, Reserved: 2})

	spans := r.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.NotEmpty(t, spans[0].Events())
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
	assert.Equal(t, int64(1), r.sum(t, "ledger.errors.total"))
}

func TestTrackOperation_NestsSpans(t *testing.T) {
	r := newRecorded(t)

	ctx, outer := r.provider.TrackOperation(context.Background(), "outer")
	_, inner := r.provider.TrackOperation(ctx, "inner")
	inner(nil)
	outer(nil)

	spans := r.spans.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
}

func TestHTTPMiddleware(t *testing.T) {
	r := newRecorded(t)
	h := r.provider.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, path := range []string{"/ok", "/fail"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Len(t, r.spans.Ended(), 2)
	assert.Equal(t, int64(2), r.sum(t, "ledger.operations.total"))
	assert.Equal(t, int64(1), r.sum(t, "ledger.errors.total"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "root", "r1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "r1", line["root"])

	_, err = NewLogger(&buf, "loud")
	assert.Error(t, err)
}

func (r recorded) gauge(t *testing.T, name string) (int64, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			g, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok, "%s is not an int64 gauge", name)
			if len(g.DataPoints) > 0 {
				return g.DataPoints[0].Value, true
			}
		}
	}
	return 0, false
}

func TestRecordBlock(t *testing.T) {
	r := newRecorded(t)
	var _ ledger.BlockRecorder = r.provider

	r.provider.RecordBlock(context.Background(), ledger.BlockHeaders{
		Number: 3, Network: "test", Domain: "account", Service: "core",
		EventCount: 5, SnapshotCount: 2, TxCount: 1,
		EventsByteSize: 100, SnapshotsByteSize: 40, TxsByteSize: 10,
	})

	height, ok := r.gauge(t, "ledger.block.height")
	require.True(t, ok)
	assert.Equal(t, int64(3), height)
	assert.Equal(t, int64(8), r.sum(t, "ledger.anchored.items"))
	assert.Equal(t, int64(150), r.sum(t, "ledger.anchored.bytes"))
}

func TestRecordBlock_Disabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		p.RecordBlock(context.Background(), ledger.BlockHeaders{Number: 1})
	})
}
