package records

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aiperf/aiperf/internal/types"
)

func TestMetricAccumulatorResultComputesExactPercentiles(t *testing.T) {
	a := &MetricAccumulator{}
	for i := 1; i <= 100; i++ {
		a.Add(float64(i))
	}

	res := a.Result(types.MetricRequestLatency, "Request Latency", types.UnitMilliseconds)
	if res.Count != 100 {
		t.Fatalf("Count = %d, want 100", res.Count)
	}
	if res.Min != 1 || res.Max != 100 {
		t.Fatalf("Min/Max = %v/%v, want 1/100", res.Min, res.Max)
	}
	if res.P50 != 51 {
		t.Fatalf("P50 = %v, want 51 (rank-based index 50 of a 1..100 sorted slice)", res.P50)
	}
	if res.P99 != 100 {
		t.Fatalf("P99 = %v, want 100", res.P99)
	}
}

func TestMetricAccumulatorResultOnEmptySamples(t *testing.T) {
	a := &MetricAccumulator{}
	res := a.Result(types.MetricRequestLatency, "Request Latency", types.UnitMilliseconds)
	if res.Count != 0 {
		t.Fatalf("Count = %d, want 0", res.Count)
	}
	if res.P50 != 0 || res.Avg != 0 {
		t.Fatalf("expected zero-value result for no samples, got %+v", res)
	}
}

func TestManagerIngestOnlyCountsProfilingPhaseTowardStatistics(t *testing.T) {
	m := New(nil, "")

	warmup := &types.MetricRecord{
		Values:   map[types.MetricTag]float64{types.MetricRequestLatency: 999},
		Metadata: types.MetricRecordMetadata{Phase: types.PhaseWarmup},
	}
	m.Ingest(warmup)

	profiling := &types.MetricRecord{
		Values:   map[types.MetricTag]float64{types.MetricRequestLatency: 42},
		Metadata: types.MetricRecordMetadata{Phase: types.PhaseProfiling},
	}
	m.Ingest(profiling)

	results := m.Results()
	lat, ok := results.Records[types.MetricRequestLatency]
	if !ok {
		t.Fatalf("expected request_latency to be present in results")
	}
	if lat.Count != 1 {
		t.Fatalf("Count = %d, want 1 (warmup record must not contribute)", lat.Count)
	}
	if lat.Avg != 42 {
		t.Fatalf("Avg = %v, want 42", lat.Avg)
	}
}

func TestManagerIngestGroupsErrorsBySignature(t *testing.T) {
	m := New(nil, "")

	sameErr := types.ErrorDetails{Type: types.ErrTypeTimeout, Code: "HTTP_5XX", Message: "boom"}
	for i := 0; i < 3; i++ {
		err := sameErr
		m.Ingest(&types.MetricRecord{
			Values:   map[types.MetricTag]float64{},
			Metadata: types.MetricRecordMetadata{Phase: types.PhaseProfiling},
			Error:    &err,
		})
	}

	distinctErr := types.ErrorDetails{Type: types.ErrTypeRateLimited, Code: "HTTP_429", Message: "slow down"}
	m.Ingest(&types.MetricRecord{
		Values:   map[types.MetricTag]float64{},
		Metadata: types.MetricRecordMetadata{Phase: types.PhaseProfiling},
		Error:    &distinctErr,
	})

	results := m.Results()
	if len(results.ErrorSummary) != 2 {
		t.Fatalf("ErrorSummary has %d entries, want 2 distinct signatures", len(results.ErrorSummary))
	}
	for _, entry := range results.ErrorSummary {
		if entry.Error.Signature() == sameErr.Signature() && entry.Count != 3 {
			t.Fatalf("timeout error count = %d, want 3", entry.Count)
		}
	}
}

func TestManagerMarkCancelledSurfacesInResults(t *testing.T) {
	m := New(nil, "")
	m.MarkCancelled()
	if !m.Results().WasCancelled {
		t.Fatalf("expected WasCancelled = true after MarkCancelled")
	}
}

func TestJSONLWriterWritesOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	if err := w.Write(map[string]int{"a": 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(map[string]int{"b": 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var first map[string]int
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 1 is not valid JSON: %v", err)
	}
	if first["a"] != 1 {
		t.Fatalf("first line = %v, want a=1", first)
	}
}

func TestPrometheusExporterCollectReflectsLatestResults(t *testing.T) {
	m := New(nil, "")
	m.Ingest(&types.MetricRecord{
		Values:   map[types.MetricTag]float64{types.MetricGoodRequestCount: 1},
		Metadata: types.MetricRecordMetadata{Phase: types.PhaseProfiling},
	})
	errDetails := types.ErrorDetails{Type: types.ErrTypeTimeout, Code: "HTTP_5XX", Message: "boom"}
	m.Ingest(&types.MetricRecord{
		Values:   map[types.MetricTag]float64{},
		Metadata: types.MetricRecordMetadata{Phase: types.PhaseProfiling},
		Error:    &errDetails,
	})

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewPrometheusExporter(m)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var sawErrors bool
	for _, mf := range families {
		if mf.GetName() == "aiperf_errors_total" {
			sawErrors = true
		}
	}
	if !sawErrors {
		t.Fatalf("expected aiperf_errors_total in gathered metric families, got %d families", len(families))
	}
}
