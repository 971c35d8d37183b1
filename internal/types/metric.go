package types

// MetricFlag marks a declared metric with filtering hints consumed at
// export time.
type MetricFlag string

const (
	FlagExperimental   MetricFlag = "experimental"
	FlagInternal       MetricFlag = "internal"
	FlagStreamingOnly  MetricFlag = "streaming_only"
	FlagErrorOnly      MetricFlag = "error_only"
)

// MetricTag is the canonical identifier for one per-record metric.
type MetricTag string

const (
	MetricRequestLatency       MetricTag = "request_latency"
	MetricTimeToFirstToken     MetricTag = "time_to_first_token"
	MetricTimeToSecondToken    MetricTag = "time_to_second_token"
	MetricInterChunkLatency    MetricTag = "inter_chunk_latency"
	MetricInterTokenLatency    MetricTag = "inter_token_latency"
	MetricInputSequenceLength  MetricTag = "input_sequence_length"
	MetricOutputSequenceLength MetricTag = "output_sequence_length"
	MetricOutputTokenCount     MetricTag = "output_token_count"
	MetricUsagePromptTokens    MetricTag = "usage_prompt_tokens"
	MetricUsageCompletionTokens MetricTag = "usage_completion_tokens"
	MetricUsageTotalTokens     MetricTag = "usage_total_tokens"
	MetricUsageReasoningTokens MetricTag = "usage_reasoning_tokens"
	MetricGoodRequestCount     MetricTag = "good_request_count"
	MetricErrorISL             MetricTag = "error_isl"
	MetricCreditDropLatency    MetricTag = "credit_drop_latency"
	MetricRequestRateAccuracy  MetricTag = "request_rate_accuracy"
)

// MetricRecord is the per-request output of the record processor (C6): a
// sparse map of metric tag to numeric value, plus metadata needed by the
// aggregator and exporters to attribute and group the record.
type MetricRecord struct {
	Values   map[MetricTag]float64 `json:"values"`
	Metadata MetricRecordMetadata  `json:"metadata"`
	Error    *ErrorDetails         `json:"error,omitempty"`
}

// MetricRecordMetadata carries the attribution fields needed downstream
// without requiring the aggregator to keep the full RequestRecord around.
type MetricRecordMetadata struct {
	Phase               CreditPhase `json:"phase"`
	WorkerID            string      `json:"worker_id"`
	RecordProcessorID   string      `json:"record_processor_id"`
	RequestStartNS      int64       `json:"request_start_ns"`
	RequestEndNS        int64       `json:"request_end_ns"`
	CancellationTimeNS  int64       `json:"cancellation_time_ns,omitempty"`
	XRequestID          string      `json:"x_request_id"`
	ModelName           string      `json:"model_name,omitempty"`
	ToolName            string      `json:"tool_name,omitempty"`
	TraceID             string      `json:"trace_id,omitempty"`
}

// NewMetricRecord allocates a MetricRecord with an initialized Values map.
func NewMetricRecord() *MetricRecord {
	return &MetricRecord{Values: make(map[MetricTag]float64)}
}

// DisplayUnit is the unit a metric is exported in, derived from its
// semantic unit (e.g. nanoseconds -> milliseconds for latencies).
type DisplayUnit string

const (
	UnitNanoseconds  DisplayUnit = "ns"
	UnitMilliseconds DisplayUnit = "ms"
	UnitSeconds      DisplayUnit = "s"
	UnitTokens       DisplayUnit = "tokens"
	UnitTokensPerSec DisplayUnit = "tokens/sec"
	UnitRequests     DisplayUnit = "requests"
	UnitCount        DisplayUnit = "count"
	UnitRatio        DisplayUnit = "ratio"
)

// MetricResult is the per-metric rollup reported in ProfileResults, already
// unit-converted to its DisplayUnit.
type MetricResult struct {
	Tag    MetricTag   `json:"tag"`
	Header string      `json:"header"`
	Unit   DisplayUnit `json:"unit"`
	Avg    float64     `json:"avg"`
	Min    float64     `json:"min"`
	Max    float64     `json:"max"`
	Std    float64     `json:"std"`
	P1     float64     `json:"p1"`
	P5     float64     `json:"p5"`
	P10    float64     `json:"p10"`
	P25    float64     `json:"p25"`
	P50    float64     `json:"p50"`
	P75    float64     `json:"p75"`
	P90    float64     `json:"p90"`
	P95    float64     `json:"p95"`
	P99    float64     `json:"p99"`
	Count  int         `json:"count"`
}

// ErrorSummaryEntry pairs a distinct ErrorDetails with how many records
// carried it, grouped by structural equality.
type ErrorSummaryEntry struct {
	Error ErrorDetails `json:"error"`
	Count int          `json:"count"`
}

// TelemetryData is the optional GPU-telemetry rollup the telemetry
// collector contributes to ProfileResults.
type TelemetryData struct {
	GPUs []GPUTelemetrySummary `json:"gpus,omitempty"`
}

// GPUTelemetrySummary is the per-GPU summarized telemetry block.
type GPUTelemetrySummary struct {
	GPUIndex    int                     `json:"gpu_index"`
	UUID        string                  `json:"uuid,omitempty"`
	Metrics     map[string]MetricResult `json:"metrics"`
}

// ProfileResults is the final reduction of one profiling run, consumed by
// exporters (out of the core's scope; the core only produces this struct).
type ProfileResults struct {
	Records      map[MetricTag]MetricResult `json:"records"`
	StartNS      int64                      `json:"start_ns"`
	EndNS        int64                      `json:"end_ns"`
	WasCancelled bool                       `json:"was_cancelled"`
	ErrorSummary []ErrorSummaryEntry        `json:"error_summary"`
	Telemetry    *TelemetryData             `json:"telemetry_data,omitempty"`
}
