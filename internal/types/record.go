package types

// ResponseChunk is one arrival on the wire for a RequestRecord: either an SSE
// event or (for unary endpoints) the single response body. PerfNS values
// across a record's Responses slice are strictly monotonically
// non-decreasing.
type ResponseChunk struct {
	PerfNS int64  `json:"perf_ns"`
	Data   []byte `json:"data"`
}

// RequestRecord is the canonical raw timing artifact produced by a worker
// for one inference call and handed to the response-parsing pipeline.
// Every field that participates in a testable timing invariant is present
// here, not computed lazily downstream.
type RequestRecord struct {
	XRequestID      string            `json:"x_request_id"`
	XCorrelationID  string            `json:"x_correlation_id,omitempty"`
	ModelName       string            `json:"model_name"`
	ConversationID  string            `json:"conversation_id,omitempty"`
	TurnIndex       int               `json:"turn_index"`
	Turns           []Turn            `json:"turns"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`

	TimestampNS   int64 `json:"timestamp_ns"`   // wall-clock anchor, captured once
	StartPerfNS   int64 `json:"start_perf_ns"`   // monotonic, same process as TimestampNS
	EndPerfNS     int64 `json:"end_perf_ns,omitempty"`
	RecvStartPerfNS int64 `json:"recv_start_perf_ns,omitempty"`

	Responses []ResponseChunk `json:"responses,omitempty"`

	Error         *ErrorDetails `json:"error,omitempty"`
	WasCancelled  bool          `json:"was_cancelled"`
	CancellationPerfNS int64    `json:"cancellation_perf_ns,omitempty"`
	CancelAfterNS      int64    `json:"cancel_after_ns,omitempty"`

	DelayedNS *int64 `json:"delayed_ns,omitempty"`

	CreditPhase         CreditPhase `json:"credit_phase"`
	CreditNum           int64       `json:"credit_num"`
	CreditDropLatencyNS *int64      `json:"credit_drop_latency_ns,omitempty"`
}

// IsSuccess reports whether the record contributes to success percentiles
// rather than to error_summary.
func (r *RequestRecord) IsSuccess() bool {
	return r.Error == nil && !r.WasCancelled
}

// EffectiveEndPerfNS returns the perf-ns to use as the record's end for
// latency purposes: the cancellation time if cancelled, else EndPerfNS.
func (r *RequestRecord) EffectiveEndPerfNS() int64 {
	if r.WasCancelled && r.CancellationPerfNS != 0 {
		return r.CancellationPerfNS
	}
	return r.EndPerfNS
}

// ParsedUsage carries server-reported token accounting from a final chunk.
// The record processor reports it as the usage_* metrics; it does not
// replace the client-side sequence lengths or output token count.
type ParsedUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// ParsedResponse is one semantically-decoded chunk of a RequestRecord,
// produced by a response extractor (C5).
type ParsedResponse struct {
	PerfNS          int64        `json:"perf_ns"`
	Text            string       `json:"text,omitempty"`
	ReasoningText   string       `json:"reasoning_text,omitempty"`
	TokenCount      int          `json:"token_count,omitempty"`
	Usage           *ParsedUsage `json:"usage,omitempty"`
	FinishReason    string       `json:"finish_reason,omitempty"`
}

// ParsedResponseRecord adds extractor-computed semantic data to a
// RequestRecord. It never drops any field of the source record.
type ParsedResponseRecord struct {
	*RequestRecord
	Parsed []ParsedResponse `json:"parsed"`
}

// FinalUsage returns the usage block of the last parsed response that
// carries one, or nil if none did.
func (p *ParsedResponseRecord) FinalUsage() *ParsedUsage {
	for i := len(p.Parsed) - 1; i >= 0; i-- {
		if p.Parsed[i].Usage != nil {
			return p.Parsed[i].Usage
		}
	}
	return nil
}
