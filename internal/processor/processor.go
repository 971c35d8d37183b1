// Package processor implements the record processors: it
// turns one ParsedResponseRecord into a MetricRecord by computing the
// fixed per-request metric table (latency, TTFT, inter-token latency,
// sequence lengths, token counts) plus the credit_drop_latency
// and request_rate_accuracy additions.
package processor

import (
	"context"

	"github.com/aiperf/aiperf/internal/bus"
	"github.com/aiperf/aiperf/internal/extractors"
	"github.com/aiperf/aiperf/internal/lifecycle"
	"github.com/aiperf/aiperf/internal/types"
)

// Processor computes one MetricRecord per ParsedResponseRecord it is given.
// It holds no cross-request state; all aggregation happens downstream in
// internal/records.
type Processor struct {
	// TargetRatePerSecond is the configured request-rate target, used to
	// compute request_rate_accuracy; zero for non-rate-paced runs.
	TargetRatePerSecond float64
}

// Process computes the MetricRecord for one record. A cancelled or errored
// record still gets a MetricRecord (flagged via Error), so it can be
// counted in the error summary; it carries at most error_isl and the
// credit-drop timing metrics, so it adds nothing to the success metrics.
func (p *Processor) Process(rec *types.ParsedResponseRecord) *types.MetricRecord {
	m := types.NewMetricRecord()
	m.Metadata = types.MetricRecordMetadata{
		Phase:          rec.CreditPhase,
		RequestStartNS: rec.StartPerfNS,
		RequestEndNS:   rec.EffectiveEndPerfNS(),
		XRequestID:     rec.XRequestID,
		ModelName:      rec.ModelName,
	}
	if rec.WasCancelled {
		m.Metadata.CancellationTimeNS = rec.CancellationPerfNS
	}

	if rec.Error != nil {
		m.Error = rec.Error
		m.Values[types.MetricErrorISL] = float64(inputSequenceLength(rec))
		p.attachTimingSpecificMetrics(rec, m)
		return m
	}
	if rec.WasCancelled {
		cancelErr := types.NewCancellationError(rec.CancelAfterNS)
		m.Error = &cancelErr
		p.attachTimingSpecificMetrics(rec, m)
		return m
	}

	end := rec.EffectiveEndPerfNS()
	m.Values[types.MetricRequestLatency] = nsToMs(end - rec.StartPerfNS)
	m.Values[types.MetricGoodRequestCount] = 1

	isl := inputSequenceLength(rec)
	m.Values[types.MetricInputSequenceLength] = float64(isl)

	osl, outputTokens := outputSequenceLength(rec)
	m.Values[types.MetricOutputSequenceLength] = float64(osl)
	m.Values[types.MetricOutputTokenCount] = float64(outputTokens)

	if usage := rec.FinalUsage(); usage != nil {
		m.Values[types.MetricUsagePromptTokens] = float64(usage.PromptTokens)
		m.Values[types.MetricUsageCompletionTokens] = float64(usage.CompletionTokens)
		m.Values[types.MetricUsageTotalTokens] = float64(usage.TotalTokens)
		m.Values[types.MetricUsageReasoningTokens] = float64(usage.ReasoningTokens)
	}

	p.attachStreamingMetrics(rec, m)
	p.attachTimingSpecificMetrics(rec, m)
	return m
}

// attachStreamingMetrics computes TTFT, time-to-second-token,
// inter-chunk, and inter-token latencies from the Parsed timeline. Unary
// endpoints (a single ParsedResponse) naturally produce none of these,
// matching the "streaming_only" flag on these tags.
func (p *Processor) attachStreamingMetrics(rec *types.ParsedResponseRecord, m *types.MetricRecord) {
	if len(rec.Parsed) < 2 {
		return
	}

	first := rec.Parsed[0]
	m.Values[types.MetricTimeToFirstToken] = nsToMs(first.PerfNS - rec.StartPerfNS)

	second := rec.Parsed[1]
	m.Values[types.MetricTimeToSecondToken] = nsToMs(second.PerfNS - first.PerfNS)

	var chunkDeltas []float64
	for i := 1; i < len(rec.Parsed); i++ {
		chunkDeltas = append(chunkDeltas, nsToMs(rec.Parsed[i].PerfNS-rec.Parsed[i-1].PerfNS))
	}
	m.Values[types.MetricInterChunkLatency] = average(chunkDeltas)

	// inter_token_latency = (end - first_chunk) / (output_token_count - 1):
	// the whole generation window after the first token, spread evenly
	// across the tokens that produced it, not an average of per-chunk
	// amortized deltas.
	if outputTokens := m.Values[types.MetricOutputTokenCount]; outputTokens > 1 {
		m.Values[types.MetricInterTokenLatency] = nsToMs(rec.EffectiveEndPerfNS()-first.PerfNS) / (outputTokens - 1)
	}
}

// attachTimingSpecificMetrics computes the additional metrics that
// apply regardless of success/error outcome: how late the worker actually
// started relative to its scheduled credit-drop instant, and how that
// compares to the configured target rate.
func (p *Processor) attachTimingSpecificMetrics(rec *types.ParsedResponseRecord, m *types.MetricRecord) {
	if rec.CreditDropLatencyNS != nil {
		latencyMs := nsToMs(*rec.CreditDropLatencyNS)
		m.Values[types.MetricCreditDropLatency] = latencyMs
		if p.TargetRatePerSecond > 0 {
			targetIntervalMs := 1000.0 / p.TargetRatePerSecond
			accuracy := 1.0 - (latencyMs / targetIntervalMs)
			if accuracy < 0 {
				accuracy = 0
			}
			m.Values[types.MetricRequestRateAccuracy] = accuracy
		}
	}
}

func inputSequenceLength(rec *types.ParsedResponseRecord) int {
	total := 0
	for _, turn := range rec.Turns {
		for _, text := range turn.Texts {
			total += estimateTokenCount(text)
		}
	}
	return total
}

func outputSequenceLength(rec *types.ParsedResponseRecord) (sequenceLength, tokenCount int) {
	for _, parsed := range rec.Parsed {
		if parsed.TokenCount > 0 {
			tokenCount += parsed.TokenCount
		} else {
			tokenCount += estimateTokenCount(parsed.Text)
		}
	}
	return tokenCount, tokenCount
}

// estimateTokenCount is a whitespace-based word count. It gives every
// input sequence length, and the output count of any parsed chunk that has
// no per-chunk TokenCount; the server's usage block is reported separately
// as the usage_* metrics and does not replace these counts.
func estimateTokenCount(text string) int {
	if text == "" {
		return 0
	}
	count := 0
	inWord := false
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			count++
			inWord = true
		}
	}
	return count
}

// Service pulls raw RequestRecords off InQueue, runs them through
// Extractor (C5: extracting ParsedResponses from each raw ResponseChunk),
// computes the resulting MetricRecord with Processor (C6), and pushes it
// onto OutQueue for internal/records (C7) to aggregate. Grounded on the
// same pull-transform-push loop as workerpool.Executor and
// records.Manager.Run.
type Service struct {
	*lifecycle.Service
	Bus       bus.Bus
	InQueue   string
	OutQueue  string
	Extractor extractors.Extractor
	Processor *Processor
}

// NewService constructs a Service wired to extractor/proc.
func NewService(b bus.Bus, inQueue, outQueue string, extractor extractors.Extractor, proc *Processor) *Service {
	return &Service{
		Service:   lifecycle.NewService(),
		Bus:       b,
		InQueue:   inQueue,
		OutQueue:  outQueue,
		Extractor: extractor,
		Processor: proc,
	}
}

// Run pulls RequestRecords until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Transition(types.StateStarting); err != nil {
		return err
	}
	if err := s.Transition(types.StateRunning); err != nil {
		return err
	}

	for {
		msg, err := s.Bus.Pull(ctx, s.InQueue)
		if err != nil {
			_ = s.Transition(types.StateStopping)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		rec, ok := msg.Payload.(*types.RequestRecord)
		if !ok {
			continue
		}

		parsed := s.extract(rec)
		metricRec := s.Processor.Process(parsed)

		_ = s.Bus.Push(ctx, s.OutQueue, bus.Message{
			MessageType: types.MsgMetricRecords,
			RequestID:   rec.XRequestID,
			TimestampNS: metricRec.Metadata.RequestEndNS,
			Payload:     metricRec,
		})
	}
}

// extract runs every raw ResponseChunk through the Extractor, building the
// ParsedResponseRecord the Processor expects. A chunk the Extractor
// rejects (e.g. a keep-alive) or fails to parse is skipped rather than
// failing the whole record, since the remaining chunks may still carry
// usable content.
func (s *Service) extract(rec *types.RequestRecord) *types.ParsedResponseRecord {
	out := &types.ParsedResponseRecord{RequestRecord: rec}
	if rec.Error != nil || s.Extractor == nil {
		return out
	}
	for _, chunk := range rec.Responses {
		resp, ok, err := s.Extractor.Parse(chunk.PerfNS, chunk.Data)
		if err != nil || !ok {
			continue
		}
		out.Parsed = append(out.Parsed, resp)
	}
	return out
}

func nsToMs(ns int64) float64 { return float64(ns) / 1e6 }

func average(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
