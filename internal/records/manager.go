package records

import (
	"context"
	"sync"
	"time"

	"github.com/aiperf/aiperf/internal/bus"
	"github.com/aiperf/aiperf/internal/lifecycle"
	"github.com/aiperf/aiperf/internal/otel"
	"github.com/aiperf/aiperf/internal/types"
)

// metricMeta describes how one MetricTag is displayed: its header text
// and display unit.
type metricMeta struct {
	header string
	unit   types.DisplayUnit
}

var metricTable = map[types.MetricTag]metricMeta{
	types.MetricRequestLatency:       {"Request Latency", types.UnitMilliseconds},
	types.MetricTimeToFirstToken:     {"Time To First Token", types.UnitMilliseconds},
	types.MetricTimeToSecondToken:    {"Time To Second Token", types.UnitMilliseconds},
	types.MetricInterChunkLatency:    {"Inter Chunk Latency", types.UnitMilliseconds},
	types.MetricInterTokenLatency:    {"Inter Token Latency", types.UnitMilliseconds},
	types.MetricInputSequenceLength:  {"Input Sequence Length", types.UnitTokens},
	types.MetricOutputSequenceLength: {"Output Sequence Length", types.UnitTokens},
	types.MetricOutputTokenCount:     {"Output Token Count", types.UnitTokens},
	types.MetricUsagePromptTokens:    {"Usage Prompt Tokens", types.UnitTokens},
	types.MetricUsageCompletionTokens: {"Usage Completion Tokens", types.UnitTokens},
	types.MetricUsageTotalTokens:     {"Usage Total Tokens", types.UnitTokens},
	types.MetricUsageReasoningTokens: {"Usage Reasoning Tokens", types.UnitTokens},
	types.MetricGoodRequestCount:     {"Good Request Count", types.UnitRequests},
	types.MetricErrorISL:             {"Error Input Sequence Length", types.UnitTokens},
	types.MetricCreditDropLatency:    {"Credit Drop Latency", types.UnitMilliseconds},
	types.MetricRequestRateAccuracy:  {"Request Rate Accuracy", types.UnitRatio},
}

// Manager is the records manager (C7): it reads MetricRecords from the
// bus, accumulates them per-tag, groups errors by structural signature,
// and periodically publishes progress so a CLI/dashboard consumer can show
// a live view without waiting for the run to finish.
type Manager struct {
	*lifecycle.Service
	Bus          bus.Bus
	RecordsQueue string

	// Metrics is optional; when set, every CreditPhase transition observed
	// via SetPhase and every statistical-phase error ingested is also
	// published through it, feeding the same OTLP/stdout pipeline the
	// worker pool's Executors use.
	Metrics *otel.Metrics

	mu          sync.Mutex
	accum       map[types.MetricTag]*MetricAccumulator
	errorCounts map[string]*types.ErrorSummaryEntry
	startNS     int64
	endNS       int64
	wasCancelled bool
	totalRecords int
}

// New constructs an empty Manager.
func New(b bus.Bus, recordsQueue string) *Manager {
	return &Manager{
		Service:      lifecycle.NewService(),
		Bus:          b,
		RecordsQueue: recordsQueue,
		accum:        make(map[types.MetricTag]*MetricAccumulator),
		errorCounts:  make(map[string]*types.ErrorSummaryEntry),
	}
}

// Run pulls MetricRecords off RecordsQueue until ctx is cancelled,
// publishing a RealtimeMetrics snapshot every reportInterval.
func (m *Manager) Run(ctx context.Context, reportInterval time.Duration) error {
	if err := m.Transition(types.StateStarting); err != nil {
		return err
	}
	if err := m.Transition(types.StateRunning); err != nil {
		return err
	}

	tickerDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(tickerDone)
				return
			case <-ticker.C:
				m.publishRealtime(ctx)
			}
		}
	}()

	for {
		msg, err := m.Bus.Pull(ctx, m.RecordsQueue)
		if err != nil {
			<-tickerDone
			_ = m.Transition(types.StateStopping)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if rec, ok := msg.Payload.(*types.MetricRecord); ok {
			m.Ingest(rec)
		}
	}
}

// Ingest folds one MetricRecord into the running aggregates. Only
// statistical-phase records (PhaseProfiling) contribute to percentiles and
// the error summary, per CreditPhase.IsStatistical; warmup/preflight/soak
// records still increment totalRecords, which is not reported in
// ProfileResults or the realtime snapshot.
func (m *Manager) Ingest(rec *types.MetricRecord) {
	m.mu.Lock()
	m.totalRecords++
	if m.startNS == 0 || rec.Metadata.RequestStartNS < m.startNS {
		m.startNS = rec.Metadata.RequestStartNS
	}
	if rec.Metadata.RequestEndNS > m.endNS {
		m.endNS = rec.Metadata.RequestEndNS
	}
	m.mu.Unlock()

	if !rec.Metadata.Phase.IsStatistical() {
		return
	}

	if rec.Error != nil {
		m.recordError(*rec.Error)
		if m.Metrics != nil {
			m.Metrics.RecordError(context.Background(), rec.Error.Type)
		}
	}

	for tag, v := range rec.Values {
		m.accumulatorFor(tag).Add(v)
	}
}

// phaseIndex maps a CreditPhase to the integer aiperf.credit_phase gauge
// value, ordered the way a run actually progresses.
var phaseIndex = map[types.CreditPhase]int{
	types.PhaseWarmup:    0,
	types.PhasePreflight: 1,
	types.PhaseProfiling: 2,
	types.PhaseSoak:      3,
}

// SetPhase updates the aiperf.credit_phase gauge; wired from the
// controller's StageSequence onAdvance callback so the exported metric
// tracks the stage currently running.
func (m *Manager) SetPhase(phase types.CreditPhase) {
	if m.Metrics == nil {
		return
	}
	m.Metrics.SetCurrentPhase(phaseIndex[phase])
}

func (m *Manager) accumulatorFor(tag types.MetricTag) *MetricAccumulator {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accum[tag]
	if !ok {
		a = &MetricAccumulator{}
		m.accum[tag] = a
	}
	return a
}

func (m *Manager) recordError(e types.ErrorDetails) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig := e.Signature()
	entry, ok := m.errorCounts[sig]
	if !ok {
		entry = &types.ErrorSummaryEntry{Error: e}
		m.errorCounts[sig] = entry
	}
	entry.Count++
}

// MarkCancelled records that the run ended via PROFILE_CANCEL rather than
// running to completion, surfaced in the final ProfileResults.
func (m *Manager) MarkCancelled() {
	m.mu.Lock()
	m.wasCancelled = true
	m.mu.Unlock()
}

func (m *Manager) publishRealtime(ctx context.Context) {
	_ = m.Bus.Publish(ctx, "RealtimeMetrics", bus.Message{
		MessageType: types.MsgRealtimeMetrics,
		Payload:     m.snapshot(),
	})
}

func (m *Manager) snapshot() types.ProfileResults {
	return m.buildResults()
}

// Results reduces everything ingested so far into a ProfileResults. Safe
// to call mid-run for a progress view or once at the end for the final
// report; the only difference is whether more Ingest calls follow.
func (m *Manager) Results() types.ProfileResults {
	return m.buildResults()
}

func (m *Manager) buildResults() types.ProfileResults {
	m.mu.Lock()
	tags := make([]types.MetricTag, 0, len(m.accum))
	for tag := range m.accum {
		tags = append(tags, tag)
	}
	errEntries := make([]types.ErrorSummaryEntry, 0, len(m.errorCounts))
	for _, e := range m.errorCounts {
		errEntries = append(errEntries, *e)
	}
	startNS, endNS, cancelled := m.startNS, m.endNS, m.wasCancelled
	m.mu.Unlock()

	results := make(map[types.MetricTag]types.MetricResult, len(tags))
	for _, tag := range tags {
		meta := metricTable[tag]
		results[tag] = m.accum[tag].Result(tag, meta.header, meta.unit)
	}

	return types.ProfileResults{
		Records:      results,
		StartNS:      startNS,
		EndNS:        endNS,
		WasCancelled: cancelled,
		ErrorSummary: errEntries,
	}
}
