package workerpool

import (
	"context"
	"errors"
	"time"

	"github.com/aiperf/aiperf/internal/bus"
	"github.com/aiperf/aiperf/internal/lifecycle"
	"github.com/aiperf/aiperf/internal/otel"
	"github.com/aiperf/aiperf/internal/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// RequestSender executes one turn of a conversation against the target
// endpoint and returns the raw RequestRecord plus the assistant's extracted
// reply text (used to build the next turn's context). turns carries the
// full history up to and including the turn being sent. It is implemented
// by internal/extractors for each EndpointKind; Executor depends only on
// this interface so it can be driven by a fake in tests.
type RequestSender interface {
	Send(ctx context.Context, conversationID string, turns []types.Turn) (record *types.RequestRecord, replyText string, err error)
}

// ConversationSource resolves a conversation ID (chosen by the sampler)
// into the actual turns to send.
type ConversationSource interface {
	Get(conversationID string) (types.Conversation, bool)
}

// Executor is one worker's main loop: pull a CreditDrop, walk every turn of
// the chosen conversation, and emit one RequestRecord per turn plus exactly
// one CreditReturn per drop regardless of outcome. Grounded on the
// AssignmentExecutor/VU Engine shape, collapsed from "spawn N persistent
// VU goroutines" to "pull one credit at a time" since AIPerf's unit of
// concurrency is the credit, not a virtual user.
type Executor struct {
	*lifecycle.Service
	WorkerID   string
	Bus        bus.Bus
	CreditsIn  string // queue name the scheduler pushes CreditDrops to
	RecordsOut string // queue name RequestRecords are pushed to for C5/C6

	Sender        RequestSender
	Conversations ConversationSource
	Sampler       *ModelSelectionSampler

	NowWallNS func() int64
	NowPerfNS func() int64

	MaxInFlight int

	// RunID tags every span and metric this executor emits; EndpointKind
	// labels the otel attributes.
	RunID        string
	EndpointKind string

	// Tracer/Metrics are optional; nil or otel.NoopTracer()/otel.NoopMetrics()
	// make every call below a no-op, so a caller that doesn't wire
	// observability pays nothing for it.
	Tracer  *otel.Tracer
	Metrics *otel.Metrics
}

// Run pulls credits and dispatches them to at most MaxInFlight concurrent
// in-flight requests until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.Transition(types.StateStarting); err != nil {
		return err
	}
	if err := e.Transition(types.StateRunning); err != nil {
		return err
	}

	if e.Metrics != nil {
		e.Metrics.IncrementWorkers(ctx)
		defer e.Metrics.DecrementWorkers(context.Background())
	}

	maxInFlight := e.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	sem := make(chan struct{}, maxInFlight)

	for {
		select {
		case <-ctx.Done():
			_ = e.Transition(types.StateStopping)
			return nil
		case sem <- struct{}{}:
		}

		msg, err := e.Bus.Pull(ctx, e.CreditsIn)
		if err != nil {
			<-sem
			_ = e.Transition(types.StateStopping)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		drop, ok := msg.Payload.(types.CreditDrop)
		if !ok {
			<-sem
			continue
		}

		go func() {
			defer func() { <-sem }()
			e.handleCredit(ctx, drop)
		}()
	}
}

// handleCredit sends every turn of the credit's conversation in order,
// pushing one RequestRecord per turn, and always returns exactly one
// CreditReturn for the drop (the finally-equivalent guard for the
// 1:1 drop/return invariant).
func (e *Executor) handleCredit(ctx context.Context, drop types.CreditDrop) {
	convID := drop.ConversationID
	if convID == "" && e.Sampler != nil {
		convID = e.Sampler.Sample()
	}

	var conv types.Conversation
	if e.Conversations != nil {
		conv, _ = e.Conversations.Get(convID)
	}
	if len(conv.Turns) == 0 {
		conv.Turns = []types.Turn{{}}
	}

	var span trace.Span
	if e.Tracer != nil {
		ctx, span = e.Tracer.StartRequestSpan(ctx, otel.RequestSpanOptions{
			RunID:          e.RunID,
			Phase:          string(drop.Phase),
			WorkerID:       e.WorkerID,
			ConversationID: convID,
			CreditDropID:   drop.CreditDropID,
			EndpointKind:   e.EndpointKind,
		})
		defer span.End()
	}

	requestsSent := 0
	var delayedNS *int64
	defer func() {
		if e.Metrics != nil {
			e.Metrics.RecordCreditReturn(ctx)
		}
		_ = e.Bus.Publish(ctx, "CreditReturn", bus.Message{
			MessageType: types.MsgCreditReturn,
			ServiceID:   e.WorkerID,
			RequestID:   uuid.NewString(),
			TimestampNS: e.NowWallNS(),
			Payload: types.CreditReturn{
				Phase:        drop.Phase,
				CreditDropID: drop.CreditDropID,
				DelayedNS:    delayedNS,
				RequestsSent: requestsSent,
			},
		})
	}()

	// running accumulates conversation context turn by turn: each
	// assistant reply is appended via AppendReply before the next turn is
	// sent, so a multi-turn exchange carries its own history forward.
	running := types.Conversation{SessionID: conv.SessionID, Turns: []types.Turn{conv.Turns[0]}}

	for turnIdx := 0; turnIdx < len(conv.Turns); turnIdx++ {
		turn := conv.Turns[turnIdx]

		if turnIdx > 0 {
			if turn.DelayMs > 0 && !sleepCtx(ctx, time.Duration(turn.DelayMs)*time.Millisecond) {
				return
			}
			running.Turns = append(running.Turns, turn)
		}

		if turnIdx == 0 && drop.ScheduledPerfNS != nil {
			if wait := *drop.ScheduledPerfNS - e.NowPerfNS(); wait > 0 && !sleepCtx(ctx, time.Duration(wait)) {
				return
			}
		}

		record, replyText := e.sendTurn(ctx, drop, convID, turnIdx, running.Turns, span)

		_ = e.Bus.Push(ctx, e.RecordsOut, bus.Message{
			MessageType: types.MsgInferenceResults,
			RequestID:   drop.CreditDropID,
			TimestampNS: record.TimestampNS,
			Payload:     record,
		})
		requestsSent++
		delayedNS = record.DelayedNS

		if record.Error != nil {
			return
		}
		if turnIdx+1 < len(conv.Turns) {
			running = running.AppendReply(replyText)
		}
	}
}

// sendTurn issues one turn's inference call, applying the cancellation-after
// policy when drop.ShouldCancel is set, and returns the populated record
// plus the extracted reply text (empty on error or cancellation).
func (e *Executor) sendTurn(ctx context.Context, drop types.CreditDrop, convID string, turnIdx int, history []types.Turn, span trace.Span) (*types.RequestRecord, string) {
	sendCtx := ctx
	var cancelSend context.CancelFunc
	if drop.ShouldCancel {
		sendCtx, cancelSend = context.WithTimeout(ctx, time.Duration(drop.CancelAfterNS))
	}

	startPerfNS := e.NowPerfNS()
	record, replyText, err := e.Sender.Send(sendCtx, convID, history)
	if cancelSend != nil {
		cancelSend()
	}
	if record == nil {
		record = &types.RequestRecord{}
	}
	record.XRequestID = drop.CreditDropID
	record.ConversationID = convID
	record.TurnIndex = turnIdx
	record.Turns = append([]types.Turn(nil), history...)
	record.CreditPhase = drop.Phase
	record.CreditNum = drop.CreditNum
	record.TimestampNS = e.NowWallNS()
	if record.StartPerfNS == 0 {
		record.StartPerfNS = startPerfNS
	}

	switch {
	case drop.ShouldCancel && errors.Is(sendCtx.Err(), context.DeadlineExceeded):
		// Only our own per-request deadline firing counts as a cancellation;
		// a cancelled parent/run context (sendCtx.Err() == context.Canceled)
		// is a plain aborted request, not should_cancel behavior.
		record.WasCancelled = true
		record.CancellationPerfNS = e.NowPerfNS()
		if record.EndPerfNS == 0 {
			record.EndPerfNS = record.CancellationPerfNS
		}
		record.CancelAfterNS = drop.CancelAfterNS
		cancelErr := types.NewCancellationError(drop.CancelAfterNS)
		record.Error = &cancelErr
	case err != nil && record.Error == nil:
		record.Error = &types.ErrorDetails{Type: "RequestExecutionError", Message: err.Error()}
	}

	if turnIdx == 0 && drop.ScheduledPerfNS != nil {
		latency := record.StartPerfNS - *drop.ScheduledPerfNS
		record.CreditDropLatencyNS = &latency
	}

	if span != nil && record.Error != nil {
		spanErr := err
		if spanErr == nil {
			spanErr = errors.New(record.Error.Message)
		}
		otel.RecordError(span, spanErr, record.Error.Type, false)
	}

	if e.Metrics != nil {
		success := record.Error == nil
		if record.EndPerfNS != 0 {
			latencyMs := float64(record.EndPerfNS-record.StartPerfNS) / 1e6
			e.Metrics.RecordRequestLatency(ctx, e.EndpointKind, "", latencyMs, success)
		}
		if !success {
			e.Metrics.RecordError(ctx, record.Error.Type)
		}
	}

	if err != nil {
		replyText = ""
	}
	return record, replyText
}

// sleepCtx waits for d or ctx cancellation, whichever comes first, and
// reports whether it finished via d (false means ctx ended the wait early).
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
