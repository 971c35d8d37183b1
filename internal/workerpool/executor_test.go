package workerpool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aiperf/aiperf/internal/bus"
	"github.com/aiperf/aiperf/internal/lifecycle"
	"github.com/aiperf/aiperf/internal/types"
)

func newTestService() *lifecycle.Service {
	s := lifecycle.NewService()
	_ = s.Transition(types.StateReady)
	return s
}

type fakeSender struct{}

func (fakeSender) Send(ctx context.Context, conversationID string, turns []types.Turn) (*types.RequestRecord, string, error) {
	return &types.RequestRecord{StartPerfNS: 100, EndPerfNS: 200, Responses: []types.ResponseChunk{{PerfNS: 150}}}, "", nil
}

type fakeConversations struct{}

func (fakeConversations) Get(id string) (types.Conversation, bool) {
	return types.Conversation{Turns: []types.Turn{{}}}, true
}

func TestExecutorEmitsOneCreditReturnPerDrop(t *testing.T) {
	b := bus.New()
	defer b.Close()

	returns := make(chan bus.Message, 4)
	cancel := b.Subscribe("CreditReturn", func(m bus.Message) { returns <- m })
	defer cancel()

	exec := &Executor{
		WorkerID:      "w1",
		Bus:           b,
		CreditsIn:     "credits",
		RecordsOut:    "records",
		Sender:        fakeSender{},
		Conversations: fakeConversations{},
		NowWallNS:     func() int64 { return 1000 },
		NowPerfNS:     func() int64 { return 100 },
		MaxInFlight:   2,
	}
	exec.Service = newTestService()

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	go func() { _ = exec.Run(ctx) }()

	scheduled := int64(90)
	if err := b.Push(ctx, "credits", bus.Message{
		Payload: types.CreditDrop{CreditDropID: "c1", ScheduledPerfNS: &scheduled},
	}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case m := <-returns:
		ret := m.Payload.(types.CreditReturn)
		if ret.CreditDropID != "c1" {
			t.Fatalf("CreditDropID = %q, want c1", ret.CreditDropID)
		}
		if ret.RequestsSent != 1 {
			t.Fatalf("RequestsSent = %d, want 1", ret.RequestsSent)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for CreditReturn")
	}
}

// multiTurnSender records every call it receives (the conversation history
// it was given) and replies with a fixed per-call text so a test can assert
// on both the turn loop and the context each turn carried forward.
type multiTurnSender struct {
	mu    sync.Mutex
	calls [][]types.Turn
}

func (s *multiTurnSender) Send(ctx context.Context, conversationID string, turns []types.Turn) (*types.RequestRecord, string, error) {
	s.mu.Lock()
	historyCopy := append([]types.Turn(nil), turns...)
	s.calls = append(s.calls, historyCopy)
	call := len(s.calls)
	s.mu.Unlock()
	return &types.RequestRecord{StartPerfNS: 100, EndPerfNS: 200}, fmt.Sprintf("reply-%d", call), nil
}

type multiTurnConversations struct{}

func (multiTurnConversations) Get(id string) (types.Conversation, bool) {
	return types.Conversation{
		SessionID: id,
		Turns: []types.Turn{
			{Role: "user", Texts: []string{"first"}},
			{Role: "user", Texts: []string{"second"}, DelayMs: 1},
			{Role: "user", Texts: []string{"third"}, DelayMs: 1},
		},
	}, true
}

func TestExecutorSendsEveryTurnAndCarriesContext(t *testing.T) {
	b := bus.New()
	defer b.Close()

	returns := make(chan bus.Message, 4)
	cancel := b.Subscribe("CreditReturn", func(m bus.Message) { returns <- m })
	defer cancel()

	sender := &multiTurnSender{}
	exec := &Executor{
		WorkerID:      "w1",
		Bus:           b,
		CreditsIn:     "credits",
		RecordsOut:    "records",
		Sender:        sender,
		Conversations: multiTurnConversations{},
		NowWallNS:     func() int64 { return 1000 },
		NowPerfNS:     func() int64 { return 100 },
		MaxInFlight:   1,
	}
	exec.Service = newTestService()

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	go func() { _ = exec.Run(ctx) }()
	go func() {
		for i := 0; i < 3; i++ {
			_, _ = b.Pull(ctx, "records")
		}
	}()

	if err := b.Push(ctx, "credits", bus.Message{
		Payload: types.CreditDrop{CreditDropID: "c1", ConversationID: "conv-1"},
	}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case m := <-returns:
		ret := m.Payload.(types.CreditReturn)
		if ret.RequestsSent != 3 {
			t.Fatalf("RequestsSent = %d, want 3 (one per turn)", ret.RequestsSent)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for CreditReturn")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.calls) != 3 {
		t.Fatalf("Send called %d times, want 3", len(sender.calls))
	}
	if len(sender.calls[1]) != 3 {
		t.Fatalf("second call history length = %d, want 3 (first user turn, its reply, second user turn)", len(sender.calls[1]))
	}
	if sender.calls[1][1].Role != "assistant" || sender.calls[1][1].Texts[0] != "reply-1" {
		t.Fatalf("second call should carry the first reply as context, got %+v", sender.calls[1][1])
	}
}

// cancellingSender blocks until ctx is cancelled, so the test can verify
// the should_cancel/cancel_after_ns timeout path without a real endpoint.
type cancellingSender struct{}

func (cancellingSender) Send(ctx context.Context, conversationID string, turns []types.Turn) (*types.RequestRecord, string, error) {
	<-ctx.Done()
	return &types.RequestRecord{StartPerfNS: 100}, "", ctx.Err()
}

func TestExecutorMarksPerRequestCancellation(t *testing.T) {
	b := bus.New()
	defer b.Close()

	returns := make(chan bus.Message, 4)
	cancel := b.Subscribe("CreditReturn", func(m bus.Message) { returns <- m })
	defer cancel()

	exec := &Executor{
		WorkerID:      "w1",
		Bus:           b,
		CreditsIn:     "credits",
		RecordsOut:    "records",
		Sender:        cancellingSender{},
		Conversations: fakeConversations{},
		NowWallNS:     func() int64 { return 1000 },
		NowPerfNS:     func() int64 { return 100 },
		MaxInFlight:   1,
	}
	exec.Service = newTestService()

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	go func() { _ = exec.Run(ctx) }()

	recordCh := make(chan *types.RequestRecord, 1)
	go func() {
		msg, err := b.Pull(ctx, "records")
		if err != nil {
			return
		}
		recordCh <- msg.Payload.(*types.RequestRecord)
	}()

	if err := b.Push(ctx, "credits", bus.Message{
		Payload: types.CreditDrop{CreditDropID: "c1", ShouldCancel: true, CancelAfterNS: int64(5 * time.Millisecond)},
	}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case <-returns:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for CreditReturn")
	}

	var gotRecord *types.RequestRecord
	select {
	case gotRecord = <-recordCh:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for record")
	}
	if gotRecord == nil {
		t.Fatalf("expected a RequestRecord to be pushed")
	}
	if !gotRecord.WasCancelled {
		t.Fatalf("expected WasCancelled = true")
	}
	if gotRecord.Error == nil || gotRecord.Error.Type != types.ErrCancellationType || gotRecord.Error.Code != types.ErrCancellationCode {
		t.Fatalf("expected a %s/%s error, got %+v", types.ErrCancellationType, types.ErrCancellationCode, gotRecord.Error)
	}
}
