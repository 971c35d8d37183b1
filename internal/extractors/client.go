package extractors

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/otel"
	"github.com/aiperf/aiperf/internal/types"
	"github.com/aiperf/aiperf/internal/workerpool"
)

// Client sends one conversation turn to an inference endpoint and decodes
// its response with the Extractor matching the endpoint's kind,
// implementing workerpool.RequestSender. It owns the SSE decoder for the
// lifetime of one request, per the "streaming parse owned by the HTTP
// client for the record's lifetime" redesign note.
type Client struct {
	HTTP         *workerpool.RetryHTTPClient
	Path         string
	Streaming    bool
	Extractor    Extractor
	StallTimeout time.Duration
	NowPerfNS    func() int64
}

// NewClient builds a Client for cfg, wiring the matching Extractor. A
// non-nil tracer is propagated onto every outbound request as a W3C
// traceparent header.
func NewClient(cfg config.EndpointConfig, httpClient *http.Client, retry workerpool.RetryConfig, nowPerfNS func() int64, tracer *otel.Tracer) *Client {
	path := pathForKind(cfg.Kind)
	httpc := workerpool.NewRetryHTTPClient(cfg.URL, httpClient, retry)
	httpc.SetTracer(tracer)
	return &Client{
		HTTP:         httpc,
		Path:         path,
		Streaming:    cfg.StreamEnabled,
		Extractor:    ForEndpoint(cfg.Kind),
		StallTimeout: 30 * time.Second,
		NowPerfNS:    nowPerfNS,
	}
}

func pathForKind(kind config.EndpointKind) string {
	switch kind {
	case config.EndpointChat:
		return "/v1/chat/completions"
	case config.EndpointCompletions:
		return "/v1/completions"
	case config.EndpointEmbeddings:
		return "/v1/embeddings"
	case config.EndpointRankings:
		return "/v1/rankings"
	case config.EndpointHuggingFaceGenerate:
		return "/generate_stream"
	default:
		return "/"
	}
}

type chatRequestBody struct {
	Model    string               `json:"model"`
	Messages []map[string]string `json:"messages"`
	Stream   bool                 `json:"stream"`
}

// Send implements workerpool.RequestSender. turns is the full conversation
// context up to and including the turn being sent (the caller builds this
// by appending each assistant reply via Conversation.AppendReply), so a
// multi-turn exchange carries its prior history on every call the same way
// a real chat client would. The returned string is the assistant's
// extracted reply text, used by the caller to build the next turn's
// context; it is empty on error.
func (c *Client) Send(ctx context.Context, conversationID string, turns []types.Turn) (*types.RequestRecord, string, error) {
	record := &types.RequestRecord{ConversationID: conversationID, StartPerfNS: c.NowPerfNS()}

	body := chatRequestBody{
		Messages: messagesForTurns(turns),
		Stream:   c.Streaming,
	}

	resp, err := c.HTTP.Post(ctx, c.Path, body, nil)
	if err != nil {
		record.EndPerfNS = c.NowPerfNS()
		record.Error = classifyTransportError(err)
		return record, "", err
	}

	var out *types.RequestRecord
	if c.Streaming {
		out, err = c.consumeStream(ctx, resp, record)
	} else {
		out, err = c.consumeUnary(resp, record)
	}
	return out, c.extractReplyText(out), err
}

func messagesForTurns(turns []types.Turn) []map[string]string {
	msgs := make([]map[string]string, 0, len(turns))
	for _, t := range turns {
		role := t.Role
		if role == "" {
			role = "user"
		}
		msgs = append(msgs, map[string]string{"role": role, "content": strings.Join(t.Texts, "\n")})
	}
	return msgs
}

// extractReplyText runs the client's own Extractor over a finished
// record's response chunks to recover the assistant's text, so the worker
// pool can carry it forward as the next turn's context without depending
// on the downstream parsing pipeline (internal/processor).
func (c *Client) extractReplyText(record *types.RequestRecord) string {
	if record == nil || c.Extractor == nil {
		return ""
	}
	var text strings.Builder
	for _, chunk := range record.Responses {
		resp, ok, err := c.Extractor.Parse(chunk.PerfNS, chunk.Data)
		if err != nil || !ok {
			continue
		}
		text.WriteString(resp.Text)
	}
	return text.String()
}

func (c *Client) consumeUnary(resp *http.Response, record *types.RequestRecord) (*types.RequestRecord, error) {
	defer resp.Body.Close()
	body, err := workerpool.ReadResponseBody(resp)
	record.EndPerfNS = c.NowPerfNS()
	if err != nil {
		record.Error = &types.ErrorDetails{Type: "ResponseReadError", Message: err.Error()}
		return record, err
	}

	record.Responses = append(record.Responses, types.ResponseChunk{PerfNS: record.EndPerfNS, Data: body})

	if resp.StatusCode >= 400 {
		record.Error = &types.ErrorDetails{
			Type:    types.ErrTypeFromHTTPStatus(resp.StatusCode),
			Code:    types.HTTPStatusErrorCode(resp.StatusCode),
			Message: string(body),
		}
	}
	return record, nil
}

func (c *Client) consumeStream(ctx context.Context, resp *http.Response, record *types.RequestRecord) (*types.RequestRecord, error) {
	decoder := NewSSEDecoder(resp.Body, c.StallTimeout)
	defer decoder.Close()

	record.RecvStartPerfNS = c.NowPerfNS()
	for {
		select {
		case <-ctx.Done():
			// Leave classification (per-request cancel vs. run shutdown) to
			// the caller: it knows whether this ctx was given a
			// cancel_after_ns deadline and can tell context.DeadlineExceeded
			// (a real should_cancel timeout) apart from context.Canceled
			// (the run stopping).
			record.EndPerfNS = c.NowPerfNS()
			return record, ctx.Err()
		default:
		}

		event, err := decoder.ReadEvent()
		now := c.NowPerfNS()
		if err != nil {
			record.EndPerfNS = now
			if errors.Is(err, io.EOF) {
				return record, nil
			}
			record.Error = &types.ErrorDetails{Type: "StreamReadError", Message: err.Error()}
			return record, err
		}

		if c.Extractor.IsStreamEnd([]byte(event.Data)) {
			record.EndPerfNS = now
			return record, nil
		}

		record.Responses = append(record.Responses, types.ResponseChunk{PerfNS: now, Data: []byte(event.Data)})
	}
}

func classifyTransportError(err error) *types.ErrorDetails {
	return &types.ErrorDetails{Type: "ConnectionError", Message: err.Error()}
}
