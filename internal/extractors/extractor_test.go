package extractors

import (
	"bytes"
	"io"
	"testing"
	"time"
)

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

func TestSSEDecoderParsesMultipleEvents(t *testing.T) {
	raw := "data: {\"a\":1}\n\ndata: {\"a\":2}\n\n"
	dec := NewSSEDecoder(nopCloser{bytes.NewBufferString(raw)}, time.Second)
	defer dec.Close()

	ev1, err := dec.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent 1: %v", err)
	}
	if ev1.Data != `{"a":1}` {
		t.Fatalf("ev1.Data = %q", ev1.Data)
	}

	ev2, err := dec.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent 2: %v", err)
	}
	if ev2.Data != `{"a":2}` {
		t.Fatalf("ev2.Data = %q", ev2.Data)
	}

	_, err = dec.ReadEvent()
	if err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestSSEDecoderSkipsCommentLines(t *testing.T) {
	raw := ": keep-alive\ndata: {\"a\":1}\n\n"
	dec := NewSSEDecoder(nopCloser{bytes.NewBufferString(raw)}, time.Second)
	defer dec.Close()

	ev, err := dec.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if ev.Data != `{"a":1}` {
		t.Fatalf("ev.Data = %q, want the JSON line (comment must be skipped)", ev.Data)
	}
}

func TestChatExtractorParsesDeltaContent(t *testing.T) {
	e := chatExtractor{}
	resp, ok, err := e.Parse(100, []byte(`{"choices":[{"delta":{"content":"hi"}}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !ok || resp.Text != "hi" {
		t.Fatalf("resp = %+v, ok = %v, want Text=hi", resp, ok)
	}
}

func TestChatExtractorRecognizesStreamEnd(t *testing.T) {
	e := chatExtractor{}
	if !e.IsStreamEnd([]byte("[DONE]")) {
		t.Fatalf("expected [DONE] to be recognized as the stream end sentinel")
	}
}

func TestChatExtractorIgnoresEmptyKeepAliveChunk(t *testing.T) {
	e := chatExtractor{}
	_, ok, err := e.Parse(100, []byte(`{"choices":[]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ok {
		t.Fatalf("an empty choices chunk must not be reported as a usable ParsedResponse")
	}
}
