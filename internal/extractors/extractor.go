package extractors

import (
	"encoding/json"
	"strings"

	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/types"
)

// Extractor turns one raw SSE/unary chunk into a ParsedResponse. Each
// EndpointKind gets its own Extractor because the JSON shape
// of a chat completion chunk, an embeddings response, and a rankings
// response share nothing beyond "it's JSON".
type Extractor interface {
	// Parse decodes one chunk's bytes (one SSE event's Data, or the whole
	// unary body) at perfNS into a ParsedResponse. A chunk that carries no
	// useful content (e.g. a keep-alive) returns ok=false.
	Parse(perfNS int64, data []byte) (resp types.ParsedResponse, ok bool, err error)
	// IsStreamEnd reports whether data is the sentinel that ends an SSE
	// stream (OpenAI's "[DONE]"); unary extractors always return false.
	IsStreamEnd(data []byte) bool
}

// ForEndpoint returns the Extractor for kind.
func ForEndpoint(kind config.EndpointKind) Extractor {
	switch kind {
	case config.EndpointChat:
		return chatExtractor{}
	case config.EndpointCompletions:
		return completionsExtractor{}
	case config.EndpointEmbeddings:
		return embeddingsExtractor{}
	case config.EndpointRankings:
		return rankingsExtractor{}
	case config.EndpointHuggingFaceGenerate:
		return huggingFaceExtractor{}
	case config.EndpointTemplate:
		return templateExtractor{TextPath: []string{"text"}, FinishReasonPath: []string{"finish_reason"}}
	default:
		return chatExtractor{}
	}
}

// chatExtractor decodes OpenAI-style /chat/completions chunks, streaming
// and unary alike.
type chatExtractor struct{}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *types.ParsedUsage `json:"usage"`
}

func (chatExtractor) Parse(perfNS int64, data []byte) (types.ParsedResponse, bool, error) {
	if len(data) == 0 {
		return types.ParsedResponse{}, false, nil
	}
	var chunk chatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return types.ParsedResponse{}, false, err
	}

	resp := types.ParsedResponse{PerfNS: perfNS, Usage: chunk.Usage}
	if len(chunk.Choices) > 0 {
		c := chunk.Choices[0]
		resp.Text = c.Delta.Content + c.Message.Content
		resp.ReasoningText = c.Delta.ReasoningContent
		if c.FinishReason != nil {
			resp.FinishReason = *c.FinishReason
		}
	}
	if resp.Text == "" && resp.ReasoningText == "" && resp.Usage == nil && resp.FinishReason == "" {
		return resp, false, nil
	}
	return resp, true, nil
}

func (chatExtractor) IsStreamEnd(data []byte) bool {
	return strings.TrimSpace(string(data)) == "[DONE]"
}

// completionsExtractor decodes legacy /completions chunks.
type completionsExtractor struct{}

type completionsChunk struct {
	Choices []struct {
		Text         string  `json:"text"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *types.ParsedUsage `json:"usage"`
}

func (completionsExtractor) Parse(perfNS int64, data []byte) (types.ParsedResponse, bool, error) {
	if len(data) == 0 {
		return types.ParsedResponse{}, false, nil
	}
	var chunk completionsChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return types.ParsedResponse{}, false, err
	}
	resp := types.ParsedResponse{PerfNS: perfNS, Usage: chunk.Usage}
	if len(chunk.Choices) > 0 {
		resp.Text = chunk.Choices[0].Text
		if chunk.Choices[0].FinishReason != nil {
			resp.FinishReason = *chunk.Choices[0].FinishReason
		}
	}
	if resp.Text == "" && resp.Usage == nil && resp.FinishReason == "" {
		return resp, false, nil
	}
	return resp, true, nil
}

func (completionsExtractor) IsStreamEnd(data []byte) bool {
	return strings.TrimSpace(string(data)) == "[DONE]"
}

// embeddingsExtractor decodes a unary /embeddings response; embeddings
// never stream, so it always reports a single ParsedResponse carrying only
// usage (the vector payload itself isn't a latency-relevant metric).
type embeddingsExtractor struct{}

type embeddingsBody struct {
	Usage *types.ParsedUsage `json:"usage"`
}

func (embeddingsExtractor) Parse(perfNS int64, data []byte) (types.ParsedResponse, bool, error) {
	var body embeddingsBody
	if err := json.Unmarshal(data, &body); err != nil {
		return types.ParsedResponse{}, false, err
	}
	return types.ParsedResponse{PerfNS: perfNS, Usage: body.Usage}, true, nil
}

func (embeddingsExtractor) IsStreamEnd(data []byte) bool { return false }

// rankingsExtractor decodes a unary /rankings (reranker) response.
type rankingsExtractor struct{}

type rankingsBody struct {
	Usage *types.ParsedUsage `json:"usage"`
}

func (rankingsExtractor) Parse(perfNS int64, data []byte) (types.ParsedResponse, bool, error) {
	var body rankingsBody
	if err := json.Unmarshal(data, &body); err != nil {
		return types.ParsedResponse{}, false, err
	}
	return types.ParsedResponse{PerfNS: perfNS, Usage: body.Usage}, true, nil
}

func (rankingsExtractor) IsStreamEnd(data []byte) bool { return false }

// huggingFaceExtractor decodes HuggingFace TGI's /generate_stream chunks,
// whose token field differs from the OpenAI delta shape.
type huggingFaceExtractor struct{}

type hfChunk struct {
	Token struct {
		Text string `json:"text"`
	} `json:"token"`
	GeneratedText *string `json:"generated_text"`
	Details       *struct {
		FinishReason string `json:"finish_reason"`
	} `json:"details"`
}

func (huggingFaceExtractor) Parse(perfNS int64, data []byte) (types.ParsedResponse, bool, error) {
	if len(data) == 0 {
		return types.ParsedResponse{}, false, nil
	}
	var chunk hfChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return types.ParsedResponse{}, false, err
	}
	resp := types.ParsedResponse{PerfNS: perfNS, Text: chunk.Token.Text}
	if chunk.Details != nil {
		resp.FinishReason = chunk.Details.FinishReason
	}
	if resp.Text == "" && resp.FinishReason == "" {
		return resp, false, nil
	}
	return resp, true, nil
}

func (huggingFaceExtractor) IsStreamEnd(data []byte) bool { return false }
