package extractors

import (
	"encoding/json"

	"github.com/aiperf/aiperf/internal/types"
)

// templateExtractor reads arbitrary JSON response bodies by following two
// key paths, one to the text and one to the finish reason, covering
// self-hosted servers whose wire format matches neither the OpenAI nor
// HuggingFace shape. ForEndpoint builds it with the top-level keys "text"
// and "finish_reason"; the file named by EndpointConfig.TemplatePath is not
// read.
type templateExtractor struct {
	TextPath         []string
	FinishReasonPath []string
}

func (t templateExtractor) Parse(perfNS int64, data []byte) (types.ParsedResponse, bool, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return types.ParsedResponse{}, false, err
	}
	text, _ := lookup(doc, t.TextPath).(string)
	reason, _ := lookup(doc, t.FinishReasonPath).(string)

	resp := types.ParsedResponse{PerfNS: perfNS, Text: text, FinishReason: reason}
	return resp, text != "" || reason != "", nil
}

func (t templateExtractor) IsStreamEnd(data []byte) bool { return false }

func lookup(doc any, path []string) any {
	cur := doc
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}
