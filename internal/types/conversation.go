// Package types provides the shared data model for the AIPerf benchmark
// pipeline: conversations, credits, raw and parsed records, metrics, and the
// bus envelope. Types here are produced by one component and consumed by
// another; this package intentionally has no behavior beyond small invariant-checking
// helpers.
package types

// MediaContainer holds a named list of content items, used to support
// batching of a single multimodal field (e.g. multiple images in one turn).
type MediaContainer struct {
	Name     string   `json:"name,omitempty"`
	Contents []string `json:"contents"`
}

// Turn is a single message in a Conversation. Turns are immutable once
// created by the ConversationProvider; the worker pool only ever reads them,
// except for appending the assistant's extracted reply as a synthetic next
// turn when continuing a multi-turn exchange (see Conversation.AppendReply).
type Turn struct {
	Role      string           `json:"role"`
	Texts     []string         `json:"texts,omitempty"`
	Images    []MediaContainer `json:"images,omitempty"`
	Audios    []MediaContainer `json:"audios,omitempty"`
	Timestamp *int64           `json:"timestamp,omitempty"` // ms, for fixed-schedule replay
	DelayMs   int64            `json:"delay_ms,omitempty"`  // think time before this turn, except turn 0
	Model     string           `json:"model,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

// Conversation is a sequence of Turns identified by SessionID. Created once
// by the dataset provider and cached by SessionID; the core never mutates a
// Conversation's Turns slice in place, it only appends via AppendReply to
// build the next request's context for multi-turn exchanges.
type Conversation struct {
	SessionID string `json:"session_id"`
	Turns     []Turn `json:"turns"`
}

// AppendReply returns a copy of the conversation with an assistant turn
// appended, used by the worker pool to carry forward context between turns
// of a multi-turn exchange without mutating the provider's cached copy.
func (c Conversation) AppendReply(text string) Conversation {
	turns := make([]Turn, len(c.Turns), len(c.Turns)+1)
	copy(turns, c.Turns)
	turns = append(turns, Turn{Role: "assistant", Texts: []string{text}})
	return Conversation{SessionID: c.SessionID, Turns: turns}
}
