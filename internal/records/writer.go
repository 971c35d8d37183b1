package records

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// JSONLWriter appends one JSON-encoded value per line to an underlying
// writer, buffering to amortize syscalls the way the telemetry
// emitter batches writes rather than flushing per-record.
type JSONLWriter struct {
	mu  sync.Mutex
	buf *bufio.Writer
	enc *json.Encoder
}

// NewJSONLWriter wraps w in a buffered JSONL encoder.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	buf := bufio.NewWriter(w)
	return &JSONLWriter{buf: buf, enc: json.NewEncoder(buf)}
}

// Write encodes v as one JSON line.
func (j *JSONLWriter) Write(v any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(v)
}

// Flush pushes any buffered bytes to the underlying writer.
func (j *JSONLWriter) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.buf.Flush()
}
