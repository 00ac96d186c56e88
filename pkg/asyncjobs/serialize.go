package asyncjobs

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SerializeResult encodes a ReplResponse as compact, whitespace-free UTF-8 JSON,
// the wire format both backend implementations store in a result slot.
func SerializeResult(r *ReplResponse) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return "", fmt.Errorf("serialize result: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; trim it to keep the
	// stored value byte-identical to a single compact JSON document.
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// DeserializeResult decodes a stored result slot value back into a ReplResponse.
// Callers must tolerate values that originated as either bytes or strings from
// the durable backend's client library before calling this.
func DeserializeResult(value string) (*ReplResponse, error) {
	var r ReplResponse
	if err := json.Unmarshal([]byte(value), &r); err != nil {
		return nil, fmt.Errorf("deserialize result: %w", err)
	}
	return &r, nil
}
