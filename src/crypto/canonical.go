package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON returns a deterministic JSON encoding of v. Object keys are
// sorted at every depth, there is no insignificant whitespace, HTML characters
// are not escaped, and numbers keep the literal text they were decoded from.
// Two values that differ only in key order produce the same bytes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Round-trip through a generic value so that nested raw messages are
	// normalised too. encoding/json sorts map keys on output.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}

	// Encoder.Encode terminates with a newline
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
