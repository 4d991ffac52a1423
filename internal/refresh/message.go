package refresh

import (
	"encoding/json"
	"fmt"
)

// DecodeMessage parses a raw queue payload. A decode failure means the
// payload is malformed and must be dead-lettered, not retried.
func DecodeMessage(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode queue message: %w", err)
	}
	return &m, nil
}

// Validate checks required fields. Only userId is required; everything
// else is producer metadata.
func (m *Message) Validate() error {
	if m.UserID <= 0 {
		return Validation(fmt.Errorf("message missing required field: userId"))
	}
	return nil
}

// Encode serializes the message back to its wire form.
func (m *Message) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode queue message: %w", err)
	}
	return raw, nil
}
