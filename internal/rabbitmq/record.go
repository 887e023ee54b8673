package rabbitmq

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ContentTypeJSON is set on every published message.
const ContentTypeJSON = "application/json"

// Record is the structured payload carried by an event.
type Record map[string]any

// EncodePayload serializes payload as a JSON object body.
func EncodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		return nil, fmt.Errorf("%w: payload must encode to a JSON object", ErrInvalidPayload)
	}
	return body, nil
}

// DecodeRecord parses body into a Record. Anything other than a JSON object
// is rejected.
func DecodeRecord(body []byte) (Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("body is not a JSON object")
	}

	var record Record
	if err := json.Unmarshal(trimmed, &record); err != nil {
		return nil, err
	}
	return record, nil
}
