package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyBody is returned when a successful upstream response has no payload.
var ErrEmptyBody = errors.New("upstream response body is empty")

// ErrDecode marks a successful upstream response whose body is not the
// expected JSON.
var ErrDecode = errors.New("upstream response body is not valid json")

// DecodeEnvelope decodes an upstream payload that may or may not be wrapped.
//
// Rule: when the body is a JSON object with a non-null "data" member, T is
// decoded from that member; otherwise T is decoded from the whole body.
func DecodeEnvelope[T any](body []byte) (T, error) {
	var out T
	payload, _, err := unwrap(body)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("%w: payload: %w", ErrDecode, err)
	}
	return out, nil
}

// unwrap returns the bytes T should be decoded from and whether an
// envelope was present.
func unwrap(body []byte) ([]byte, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, ErrEmptyBody
	}
	if trimmed[0] != '{' {
		return trimmed, false, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, false, fmt.Errorf("%w: body: %w", ErrDecode, err)
	}
	data, ok := fields["data"]
	if !ok || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return trimmed, false, nil
	}
	return data, true, nil
}
