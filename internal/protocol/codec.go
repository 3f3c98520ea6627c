package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest validates req and serializes it to a single-line JSON envelope.
func EncodeRequest(req *CommandRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}

// DecodeRequest parses and validates a request envelope. Unknown fields are rejected.
// Every failure is reported as a *ValidationError.
func DecodeRequest(data []byte) (*CommandRequest, error) {
	var req CommandRequest
	if err := decodeStrict(data, &req); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// RecoverRequestID extracts request_id from a payload that failed to decode.
// Returns UnknownRequestID when nothing usable is present.
func RecoverRequestID(data []byte) string {
	var partial map[string]json.RawMessage
	if err := json.Unmarshal(data, &partial); err != nil {
		return UnknownRequestID
	}
	raw, ok := partial["request_id"]
	if !ok {
		return UnknownRequestID
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return UnknownRequestID
	}
	return id
}

// EncodeResponse serializes a response envelope.
func EncodeResponse(resp *CommandResponse) ([]byte, error) {
	if resp.RequestID == "" {
		return nil, fmt.Errorf("response missing required field: request_id")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return data, nil
}

// DecodeResponse parses a response envelope. Unknown fields are rejected.
func DecodeResponse(data []byte) (*CommandResponse, error) {
	var resp CommandResponse
	if err := decodeStrict(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.RequestID == "" {
		return nil, fmt.Errorf("response missing required field: request_id")
	}
	return &resp, nil
}

func decodeStrict(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty envelope")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	// Trailing garbage after the envelope is a framing error.
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after envelope")
	}
	return nil
}
