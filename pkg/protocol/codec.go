package protocol

import (
	"encoding/json"
	"fmt"
)

// ParseError reports an unparseable or unrecognized client frame. The caller
// drops the frame; the connection stays open.
type ParseError struct {
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse client message: %v", e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

var clientTypes = map[string]struct{}{
	TypeAuth:            {},
	TypePing:            {},
	TypeSubmit:          {},
	TypeRequestSnapshot: {},
	TypePresenceSet:     {},
	TypePresenceClear:   {},
}

// DecodeClientMessage parses one client frame. Frames that are not valid JSON
// or carry an unknown type yield a *ParseError.
func DecodeClientMessage(frame []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, &ParseError{Cause: err}
	}
	if _, ok := clientTypes[msg.Type]; !ok {
		return nil, &ParseError{Cause: fmt.Errorf("unknown message type %q", msg.Type)}
	}
	return &msg, nil
}

// Encode serializes any protocol message for the wire.
func Encode(msg any) ([]byte, error) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", msg, err)
	}
	return frame, nil
}
