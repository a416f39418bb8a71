package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Wire field names. The kind tag travels as "event" in both directions.
const (
	KindField        = "event"
	RequestIDField   = "request_id"
	SubscribeToField = "subscribe_to"
	// KindSubscribe is the control frame asking the server to push an event.
	KindSubscribe = "subscribe"
)

// ErrMalformedFrame marks inbound data without a usable kind tag.
var ErrMalformedFrame = errors.New("malformed frame")

// Message is one decoded inbound frame. Only the kind and the optional request
// id are interpreted; the payload is left for the handler.
type Message struct {
	Kind      string
	RequestID string
	Raw       json.RawMessage
}

// Decode unmarshals the whole frame into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}

	return nil
}

func DecodeFrame(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if fields == nil {
		return Message{}, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}

	rawKind, ok := fields[KindField]
	if !ok {
		return Message{}, fmt.Errorf("%w: missing %q", ErrMalformedFrame, KindField)
	}
	var kind string
	if err := json.Unmarshal(rawKind, &kind); err != nil || kind == "" {
		return Message{}, fmt.Errorf("%w: %q is not a non-empty string", ErrMalformedFrame, KindField)
	}

	msg := Message{Kind: kind, Raw: json.RawMessage(data)}
	if rawID, ok := fields[RequestIDField]; ok {
		// Non-string ids are not ours; the frame still dispatches by kind.
		_ = json.Unmarshal(rawID, &msg.RequestID)
	}

	return msg, nil
}

// EncodeFrame merges payload's top-level fields with the kind tag. payload must
// encode to a JSON object or be nil. The kind tag overrides any "event" field
// in payload.
func EncodeFrame(kind string, payload any) ([]byte, error) {
	return encodeFrame(kind, "", payload)
}

func encodeFrame(kind, requestID string, payload any) ([]byte, error) {
	if kind == "" {
		return nil, errors.New("frame kind is required")
	}

	fields := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		if !bytes.Equal(raw, []byte("null")) {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("encode %s payload: must be a JSON object: %w", kind, err)
			}
		}
	}

	rawKind, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	fields[KindField] = rawKind
	if requestID != "" {
		rawID, err := json.Marshal(requestID)
		if err != nil {
			return nil, err
		}
		fields[RequestIDField] = rawID
	}

	return json.Marshal(fields)
}
