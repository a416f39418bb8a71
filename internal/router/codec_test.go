package router

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeFrame(t *testing.T) {
	msg, err := DecodeFrame([]byte(`{"event":"list_programs","result":"ok","request_id":"abc","programs":[]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Kind != "list_programs" || msg.RequestID != "abc" {
		t.Fatalf("unexpected message %+v", msg)
	}

	var payload struct {
		Result string `json:"result"`
	}
	if err := msg.Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Result != "ok" {
		t.Fatalf("expected result ok, got %q", payload.Result)
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":     `{"event":`,
		"array":        `[1,2]`,
		"null":         `null`,
		"missing kind": `{"result":"ok"}`,
		"numeric kind": `{"event":42}`,
		"empty kind":   `{"event":""}`,
	}
	for name, frame := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeFrame([]byte(frame)); !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("expected ErrMalformedFrame, got %v", err)
			}
		})
	}
}

func TestEncodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		payload any
		want    map[string]any
	}{
		{
			name: "no payload",
			kind: "request_status",
			want: map[string]any{"event": "request_status"},
		},
		{
			name:    "merged payload",
			kind:    "run_predefined_program",
			payload: map[string]string{"program": "anneal"},
			want:    map[string]any{"event": "run_predefined_program", "program": "anneal"},
		},
		{
			name:    "kind wins over payload field",
			kind:    "standby_device",
			payload: map[string]string{"event": "other", "device": "oven"},
			want:    map[string]any{"event": "standby_device", "device": "oven"},
		},
		{
			name: "struct payload",
			kind: "abort_program",
			payload: struct {
				Program string `json:"program"`
			}{Program: "bake"},
			want: map[string]any{"event": "abort_program", "program": "bake"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeFrame(tt.kind, tt.payload)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("frame mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeFrame_RejectsNonObjectPayload(t *testing.T) {
	if _, err := EncodeFrame("x", []int{1}); err == nil {
		t.Fatalf("expected error for array payload")
	}
	if _, err := EncodeFrame("", nil); err == nil {
		t.Fatalf("expected error for empty kind")
	}
}
