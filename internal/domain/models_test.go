package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestOutcomeErr(t *testing.T) {
	if err := (Outcome{Result: ResultOK}).Err(KindListPrograms); err != nil {
		t.Fatalf("expected nil for ok, got %v", err)
	}

	err := (Outcome{Result: ResultError, ErrorMsg: "Unknown program."}).Err(KindRunPredefinedProgram)
	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected ApplicationError, got %T", err)
	}
	if appErr.Message != "Unknown program." || appErr.Kind != KindRunPredefinedProgram {
		t.Fatalf("unexpected error %+v", appErr)
	}

	if err := (Outcome{}).Err(KindAbortProgram); err == nil {
		t.Fatalf("missing result must be treated as an error")
	}
}

func TestStatusReportDecode(t *testing.T) {
	raw := `{"event":"status_available","status":{
		"oven":{"name":"oven","temperature":21.5,"control_enabled":true,"current_program":"bake","current_action":"SOAK","setpoint":80,"status":"ok"},
		"chiller":{"status":"error","error_msg":"timeout"}}}`

	var report StatusReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if diff := cmp.Diff([]string{"chiller", "oven"}, report.DeviceNames()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]float64{"oven": 21.5}, report.Temperatures()); diff != "" {
		t.Fatalf("temperatures mismatch (-want +got):\n%s", diff)
	}
	if report.Status["chiller"].ErrorMsg != "timeout" {
		t.Fatalf("expected device error message")
	}
}

func TestDeviceHistoryTimestamps(t *testing.T) {
	h := DeviceHistory{Time: []float64{1, 2.5}, Temperature: []float64{10, 11}}

	want := []time.Time{time.Unix(1, 0), time.Unix(2, int64(500*time.Millisecond))}
	if diff := cmp.Diff(want, h.Timestamps()); diff != "" {
		t.Fatalf("timestamps mismatch (-want +got):\n%s", diff)
	}
}

func TestActionListDecode(t *testing.T) {
	raw := `{"result":"ok","actions":{"LINEAR_RAMP":{"name":"LINEAR_RAMP","display_name":"Ramp","status_word":"Ramping",
		"description":"Linearly ramp.","params_desc":[["TARGET_TEMP","Target temperature."],["RATE","Rate."]],
		"need_device":true,"standalone":true,"attention_level":1}}}`

	var list ActionList
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}

	ramp := list.Actions["LINEAR_RAMP"]
	want := []ParamDesc{{Name: "TARGET_TEMP", Description: "Target temperature."}, {Name: "RATE", Description: "Rate."}}
	if diff := cmp.Diff(want, ramp.ParamsDesc); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}
	if ramp.AttentionLevel != AttentionHigh {
		t.Fatalf("expected high attention")
	}

	encoded, err := json.Marshal(ramp.ParamsDesc[0])
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(encoded) != `["TARGET_TEMP","Target temperature."]` {
		t.Fatalf("unexpected encoding %s", encoded)
	}
}

func TestProgramValidateAndDevices(t *testing.T) {
	p := Program{
		Name: "anneal",
		Steps: [][]Action{
			{{Action: "CHANGE", Device: "oven", Params: map[string]any{"SETPOINT": "80"}}},
			{{Action: "SOAK", Device: "oven", Params: map[string]any{"TIME": "30"}}, {Action: "CHANGE", Device: "chiller"}},
			{{Action: "LOOP", Params: map[string]any{"GOTO": "1", "TIMES": "2"}}},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if diff := cmp.Diff([]string{"chiller", "oven"}, p.Devices()); diff != "" {
		t.Fatalf("devices mismatch (-want +got):\n%s", diff)
	}

	if err := (Program{Name: "empty"}).Validate(); err == nil {
		t.Fatalf("expected error for a program without steps")
	}
	if err := (Program{Steps: [][]Action{{{Device: "oven"}}}}).Validate(); err == nil {
		t.Fatalf("expected error for an unnamed action")
	}
}
