package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// ApplicationError is a server-side failure reported in a response outcome.
type ApplicationError struct {
	Kind    string
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server returned an error", e.Kind)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Outcome is embedded in every response.
type Outcome struct {
	Result   string `json:"result"`
	ErrorMsg string `json:"error_msg,omitempty"`
}

// Err returns an *ApplicationError unless the result is "ok".
func (o Outcome) Err(kind string) error {
	if o.Result == ResultOK {
		return nil
	}

	return &ApplicationError{Kind: kind, Message: o.ErrorMsg}
}

// DeviceStatus is one controller's reading. Temperature and Setpoint are nil
// when the device could not be read.
type DeviceStatus struct {
	Name           string   `json:"name"`
	Temperature    *float64 `json:"temperature"`
	ControlEnabled bool     `json:"control_enabled"`
	CurrentProgram string   `json:"current_program"`
	CurrentAction  string   `json:"current_action"`
	Setpoint       *float64 `json:"setpoint"`
	Status         string   `json:"status"`
	ErrorMsg       string   `json:"error_msg,omitempty"`
}

// StatusReport maps device names to their latest status. It is the payload of
// status_available events and request_status responses.
type StatusReport struct {
	Outcome
	Status map[string]DeviceStatus `json:"status"`
	// ReceivedAt is the local receive time, not part of the wire format.
	ReceivedAt time.Time `json:"-"`
}

// DeviceNames returns the reported device names in sorted order.
func (r StatusReport) DeviceNames() []string {
	names := make([]string, 0, len(r.Status))
	for name := range r.Status {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Temperatures returns the readable temperatures keyed by device name.
func (r StatusReport) Temperatures() map[string]float64 {
	out := make(map[string]float64, len(r.Status))
	for name, status := range r.Status {
		if status.Temperature == nil {
			continue
		}
		out[name] = *status.Temperature
	}

	return out
}

// DeviceHistory is the bulk history of one device. Times are unix seconds.
type DeviceHistory struct {
	Time        []float64 `json:"time"`
	Temperature []float64 `json:"temperature"`
}

// Timestamps converts the unix-second stamps to time values.
func (h DeviceHistory) Timestamps() []time.Time {
	out := make([]time.Time, len(h.Time))
	for i, secs := range h.Time {
		whole, frac := math.Modf(secs)
		out[i] = time.Unix(int64(whole), int64(frac*float64(time.Second)))
	}

	return out
}

// HistoryDump is the fetch_history response.
type HistoryDump struct {
	Outcome
	Data map[string]DeviceHistory `json:"data"`
}

// ParamDesc describes one action parameter. It travels as a [name, description] pair.
type ParamDesc struct {
	Name        string
	Description string
}

func (p ParamDesc) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.Name, p.Description})
}

func (p *ParamDesc) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode action parameter: %w", err)
	}
	if len(pair) > 0 {
		p.Name = pair[0]
	}
	if len(pair) > 1 {
		p.Description = pair[1]
	}

	return nil
}

type AttentionLevel int

const (
	AttentionLow  AttentionLevel = 0
	AttentionHigh AttentionLevel = 1
)

// ActionDefinition describes an action a program step may run.
type ActionDefinition struct {
	Name           string         `json:"name"`
	DisplayName    string         `json:"display_name"`
	StatusWord     string         `json:"status_word"`
	Description    string         `json:"description"`
	ParamsDesc     []ParamDesc    `json:"params_desc"`
	NeedDevice     bool           `json:"need_device"`
	Standalone     bool           `json:"standalone"`
	AttentionLevel AttentionLevel `json:"attention_level"`
}

type ActionList struct {
	Outcome
	Actions map[string]ActionDefinition `json:"actions"`
}

type ProgramSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ProgramList struct {
	Outcome
	Programs []ProgramSummary `json:"programs"`
}

type CurrentPrograms struct {
	Outcome
	CurrentPrograms []string `json:"current_programs"`
}

// Action is one step entry of a program. Device is empty for actions that do
// not need one.
type Action struct {
	Action string         `json:"action"`
	Device string         `json:"device,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Program is a list of steps; the actions of a step run together. The server
// names unnamed programs itself.
type Program struct {
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Steps       [][]Action `json:"steps"`
}

// Validate checks the program before it is sent.
func (p Program) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("program %q has no steps", p.Name)
	}
	for i, step := range p.Steps {
		if len(step) == 0 {
			return fmt.Errorf("program %q: step %d is empty", p.Name, i+1)
		}
		for _, action := range step {
			if action.Action == "" {
				return fmt.Errorf("program %q: step %d has an action without a name", p.Name, i+1)
			}
		}
	}

	return nil
}

// Devices returns the devices the program occupies, in first-use order.
func (p Program) Devices() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, step := range p.Steps {
		for _, action := range step {
			if action.Device == "" {
				continue
			}
			if _, ok := seen[action.Device]; ok {
				continue
			}
			seen[action.Device] = struct{}{}
			out = append(out, action.Device)
		}
	}

	return out
}

// RunProgramResult is the run_program response; Name is the server-assigned
// name when the request had none.
type RunProgramResult struct {
	Outcome
	Name string `json:"name"`
}

// ControlChanged signals that programs or device control changed server-side.
type ControlChanged struct {
	At time.Time
}
