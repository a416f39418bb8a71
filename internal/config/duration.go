package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration persisted as a Go duration string ("5s", "1m30s").
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return d.parse(text)
	}

	// Bare numbers are milliseconds.
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", string(raw))
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)

	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		var ms int64
		if err := node.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)

		return nil
	}

	return d.parse(node.Value)
}

func (d *Duration) parse(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		*d = 0

		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)

	return nil
}
