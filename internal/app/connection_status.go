package app

import (
	"fmt"
	"strings"

	"github.com/JQIamo/temperature-control-app/internal/connectors"
)

// InitialConnectionStatus is the status reported before the first discovery.
// Its target is the discovery endpoint.
func InitialConnectionStatus(discoveryURL string) connectors.ConnectionStatus {
	return connectors.ConnectionStatus{
		State:  connectors.ConnectionStateDisconnected,
		Target: discoveryURL,
	}
}

// DescribeConnectionStatus renders a status for logs and the terminal.
func DescribeConnectionStatus(status connectors.ConnectionStatus) string {
	state := string(status.State)
	if state == "" {
		state = "unknown"
	}

	var b strings.Builder
	b.WriteString(state)
	if target := strings.TrimSpace(status.Target); target != "" {
		fmt.Fprintf(&b, " %s", target)
	}
	if status.CloseCode != 0 {
		fmt.Fprintf(&b, " (close code %d)", status.CloseCode)
	}
	if errText := strings.TrimSpace(status.Err); errText != "" {
		fmt.Fprintf(&b, ": %s", errText)
	}

	return b.String()
}
