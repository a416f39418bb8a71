package transport

import "log/slog"

// connLogger tags records with the socket kind and the remote address.
func connLogger(kind, target string) *slog.Logger {
	return slog.With("component", "transport", "transport", kind, "target", target)
}
