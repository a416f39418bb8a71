package notifications

// Payload is one desktop notification. Urgent payloads use the platform's
// alert style (sound, sticky) where available.
type Payload struct {
	Title   string
	Content string
	Urgent  bool
}

// Sender delivers notifications; implementations must not block for long.
type Sender interface {
	Send(payload Payload)
}
