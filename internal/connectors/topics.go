package connectors

const (
	TopicConnStatus     = "conn.status"
	TopicDeviceStatus   = "telemetry.status"
	TopicHistory        = "telemetry.history"
	TopicControlChanged = "control.changed"
	TopicMalformedFrame = "frame.malformed"
	TopicCommandResult  = "command.result"
)
