package domain

// Event kinds pushed by the control server.
const (
	KindStatusAvailable = "status_available"
	KindControlChanged  = "control_changed"
)

// Request kinds understood by the control server. Responses carry the same kind.
const (
	KindRequestStatus        = "request_status"
	KindFetchHistory         = "fetch_history"
	KindListActions          = "list_actions"
	KindListPrograms         = "list_programs"
	KindCurrentPrograms      = "current_programs"
	KindRunPredefinedProgram = "run_predefined_program"
	KindRunProgram           = "run_program"
	KindAbortProgram         = "abort_program"
	KindStandbyDevice        = "standby_device"
)

const (
	ResultOK    = "ok"
	ResultError = "error"
)
