package log

// Canonical field name constants for structured logging.
const (
	// Process / lifecycle fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPID       = "pid"
	FieldPort      = "port"
	FieldExitCode  = "exit_code"
	FieldSignal    = "signal"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldMode     = "mode"

	// Path / URL fields
	FieldPath    = "path"
	FieldBaseURL = "base_url"
	FieldEnvFile = "env_file"

	// HTTP fields
	FieldStatus    = "status"
	FieldOperation = "operation"
	FieldRetry     = "retry"

	// Auth fields
	FieldUserID = "user_id"
)
