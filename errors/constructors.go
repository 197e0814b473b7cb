package errors

import (
	"fmt"
	"time"
)

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *DaasError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *DaasError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// SessionAlreadyActive rejects a submission while another session is active.
func SessionAlreadyActive(sessionID, tool string) *DaasError {
	return New(ErrCodeSessionAlreadyActive,
		fmt.Sprintf("there is already an existing active session for %s", tool)).
		WithDetail("sessionId", sessionID).
		WithDetail("tool", tool)
}

// NoInstances rejects a submission without target instances.
func NoInstances() *DaasError {
	return New(ErrCodeNoInstances, "at least one instance must be specified").
		WithDetail("field", "instances")
}

// ToolNotSpecified rejects a submission without a tool name.
func ToolNotSpecified() *DaasError {
	return New(ErrCodeToolNotSpecified, "please specify a valid diagnostic tool to run").
		WithDetail("field", "tool")
}

// UnknownTool rejects a submission naming an unregistered tool.
func UnknownTool(tool string) *DaasError {
	return New(ErrCodeUnknownTool, fmt.Sprintf("invalid diagnostic tool '%s'", tool)).
		WithDetail("tool", tool)
}

// StorageNotConfigured rejects a submission for a storage-backed tool when no
// blob storage is configured.
func StorageNotConfigured(tool, setting string) *DaasError {
	return New(ErrCodeStorageNotConfigured,
		fmt.Sprintf("the tool '%s' requires that the %s setting must be specified", tool, setting)).
		WithDetail("tool", tool).
		WithDetail("setting", setting)
}

// UnsupportedComputeMode rejects submissions on non-dedicated compute.
func UnsupportedComputeMode(mode string) *DaasError {
	return New(ErrCodeUnsupportedComputeMode,
		fmt.Sprintf("diagnostic sessions are only supported on dedicated compute (current mode: %s)", mode)).
		WithDetail("computeMode", mode)
}

// DailyLimitExceeded rejects an automated submission over the daily cap.
func DailyLimitExceeded(limit int) *DaasError {
	return New(ErrCodeDailyLimitExceeded,
		fmt.Sprintf("the limit of maximum number of sessions (%d per day) has been reached. "+
			"Either disable the automation rule, delete existing sessions or increase "+
			"limits.max_sessions_per_day in the daas configuration", limit)).
		WithDetail("limit", limit).
		WithDetail("setting", "limits.max_sessions_per_day")
}

// WindowLimitExceeded rejects an automated submission over the rolling-window cap.
func WindowLimitExceeded(limit int, window time.Duration) *DaasError {
	return New(ErrCodeWindowLimitExceeded,
		fmt.Sprintf("to avoid impact to the application and disk space, a new session request is rejected "+
			"as a total of %d sessions were submitted in the last %s. Either disable the automation rule, "+
			"delete existing sessions or increase limits.max_sessions_in_period and limits.period "+
			"in the daas configuration", limit, window)).
		WithDetail("limit", limit).
		WithDetail("window", window.String()).
		WithDetail("setting", "limits.max_sessions_in_period")
}

// SessionNotFound creates a session not found error
func SessionNotFound(sessionID string) *DaasError {
	return New(ErrCodeSessionNotFound, fmt.Sprintf("session %s does not exist", sessionID)).
		WithDetail("sessionId", sessionID)
}

// RunnerAlreadyRunning reports a second runner on the same instance.
func RunnerAlreadyRunning(pid int) *DaasError {
	return New(ErrCodeRunnerAlreadyRunning, fmt.Sprintf("runner already running with PID %d", pid)).
		WithDetail("pid", pid)
}
