package errors

import (
	"fmt"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewNotFoundError creates a not-found error for a local record
func NewNotFoundError(entity string, id interface{}) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", entity)).
		WithContext("entity", entity).
		WithContext("id", id)
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewNetworkError wraps a failed remote store or signaling call. Network
// errors are always retryable: the sync cycle defers them to the next pass.
func NewNetworkError(endpoint string, err error) *AppError {
	return WrapRetryable(err, ErrCodeNetwork, "remote store unreachable").
		WithContext("endpoint", endpoint).
		WithUserMessage("Working offline; changes will sync when online")
}

// NewCloudAPIError creates an error for a structured backend rejection.
// 5xx, 408 and 429 responses are retryable.
func NewCloudAPIError(endpoint string, statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodeCloudAPI, fmt.Sprintf("cloud API call failed with status %d", statusCode)).
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
	appErr.Retryable = statusCode >= 500 || statusCode == 429 || statusCode == 408
	return appErr
}

// NewRoomNotReadyError is reported when the answerer joins a room that has
// no offer yet.
func NewRoomNotReadyError(roomCode string) *AppError {
	return New(ErrCodeRoomNotReady, "no offer in signaling room").
		WithContext("room_code", roomCode).
		WithUserMessage("The doctor has not started this call yet")
}

// NewPermissionDeniedError is reported when a session's role lacks the
// capability for an operation.
func NewPermissionDeniedError(role, action string) *AppError {
	return New(ErrCodePermissionDenied, fmt.Sprintf("role %s may not %s", role, action)).
		WithContext("role", role).
		WithContext("action", action).
		WithUserMessage("You don't have permission for this action")
}

// NewPermissionError is reported when local media devices are denied.
func NewPermissionError(err error) *AppError {
	return Wrap(err, ErrCodePermissionDenied, "media device access denied").
		WithUserMessage("Camera and microphone permission is required for video calls")
}

// NewStaleSessionError marks a payload from a superseded session. Callers
// drop these silently; the type exists so the drop can be asserted in tests.
func NewStaleSessionError(want, got string) *AppError {
	return New(ErrCodeStaleSession, "payload from superseded session").
		WithContext("active_session", want).
		WithContext("payload_session", got)
}
