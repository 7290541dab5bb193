package gradchat

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ============================================================================
// Error taxonomy
// ============================================================================

var (
	// ErrNetwork is a transient transport failure.
	ErrNetwork = errors.New("gradchat: network error")
	// ErrAuthExpired means the caller must re-authenticate.
	ErrAuthExpired = errors.New("gradchat: authentication expired")
	// ErrValidation is returned before any network call for bad input.
	ErrValidation = errors.New("gradchat: validation failed")
	// ErrSuspended is returned by Send while the room is suspended.
	ErrSuspended = errors.New("gradchat: room is suspended")
	// ErrNotFound means the room no longer exists.
	ErrNotFound = errors.New("gradchat: not found")

	ErrSessionClosed  = errors.New("gradchat: session is closed")
	ErrNotReady       = errors.New("gradchat: session is not ready")
	ErrLoadInProgress = errors.New("gradchat: older page already loading")
	ErrNoMoreHistory  = errors.New("gradchat: no older messages")
	ErrUnknownMessage = errors.New("gradchat: unknown message")
)

// SuspendedError carries the moderation reason of a rejected send.
type SuspendedError struct {
	RoomID string
	Reason string
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("room %s is suspended: %s", e.RoomID, e.Reason)
}

func (e *SuspendedError) Is(target error) bool { return target == ErrSuspended }

// ValidationError describes an input rejected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NetworkError wraps a transport failure for operation Op.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// classifyAPIError maps an HTTP status and API error code to a taxonomy sentinel.
func classifyAPIError(status int, apiErr *APIError) error {
	code := ""
	if apiErr != nil {
		code = strings.ToUpper(apiErr.Code)
	}
	switch {
	case code == "AUTH_EXPIRED" || code == "UNAUTHORIZED" || status == http.StatusUnauthorized:
		return ErrAuthExpired
	case code == "ROOM_SUSPENDED" || code == "SUSPENDED" || status == http.StatusForbidden:
		return ErrSuspended
	case code == "NOT_FOUND" || status == http.StatusNotFound:
		return ErrNotFound
	case code == "VALIDATION" || code == "INVALID_INPUT" ||
		status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrValidation
	case strings.Contains(code, "TIMEOUT") || strings.Contains(code, "NETWORK") ||
		status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return ErrNetwork
	}
	return nil
}

// IsRetryable reports whether err is worth retrying by the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// isFinal reports whether reopening a feed after err cannot succeed without
// the caller stepping in.
func isFinal(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrNotFound)
}
