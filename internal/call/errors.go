package call

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState  = errors.New("operation not valid in current state")
	ErrSessionClosed = errors.New("session closed")
	ErrBusy          = errors.New("a call is already active for this conversation")
)

type PermissionKind int

const (
	PermissionDenied PermissionKind = iota + 1
	PermissionNotFound
	PermissionBusy
)

func (k PermissionKind) String() string {
	switch k {
	case PermissionDenied:
		return "denied"
	case PermissionNotFound:
		return "not-found"
	case PermissionBusy:
		return "device-busy"
	default:
		return "unknown"
	}
}

// PermissionError reports why local media could not be acquired.
// It never moves a session; the user retries explicitly.
type PermissionError struct {
	Kind PermissionKind
	Err  error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media permission: %s", e.Kind)
	}
	return fmt.Sprintf("media permission: %s: %v", e.Kind, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// IsPermission reports whether err carries a *PermissionError.
func IsPermission(err error) (*PermissionError, bool) {
	var pe *PermissionError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
