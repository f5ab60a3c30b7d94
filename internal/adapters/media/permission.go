package media

import (
	"errors"
	"os"
	"strings"
	"syscall"

	"github.com/dkeye/Call/internal/call"
)

// Classify turns a capture failure into a *call.PermissionError when it is one
// of denied, not-found or busy. Other errors come back unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := call.IsPermission(err); ok {
		return err
	}
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return &call.PermissionError{Kind: call.PermissionDenied, Err: err}
	case errors.Is(err, syscall.EBUSY):
		return &call.PermissionError{Kind: call.PermissionBusy, Err: err}
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOENT):
		return &call.PermissionError{Kind: call.PermissionNotFound, Err: err}
	}

	// drivers often report through plain strings
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not allowed"):
		return &call.PermissionError{Kind: call.PermissionDenied, Err: err}
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return &call.PermissionError{Kind: call.PermissionBusy, Err: err}
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "not found"), strings.Contains(msg, "no such device"):
		return &call.PermissionError{Kind: call.PermissionNotFound, Err: err}
	}
	return err
}
