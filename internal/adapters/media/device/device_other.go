//go:build !linux || !cgo

// Package device captures camera and microphone through pion/mediadevices.
package device

import (
	"context"
	"errors"

	"github.com/dkeye/Call/internal/call"
	"github.com/pion/webrtc/v4"
)

var ErrUnsupported = errors.New("device capture needs linux with cgo")

// Capturer is unavailable on this platform; calls run receive-only.
type Capturer struct{}

func New() (*Capturer, error) { return nil, ErrUnsupported }

func (c *Capturer) Populate(*webrtc.MediaEngine) {}

func (c *Capturer) Acquire(context.Context, bool) (call.Stream, error) {
	return nil, &call.PermissionError{Kind: call.PermissionNotFound, Err: ErrUnsupported}
}
