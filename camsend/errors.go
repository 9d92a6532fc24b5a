package camsend

import (
	"errors"
	"fmt"
)

var (
	ErrAssociationTimeout    = errors.New("association timeout")
	ErrChannelTimeout        = errors.New("broker round-trip timeout")
	ErrCaptureInitFault      = errors.New("capture device init fault")
	ErrCaptureTransient      = errors.New("capture fault")
	ErrMalformedRateSelector = errors.New("malformed rate selector")
	ErrWatchdogUnsupported   = errors.New("hardware watchdog unsupported")
)

// LinkError is returned by LinkManager when the network association could
// not be established.
type LinkError struct {
	SSID     string
	Attempts int
	Err      error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %q: %v after %d probes", e.SSID, e.Err, e.Attempts)
}

func (e *LinkError) Unwrap() error { return e.Err }

// ChannelError reports a control channel connect or subscribe failure.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("control channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// CaptureErrorKind classifies capture faults.
type CaptureErrorKind int

const (
	// CaptureInitFault: the device could not be initialised even after a
	// forced deinit/reinit cycle.
	CaptureInitFault CaptureErrorKind = iota
	// CaptureTransient: a steady-state capture call failed. The stream loop
	// treats it as fatal.
	CaptureTransient
)

func (k CaptureErrorKind) String() string {
	switch k {
	case CaptureInitFault:
		return "init_fault"
	case CaptureTransient:
		return "transient"
	default:
		return "unknown"
	}
}

type CaptureError struct {
	Kind CaptureErrorKind
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

func (e *CaptureError) Is(target error) bool {
	switch target {
	case ErrCaptureInitFault:
		return e.Kind == CaptureInitFault
	case ErrCaptureTransient:
		return e.Kind == CaptureTransient
	}
	return false
}

// TransportError reports a frame transport failure. Send failures are never
// fatal to the stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DiagnosticsError reports a failed temperature sample.
type DiagnosticsError struct {
	Err error
}

func (e *DiagnosticsError) Error() string {
	return fmt.Sprintf("diagnostics: %v", e.Err)
}

func (e *DiagnosticsError) Unwrap() error { return e.Err }
