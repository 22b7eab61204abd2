package rot2prog

import (
	"fmt"
)

// ValidationError reports a position rejected before anything was sent.
type ValidationError struct {
	// Field is "azimuth", "elevation" or "bounds".
	Field string
	Value float64
	// Limit is the bound that was violated.
	Limit float64
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// TransportError reports a failure of the underlying link.
type TransportError struct {
	Op     string
	Target string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a reply that could not be decoded, or that did
// not arrive in full.
type ProtocolError struct {
	Command Command
	Msg     string
	// Received is the number of reply bytes that arrived.
	Received int
	Frame    []byte
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Command, e.Msg, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Command, e.Msg)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ConnectionError reports a target that could not be opened. When
// retargeting, Previous names the link the controller fell back to and
// Fallback holds the error reopening it, if that failed too.
type ConnectionError struct {
	Target   string
	Previous string
	Err      error
	Fallback error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("connecting to %s: %v", e.Target, e.Err)
	switch {
	case e.Previous == "":
	case e.Fallback != nil:
		msg += fmt.Sprintf("; reopening %s: %v", e.Previous, e.Fallback)
	default:
		msg += fmt.Sprintf("; still using %s", e.Previous)
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
