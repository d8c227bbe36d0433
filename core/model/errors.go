package model

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed device, schedule or override definition.
// It is returned synchronously at the mutation boundary.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrUnknownState is returned when a device state cannot be determined.
var ErrUnknownState = errors.New("device state unknown")

// DeviceCommunicationError wraps a failed status read or control write.
type DeviceCommunicationError struct {
	DeviceID string
	Op       string
	Err      error
}

func (e *DeviceCommunicationError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.DeviceID, e.Op, e.Err)
}

func (e *DeviceCommunicationError) Unwrap() error { return e.Err }
