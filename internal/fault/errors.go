package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrDeviceUnreachable means the call was attempted and the device could
	// not be reached in time. It is transient and retried per policy.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrCommandRejected means the device answered and refused the command.
	// It is never retried.
	ErrCommandRejected = errors.New("command rejected")

	// ErrCircuitOpen means no network attempt was made because the breaker
	// for the device is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// DeviceError attaches the device id to one of the sentinel errors above.
// errors.Is matches both the sentinel and the underlying cause.
type DeviceError struct {
	Cause    error
	Kind     error
	DeviceID string
}

func (e *DeviceError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("device %s: %v", e.DeviceID, e.Kind)
	}
	return fmt.Sprintf("device %s: %v: %v", e.DeviceID, e.Kind, e.Cause)
}

// Unwrap exposes both the classification and the cause.
func (e *DeviceError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Unreachable wraps cause as ErrDeviceUnreachable for deviceID.
func Unreachable(deviceID string, cause error) error {
	return &DeviceError{DeviceID: deviceID, Kind: ErrDeviceUnreachable, Cause: cause}
}

// Rejected wraps cause as ErrCommandRejected for deviceID.
func Rejected(deviceID string, cause error) error {
	return &DeviceError{DeviceID: deviceID, Kind: ErrCommandRejected, Cause: cause}
}

// CircuitOpen returns ErrCircuitOpen for deviceID.
func CircuitOpen(deviceID string) error {
	return &DeviceError{DeviceID: deviceID, Kind: ErrCircuitOpen}
}

// Classify maps an arbitrary error from a network call onto the taxonomy.
// Already classified errors are returned unchanged; timeouts, refused
// connections and other net errors become ErrDeviceUnreachable; anything
// else is treated as a rejection.
func Classify(deviceID string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDeviceUnreachable), errors.Is(err, ErrCommandRejected), errors.Is(err, ErrCircuitOpen):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return Unreachable(deviceID, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Unreachable(deviceID, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Unreachable(deviceID, err)
	}
	return Rejected(deviceID, err)
}

// Transient reports whether err is worth retrying.
// Context cancellation is never transient: the caller gave up.
func Transient(err error) bool {
	if err == nil || errors.Is(err, ErrCommandRejected) {
		return false
	}
	return errors.Is(err, ErrDeviceUnreachable) || errors.Is(err, ErrCircuitOpen)
}
