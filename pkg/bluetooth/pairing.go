package bluetooth

import (
	"context"
	"fmt"
)

// PairingError wraps a non-success pairing outcome.
type PairingError struct {
	Inner error
}

func (e *PairingError) Error() string {
	return fmt.Sprintf("PairingFailed: %v", e.Inner)
}

func (e *PairingError) Unwrap() error { return e.Inner }

// ConnectError wraps a backend connect failure.
type ConnectError struct {
	Inner error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ConnectFailed: %v", e.Inner)
}

func (e *ConnectError) Unwrap() error { return e.Inner }

// PairingBackend is the OS pairing workflow. Implementations either drive
// pairing explicitly (host-mediated) or report it as part of connect
// (OS-managed).
type PairingBackend interface {
	// Name identifies the backend in logs.
	Name() string

	// OSManaged reports whether the OS negotiates pairing implicitly
	// during connect. When true, Pair is never called.
	OSManaged() bool

	// Paired probes the OS bond state of the peripheral.
	Paired(ctx context.Context, uuid string) (bool, error)

	// Pair bonds with the peripheral. emit delivers pairing notifications
	// (PIN confirmations) raised while the workflow is in flight.
	Pair(ctx context.Context, uuid string, emit func(NotificationEvent)) error

	// Unpair removes the bond. It reports false when the platform offers
	// no unpair operation.
	Unpair(ctx context.Context, uuid string) (bool, error)
}

// OSManagedPairing is the opaque pairing backend for platforms where the
// OS bonds as a side effect of connecting (macOS CoreBluetooth).
type OSManagedPairing struct{}

// Name implements PairingBackend.
func (OSManagedPairing) Name() string { return "os" }

// OSManaged implements PairingBackend.
func (OSManagedPairing) OSManaged() bool { return true }

// Paired implements PairingBackend. The OS exposes no bond state; the
// handshake establishes it.
func (OSManagedPairing) Paired(ctx context.Context, uuid string) (bool, error) {
	return false, nil
}

// Pair implements PairingBackend. Never invoked for OS-managed backends.
func (OSManagedPairing) Pair(ctx context.Context, uuid string, emit func(NotificationEvent)) error {
	return nil
}

// Unpair implements PairingBackend. No unpair operation exists.
func (OSManagedPairing) Unpair(ctx context.Context, uuid string) (bool, error) {
	return false, nil
}
