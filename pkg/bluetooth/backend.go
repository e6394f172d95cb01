// Package bluetooth implements the adapter and device coordinator that
// bridges WebSocket sessions to a shared BLE central. It owns the device
// registry, the pairing/connect/subscribe handshake and the per-session
// event fanout; the OS BLE surface itself is abstracted behind the
// CentralBackend and PairingBackend interfaces.
package bluetooth

import (
	"context"
	"errors"
)

// GATT identifiers of the supported hardware wallets.
const (
	// ServiceUUID is the advertised service all supported devices carry.
	ServiceUUID = "8c000001-a59b-4d58-a9ad-073df69fa1b1"

	// CharacteristicRX is the write characteristic of the service.
	CharacteristicRX = "8c000002-a59b-4d58-a9ad-073df69fa1b1"

	// ManufacturerDataKey is the manufacturer id carrying device attributes.
	ManufacturerDataKey uint16 = 0xFFFF

	// WriteBufferSize is the fixed outgoing characteristic write size.
	// Payloads are zero-padded up to it and rejected above it.
	WriteBufferSize = 244

	// NameFilter gates registry insertion: only peripherals whose local
	// name contains it are tracked.
	NameFilter = "Trezor"
)

// Common errors surfaced to sessions.
var (
	ErrAdapterDisabled    = errors.New("AdapterDisabled")
	ErrDeviceNotFound     = errors.New("DeviceNotFound")
	ErrPeripheralNotFound = errors.New("PeripheralNotFound")
	ErrDeviceNotConnected = errors.New("DeviceNotConnected")
	ErrTimeout            = errors.New("Timeout")
	ErrDisconnected       = errors.New("Disconnected")
	ErrPayloadTooLarge    = errors.New("PayloadTooLarge")
)

// AdapterState is the power state of the OS adapter.
type AdapterState int

const (
	StateUnknown AdapterState = iota
	StatePoweredOff
	StatePoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case StatePoweredOn:
		return "powered_on"
	case StatePoweredOff:
		return "powered_off"
	default:
		return "unknown"
	}
}

// CentralEventKind enumerates the central events the backend reports.
type CentralEventKind int

const (
	EventStateUpdate CentralEventKind = iota
	EventDeviceDiscovered
	EventDeviceUpdated
	EventDeviceConnected
	EventDeviceDisconnected
	EventServicesAdvertisement
	EventServiceDataAdvertisement
	EventManufacturerDataAdvertisement
)

func (k CentralEventKind) String() string {
	switch k {
	case EventStateUpdate:
		return "state_update"
	case EventDeviceDiscovered:
		return "device_discovered"
	case EventDeviceUpdated:
		return "device_updated"
	case EventDeviceConnected:
		return "device_connected"
	case EventDeviceDisconnected:
		return "device_disconnected"
	case EventServicesAdvertisement:
		return "services_advertisement"
	case EventServiceDataAdvertisement:
		return "service_data_advertisement"
	case EventManufacturerDataAdvertisement:
		return "manufacturer_data_advertisement"
	default:
		return "unknown"
	}
}

// CentralEvent is one event from the backend's central event stream.
type CentralEvent struct {
	Kind CentralEventKind

	// PeripheralID identifies the peripheral for device events.
	PeripheralID string

	// State carries the new power state for EventStateUpdate.
	State AdapterState
}

// ScanFilter narrows an advertisement scan. An empty filter accepts all.
type ScanFilter struct {
	Services []string
}

// CharProps is the property bitmask of a GATT characteristic.
type CharProps uint8

const (
	CharRead CharProps = 1 << iota
	CharWriteWithoutResponse
	CharWrite
	CharNotify
	CharIndicate
)

// Contains reports whether all properties in p are set.
func (c CharProps) Contains(p CharProps) bool {
	return c&p == p
}

// Characteristic describes one characteristic of a discovered service.
type Characteristic struct {
	UUID  string
	Props CharProps
}

// Properties is the advertisement-derived state of a peripheral.
type Properties struct {
	LocalName        string
	RSSI             int16
	ManufacturerData map[uint16][]byte
}

// Notification is one value received on a subscribed characteristic.
type Notification struct {
	CharUUID string
	Value    []byte
}

// Peripheral is the backend handle of a single remote device.
//
// Handles may be stateless snapshots (a fresh handle per lookup) or cached
// references, depending on the platform; callers must not assume identity
// across lookups.
type Peripheral interface {
	// ID returns the opaque peripheral id, stable within a process run.
	ID() string

	// Properties reads the current advertisement properties.
	Properties(ctx context.Context) (Properties, error)

	// IsConnected reports the OS view of the link state.
	IsConnected(ctx context.Context) (bool, error)

	// Connect establishes the link if not already up.
	Connect(ctx context.Context) error

	// Disconnect tears the link down.
	Disconnect(ctx context.Context) error

	// DiscoverServices performs GATT discovery on the connected peripheral.
	DiscoverServices(ctx context.Context) error

	// Characteristics lists characteristics found by DiscoverServices.
	Characteristics() []Characteristic

	// Subscribe enables notifications on the characteristic.
	Subscribe(ctx context.Context, c Characteristic) error

	// Unsubscribe disables notifications on the characteristic.
	Unsubscribe(ctx context.Context, c Characteristic) error

	// WriteWithoutResponse writes the buffer without acknowledgement.
	WriteWithoutResponse(ctx context.Context, c Characteristic, data []byte) error

	// Notifications returns the stream of subscribed characteristic values.
	// The channel closes when the link drops.
	Notifications(ctx context.Context) (<-chan Notification, error)
}

// Adapter is one OS BLE controller.
type Adapter interface {
	// State reads the adapter power state.
	State(ctx context.Context) (AdapterState, error)

	// Info returns a human-readable adapter description.
	Info(ctx context.Context) (string, error)

	// StartScan begins advertisement scanning with the filter.
	StartScan(ctx context.Context, filter ScanFilter) error

	// StopScan ends advertisement scanning. Safe to call when idle.
	StopScan(ctx context.Context) error

	// Events returns the lazy central event stream. The stream is bound to
	// the adapter and keeps producing across power cycles.
	Events(ctx context.Context) (<-chan CentralEvent, error)

	// Peripheral resolves a handle by id.
	Peripheral(ctx context.Context, id string) (Peripheral, error)

	// Peripherals lists all peripherals the adapter currently knows.
	Peripherals(ctx context.Context) ([]Peripheral, error)
}

// CentralBackend is the platform BLE surface.
//
// Platform semantics the coordinator tolerates: Adapters may return a new
// stateless handle each call or a cached reference, and a powered-off
// controller may surface either as an empty list, an error, or an adapter
// whose State reports StatePoweredOff.
type CentralBackend interface {
	Adapters(ctx context.Context) ([]Adapter, error)

	// ScanFilterBroken reports whether the platform mishandles service
	// filters; when true, scans run unfiltered.
	ScanFilterBroken() bool
}
