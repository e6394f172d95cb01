package bluetooth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Device is the registry record of one tracked peripheral. Identity and
// advertisement-derived attributes are fixed at discovery; connection,
// pairing, manufacturer data, rssi and timestamp mutate under the lock.
type Device struct {
	uuid          string
	name          string
	pairingMode   bool
	modelVariant  uint8
	internalModel uint8

	mu        sync.Mutex
	connected bool
	paired    bool
	data      []byte
	timestamp uint64
	rssi      int16
}

// DeviceInfo is the wire snapshot of a Device embedded in responses and
// notifications.
type DeviceInfo struct {
	Connected     bool      `json:"connected"`
	Paired        bool      `json:"paired"`
	PairingMode   bool      `json:"pairing_mode"`
	Name          string    `json:"name"`
	Data          ByteArray `json:"data"`
	InternalModel uint8     `json:"internal_model"`
	ModelVariant  uint8     `json:"model_variant"`
	UUID          string    `json:"uuid"`
	Timestamp     uint64    `json:"timestamp"`
	RSSI          int16     `json:"rssi"`
}

func now() uint64 {
	return uint64(time.Now().Unix())
}

// NewDevice builds a Device from the peripheral's current properties.
// The caller has already applied the name filter.
func NewDevice(ctx context.Context, p Peripheral, paired bool) (*Device, error) {
	props, err := p.Properties(ctx)
	if err != nil {
		return nil, err
	}
	if props.LocalName == "" {
		return nil, errors.New("peripheral has no local name")
	}

	connected, _ := p.IsConnected(ctx)

	data := props.ManufacturerData[ManufacturerDataKey]
	d := &Device{
		uuid:      p.ID(),
		name:      props.LocalName,
		connected: connected,
		paired:    paired,
		data:      append([]byte(nil), data...),
		timestamp: now(),
		rssi:      props.RSSI,
	}
	if len(data) > 0 {
		d.pairingMode = data[0] == 1
	}
	if len(data) > 1 {
		d.modelVariant = data[1]
	}
	if len(data) > 2 {
		d.internalModel = data[2]
	}
	return d, nil
}

// UUID returns the peripheral id the device was created from.
func (d *Device) UUID() string { return d.uuid }

// Name returns the advertised local name captured at discovery.
func (d *Device) Name() string { return d.name }

// Timestamp returns the last refresh time in seconds since epoch.
func (d *Device) Timestamp() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timestamp
}

// Connected reports the tracked connection state.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Paired reports the tracked pairing state.
func (d *Device) Paired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paired
}

// UpdateProperties refreshes timestamp, rssi and manufacturer data from a
// fresh read of the peripheral. It reports true when the manufacturer data
// changed; a change is detected by length only, which is the established
// advertisement signal of these devices.
func (d *Device) UpdateProperties(ctx context.Context, p Peripheral) (bool, error) {
	props, err := p.Properties(ctx)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.timestamp = now()
	d.rssi = props.RSSI

	if newData, ok := props.ManufacturerData[ManufacturerDataKey]; ok {
		if len(d.data) != len(newData) {
			d.data = append([]byte(nil), newData...)
			return true, nil
		}
	}
	return false, nil
}

// UpdateConnection re-reads the link state from the peripheral handle and
// stores it. A nil handle means the peripheral is gone and marks the device
// disconnected. A live link also marks the device paired: the handshake
// only completes on paired links.
func (d *Device) UpdateConnection(ctx context.Context, p Peripheral) {
	connected := false
	if p != nil {
		connected, _ = p.IsConnected(ctx)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = connected
	if connected {
		d.paired = true
	}
}

// SetPaired records the outcome of an explicit pairing workflow.
func (d *Device) SetPaired(paired bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paired = paired
}

// Snapshot returns a defensive copy suitable for a notification payload.
func (d *Device) Snapshot() DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceInfo{
		Connected:     d.connected,
		Paired:        d.paired,
		PairingMode:   d.pairingMode,
		Name:          d.name,
		Data:          append(ByteArray(nil), d.data...),
		InternalModel: d.internalModel,
		ModelVariant:  d.modelVariant,
		UUID:          d.uuid,
		Timestamp:     d.timestamp,
		RSSI:          d.rssi,
	}
}
