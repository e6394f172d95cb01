// Package tinygoble implements the production CentralBackend on top of
// tinygo.org/x/bluetooth, with adapter power tracking over the BlueZ D-Bus
// properties where available.
package tinygoble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	tinygo "tinygo.org/x/bluetooth"

	"github.com/commatea/BleX-Bridge/pkg/bluetooth"
	"github.com/commatea/BleX-Bridge/pkg/logger"
)

// eventBuffer bounds the central event stream. The pump normally drains
// faster than advertisements arrive; on overflow the incoming event is
// dropped (a later sighting repeats it).
const eventBuffer = 256

// Backend is the tinygo-based CentralBackend. The library exposes one
// default adapter; Adapters enables it lazily and returns at most one
// handle.
type Backend struct {
	log *logger.Logger

	mu          sync.Mutex
	enabled     bool
	events      chan bluetooth.CentralEvent
	peripherals map[string]*peripheral
	scanFilter  bluetooth.ScanFilter
	scanning    bool

	adapter *tinygo.Adapter
	bus     *dbus.Conn
}

// New creates the backend. Nothing touches the OS until Adapters is
// called.
func New(log *logger.Logger) *Backend {
	return &Backend{
		log:         log,
		events:      make(chan bluetooth.CentralEvent, eventBuffer),
		peripherals: make(map[string]*peripheral),
		adapter:     tinygo.DefaultAdapter,
	}
}

// ScanFilterBroken implements bluetooth.CentralBackend. Filtering is done
// host-side in the scan callback, so the service filter behaves.
func (b *Backend) ScanFilterBroken() bool { return false }

// Adapters implements bluetooth.CentralBackend. A powered-off or absent
// controller surfaces as an error from Enable, which the coordinator
// treats as "no adapter yet".
func (b *Backend) Adapters(ctx context.Context) ([]bluetooth.Adapter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled {
		if err := b.adapter.Enable(); err != nil {
			return nil, fmt.Errorf("enable BLE adapter: %w", err)
		}
		b.enabled = true
		b.adapter.SetConnectHandler(b.onConnectChange)
		b.watchPowerState()
	}
	return []bluetooth.Adapter{&adapterHandle{backend: b}}, nil
}

// emit pushes a central event without blocking the radio callbacks.
func (b *Backend) emit(event bluetooth.CentralEvent) {
	select {
	case b.events <- event:
	default:
		b.log.Warn("Central event buffer full, dropping", "kind", event.Kind)
	}
}

// onConnectChange reacts to OS link changes. Connect events are informative
// only; disconnects clear the cached device handle so IsConnected turns
// false before the coordinator re-reads state.
func (b *Backend) onConnectChange(device tinygo.Device, connected bool) {
	id := device.Address.String()

	b.mu.Lock()
	p := b.peripherals[id]
	b.mu.Unlock()

	if p != nil && !connected {
		p.clearDevice()
	}

	kind := bluetooth.EventDeviceConnected
	if !connected {
		kind = bluetooth.EventDeviceDisconnected
	}
	b.emit(bluetooth.CentralEvent{Kind: kind, PeripheralID: id})
}

// watchPowerState follows the BlueZ Powered property and forwards changes
// as StateUpdate events. Best effort: without a system bus the adapter is
// assumed powered while enabled.
func (b *Backend) watchPowerState() {
	bus, err := dbus.SystemBus()
	if err != nil {
		b.log.Debug("No system bus, power state tracking disabled", "error", err)
		return
	}
	b.bus = bus

	err = bus.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath("/org/bluez/hci0"),
	)
	if err != nil {
		b.log.Debug("Power state match failed", "error", err)
		return
	}

	signals := make(chan *dbus.Signal, 16)
	bus.Signal(signals)
	go func() {
		for sig := range signals {
			if len(sig.Body) < 2 {
				continue
			}
			iface, _ := sig.Body[0].(string)
			if iface != "org.bluez.Adapter1" {
				continue
			}
			changed, _ := sig.Body[1].(map[string]dbus.Variant)
			v, ok := changed["Powered"]
			if !ok {
				continue
			}
			powered, _ := v.Value().(bool)
			state := bluetooth.StatePoweredOff
			if powered {
				state = bluetooth.StatePoweredOn
			}
			b.emit(bluetooth.CentralEvent{Kind: bluetooth.EventStateUpdate, State: state})
		}
	}()
}

// powered reads the BlueZ Powered property, defaulting to the enable state
// when D-Bus is unavailable.
func (b *Backend) powered() bluetooth.AdapterState {
	b.mu.Lock()
	bus := b.bus
	enabled := b.enabled
	b.mu.Unlock()

	if bus == nil {
		if enabled {
			return bluetooth.StatePoweredOn
		}
		return bluetooth.StatePoweredOff
	}
	obj := bus.Object("org.bluez", dbus.ObjectPath("/org/bluez/hci0"))
	v, err := obj.GetProperty("org.bluez.Adapter1.Powered")
	if err != nil {
		return bluetooth.StateUnknown
	}
	if powered, ok := v.Value().(bool); ok && powered {
		return bluetooth.StatePoweredOn
	}
	return bluetooth.StatePoweredOff
}

// onScanResult records a sighting and emits the discovery or update event.
func (b *Backend) onScanResult(result tinygo.ScanResult) {
	id := result.Address.String()

	mdata := make(map[uint16][]byte)
	for _, element := range result.AdvertisementPayload.ManufacturerData() {
		mdata[element.CompanyID] = append([]byte(nil), element.Data...)
	}
	props := bluetooth.Properties{
		LocalName:        result.LocalName(),
		RSSI:             result.RSSI,
		ManufacturerData: mdata,
	}

	b.mu.Lock()
	p, known := b.peripherals[id]
	if !known {
		p = newPeripheral(b, id, result.Address)
		b.peripherals[id] = p
	}
	b.mu.Unlock()

	p.setProperties(props)

	if known {
		b.emit(bluetooth.CentralEvent{Kind: bluetooth.EventDeviceUpdated, PeripheralID: id})
	} else {
		b.emit(bluetooth.CentralEvent{Kind: bluetooth.EventDeviceDiscovered, PeripheralID: id})
	}
}

// matchesFilter applies the service filter host-side.
func (b *Backend) matchesFilter(result tinygo.ScanResult) bool {
	b.mu.Lock()
	filter := b.scanFilter
	b.mu.Unlock()

	if len(filter.Services) == 0 {
		return true
	}
	for _, s := range filter.Services {
		uuid, err := tinygo.ParseUUID(s)
		if err != nil {
			continue
		}
		if result.AdvertisementPayload.HasServiceUUID(uuid) {
			return true
		}
	}
	return false
}

// adapterHandle adapts the single tinygo adapter to bluetooth.Adapter.
type adapterHandle struct {
	backend *Backend
}

func (a *adapterHandle) State(ctx context.Context) (bluetooth.AdapterState, error) {
	return a.backend.powered(), nil
}

func (a *adapterHandle) Info(ctx context.Context) (string, error) {
	return "hci0", nil
}

func (a *adapterHandle) StartScan(ctx context.Context, filter bluetooth.ScanFilter) error {
	b := a.backend

	b.mu.Lock()
	b.scanFilter = filter
	if b.scanning {
		b.mu.Unlock()
		return nil
	}
	b.scanning = true
	b.mu.Unlock()

	// Scan blocks until StopScan; run it off the caller.
	go func() {
		err := b.adapter.Scan(func(_ *tinygo.Adapter, result tinygo.ScanResult) {
			if b.matchesFilter(result) {
				b.onScanResult(result)
			}
		})
		if err != nil {
			b.log.Info("Scan ended", "error", err)
		}
		b.mu.Lock()
		b.scanning = false
		b.mu.Unlock()
	}()
	return nil
}

func (a *adapterHandle) StopScan(ctx context.Context) error {
	b := a.backend
	b.mu.Lock()
	scanning := b.scanning
	b.mu.Unlock()
	if !scanning {
		return nil
	}
	return b.adapter.StopScan()
}

func (a *adapterHandle) Events(ctx context.Context) (<-chan bluetooth.CentralEvent, error) {
	return a.backend.events, nil
}

func (a *adapterHandle) Peripheral(ctx context.Context, id string) (bluetooth.Peripheral, error) {
	b := a.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peripherals[id]
	if !ok {
		return nil, errors.New("peripheral not found")
	}
	return p, nil
}

func (a *adapterHandle) Peripherals(ctx context.Context) ([]bluetooth.Peripheral, error) {
	b := a.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bluetooth.Peripheral, 0, len(b.peripherals))
	for _, p := range b.peripherals {
		out = append(out, p)
	}
	return out, nil
}

// peripheral is the backend handle of one remote device.
type peripheral struct {
	backend *Backend
	id      string
	addr    tinygo.Address

	mu            sync.Mutex
	props         bluetooth.Properties
	device        *tinygo.Device
	chars         map[string]tinygo.DeviceCharacteristic
	notifications chan bluetooth.Notification
	subscribed    map[string]bool
}

func newPeripheral(b *Backend, id string, addr tinygo.Address) *peripheral {
	return &peripheral{
		backend:    b,
		id:         id,
		addr:       addr,
		chars:      make(map[string]tinygo.DeviceCharacteristic),
		subscribed: make(map[string]bool),
	}
}

func (p *peripheral) ID() string { return p.id }

func (p *peripheral) setProperties(props bluetooth.Properties) {
	p.mu.Lock()
	p.props = props
	p.mu.Unlock()
}

func (p *peripheral) clearDevice() {
	p.mu.Lock()
	p.device = nil
	p.mu.Unlock()
}

func (p *peripheral) Properties(ctx context.Context) (bluetooth.Properties, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	props := p.props
	props.ManufacturerData = make(map[uint16][]byte, len(p.props.ManufacturerData))
	for k, v := range p.props.ManufacturerData {
		props.ManufacturerData[k] = append([]byte(nil), v...)
	}
	return props, nil
}

func (p *peripheral) IsConnected(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device != nil, nil
}

func (p *peripheral) Connect(ctx context.Context) error {
	device, err := p.backend.adapter.Connect(p.addr, tinygo.ConnectionParams{})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.device = &device
	p.mu.Unlock()
	return nil
}

func (p *peripheral) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	device := p.device
	p.mu.Unlock()
	if device == nil {
		return nil
	}
	return device.Disconnect()
}

// DiscoverServices walks the advertised service and caches its
// characteristics. The library does not surface characteristic property
// flags on the central side, so flags follow the fixed GATT layout of the
// supported devices: the RX characteristic is writable, every other one
// notifies.
func (p *peripheral) DiscoverServices(ctx context.Context) error {
	p.mu.Lock()
	device := p.device
	p.mu.Unlock()
	if device == nil {
		return errors.New("device not connected")
	}

	services, err := device.DiscoverServices(nil)
	if err != nil {
		return err
	}

	chars := make(map[string]tinygo.DeviceCharacteristic)
	for _, service := range services {
		discovered, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return err
		}
		for _, ch := range discovered {
			chars[ch.UUID().String()] = ch
		}
	}

	p.mu.Lock()
	p.chars = chars
	p.mu.Unlock()
	return nil
}

func (p *peripheral) Characteristics() []bluetooth.Characteristic {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]bluetooth.Characteristic, 0, len(p.chars))
	for uuid := range p.chars {
		props := bluetooth.CharNotify
		if uuid == bluetooth.CharacteristicRX {
			props = bluetooth.CharWrite | bluetooth.CharWriteWithoutResponse
		}
		out = append(out, bluetooth.Characteristic{UUID: uuid, Props: props})
	}
	return out
}

func (p *peripheral) characteristic(uuid string) (tinygo.DeviceCharacteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.chars[uuid]
	if !ok {
		return tinygo.DeviceCharacteristic{}, fmt.Errorf("characteristic %s not discovered", uuid)
	}
	return ch, nil
}

func (p *peripheral) Subscribe(ctx context.Context, c bluetooth.Characteristic) error {
	ch, err := p.characteristic(c.UUID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.notifications == nil {
		p.notifications = make(chan bluetooth.Notification, eventBuffer)
	}
	sink := p.notifications
	p.mu.Unlock()

	uuid := c.UUID
	err = ch.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		select {
		case sink <- bluetooth.Notification{CharUUID: uuid, Value: data}:
		default:
		}
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.subscribed[c.UUID] = true
	p.mu.Unlock()
	return nil
}

func (p *peripheral) Unsubscribe(ctx context.Context, c bluetooth.Characteristic) error {
	ch, err := p.characteristic(c.UUID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.subscribed, c.UUID)
	p.mu.Unlock()

	return ch.EnableNotifications(nil)
}

func (p *peripheral) WriteWithoutResponse(ctx context.Context, c bluetooth.Characteristic, data []byte) error {
	ch, err := p.characteristic(c.UUID)
	if err != nil {
		return err
	}
	_, err = ch.WriteWithoutResponse(data)
	return err
}

func (p *peripheral) Notifications(ctx context.Context) (<-chan bluetooth.Notification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notifications == nil {
		p.notifications = make(chan bluetooth.Notification, eventBuffer)
	}
	return p.notifications, nil
}
