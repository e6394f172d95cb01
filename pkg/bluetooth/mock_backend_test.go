package bluetooth

import (
	"context"
	"sync"
	"time"

	"github.com/commatea/BleX-Bridge/pkg/logger"
)

// mockBackend is an in-memory CentralBackend for coordinator tests.
type mockBackend struct {
	mu           sync.Mutex
	adapters     []*mockAdapter
	filterBroken bool
}

func (m *mockBackend) Adapters(ctx context.Context) ([]Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Adapter, len(m.adapters))
	for i, a := range m.adapters {
		out[i] = a
	}
	return out, nil
}

func (m *mockBackend) ScanFilterBroken() bool { return m.filterBroken }

func (m *mockBackend) addAdapter(a *mockAdapter) {
	m.mu.Lock()
	m.adapters = append(m.adapters, a)
	m.mu.Unlock()
}

type mockAdapter struct {
	mu          sync.Mutex
	state       AdapterState
	info        string
	events      chan CentralEvent
	peripherals map[string]*mockPeripheral
	scanCalls   []string
	lastFilter  ScanFilter
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		state:       StatePoweredOn,
		info:        "mock0",
		events:      make(chan CentralEvent, 64),
		peripherals: make(map[string]*mockPeripheral),
	}
}

func (a *mockAdapter) State(ctx context.Context) (AdapterState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, nil
}

func (a *mockAdapter) setState(s AdapterState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *mockAdapter) Info(ctx context.Context) (string, error) {
	return a.info, nil
}

func (a *mockAdapter) StartScan(ctx context.Context, filter ScanFilter) error {
	a.mu.Lock()
	a.scanCalls = append(a.scanCalls, "start_scan")
	a.lastFilter = filter
	a.mu.Unlock()
	return nil
}

func (a *mockAdapter) StopScan(ctx context.Context) error {
	a.mu.Lock()
	a.scanCalls = append(a.scanCalls, "stop_scan")
	a.mu.Unlock()
	return nil
}

func (a *mockAdapter) scanLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.scanCalls...)
}

func (a *mockAdapter) Events(ctx context.Context) (<-chan CentralEvent, error) {
	return a.events, nil
}

func (a *mockAdapter) Peripheral(ctx context.Context, id string) (Peripheral, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peripherals[id]
	if !ok {
		return nil, ErrPeripheralNotFound
	}
	return p, nil
}

func (a *mockAdapter) Peripherals(ctx context.Context) ([]Peripheral, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Peripheral, 0, len(a.peripherals))
	for _, p := range a.peripherals {
		out = append(out, p)
	}
	return out, nil
}

func (a *mockAdapter) addPeripheral(p *mockPeripheral) {
	a.mu.Lock()
	a.peripherals[p.id] = p
	a.mu.Unlock()
}

type mockPeripheral struct {
	mu sync.Mutex

	id        string
	props     Properties
	connected bool

	connectErr  error
	discoverErr error
	chars       []Characteristic

	// subscribeErr is returned by every Subscribe attempt; nil succeeds.
	subscribeErr     error
	subscribeCalls   int
	unsubscribeCalls int
	activeSubs       int

	writes   [][]byte
	writeErr error

	notifications chan Notification
}

func newMockPeripheral(id, name string) *mockPeripheral {
	return &mockPeripheral{
		id: id,
		props: Properties{
			LocalName:        name,
			RSSI:             -40,
			ManufacturerData: map[uint16][]byte{},
		},
		notifications: make(chan Notification, 64),
	}
}

func (p *mockPeripheral) ID() string { return p.id }

func (p *mockPeripheral) Properties(ctx context.Context) (Properties, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	props := p.props
	props.ManufacturerData = make(map[uint16][]byte, len(p.props.ManufacturerData))
	for k, v := range p.props.ManufacturerData {
		props.ManufacturerData[k] = append([]byte(nil), v...)
	}
	return props, nil
}

func (p *mockPeripheral) setManufacturerData(data []byte) {
	p.mu.Lock()
	p.props.ManufacturerData[ManufacturerDataKey] = append([]byte(nil), data...)
	p.mu.Unlock()
}

func (p *mockPeripheral) IsConnected(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected, nil
}

func (p *mockPeripheral) setConnected(connected bool) {
	p.mu.Lock()
	p.connected = connected
	p.mu.Unlock()
}

func (p *mockPeripheral) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return p.connectErr
	}
	p.connected = true
	return nil
}

func (p *mockPeripheral) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *mockPeripheral) DiscoverServices(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoverErr
}

func (p *mockPeripheral) Characteristics() []Characteristic {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Characteristic(nil), p.chars...)
}

func (p *mockPeripheral) Subscribe(ctx context.Context, c Characteristic) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeCalls++
	if p.subscribeErr != nil {
		return p.subscribeErr
	}
	p.activeSubs++
	return nil
}

func (p *mockPeripheral) Unsubscribe(ctx context.Context, c Characteristic) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribeCalls++
	if p.activeSubs > 0 {
		p.activeSubs--
	}
	return nil
}

func (p *mockPeripheral) WriteWithoutResponse(ctx context.Context, c Characteristic, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	p.writes = append(p.writes, append([]byte(nil), data...))
	return nil
}

func (p *mockPeripheral) Notifications(ctx context.Context) (<-chan Notification, error) {
	return p.notifications, nil
}

func (p *mockPeripheral) stats() (subs, unsubs, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribeCalls, p.unsubscribeCalls, p.activeSubs
}

// testConfig compresses every interval so handshake tests run in
// milliseconds.
func testConfig() CoordinatorConfig {
	return CoordinatorConfig{
		SubscribeTimeout: 200 * time.Millisecond,
		RetryInterval:    10 * time.Millisecond,
		PromptDelay:      20 * time.Millisecond,
		LoaderInterval:   20 * time.Millisecond,
		Version:          "test",
	}
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error"})
}

func newTestCoordinator(backend *mockBackend) *Coordinator {
	return NewCoordinator(backend, OSManagedPairing{}, testConfig(), testLogger())
}

// watchCoordinator subscribes a fresh session-like channel to the coordinator
// and returns the receiver plus the bus for teardown.
func watchCoordinator(c *Coordinator) (*Broadcaster, chan ChannelMessage) {
	bus := NewBroadcaster()
	receiver := bus.Subscribe()
	c.WatchAdapter(bus)
	return bus, receiver
}

// nextNotification waits for the next notification with the given event
// name, discarding everything else.
func nextNotification(receiver chan ChannelMessage, event string, timeout time.Duration) (NotificationEvent, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return NotificationEvent{}, false
		case msg := <-receiver:
			if msg.Notification != nil && msg.Notification.Event == event {
				return *msg.Notification, true
			}
		}
	}
}
