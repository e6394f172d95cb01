package bluetooth

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/commatea/BleX-Bridge/pkg/logger"
	"github.com/commatea/BleX-Bridge/pkg/metrics"
)

// CoordinatorConfig tunes the coordinator's timing. Zero values fall back
// to the defaults.
type CoordinatorConfig struct {
	// SubscribeTimeout bounds the subscription retry loop of the connect
	// handshake.
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout" json:"subscribe_timeout"`

	// RetryInterval is the cool-off between subscription attempts.
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`

	// PromptDelay is how long after service discovery the pairing prompt
	// notification fires.
	PromptDelay time.Duration `yaml:"prompt_delay" json:"prompt_delay"`

	// LoaderInterval is the adapter-loader poll period.
	LoaderInterval time.Duration `yaml:"loader_interval" json:"loader_interval"`

	// Version is reported by get_info as api_version.
	Version string `yaml:"-" json:"-"`
}

// DefaultCoordinatorConfig returns the production timing.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		SubscribeTimeout: 30 * time.Second,
		RetryInterval:    1 * time.Second,
		PromptDelay:      1 * time.Second,
		LoaderInterval:   2 * time.Second,
		Version:          "0.0.0",
	}
}

func (c *CoordinatorConfig) applyDefaults() {
	def := DefaultCoordinatorConfig()
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = def.SubscribeTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.PromptDelay <= 0 {
		c.PromptDelay = def.PromptDelay
	}
	if c.LoaderInterval <= 0 {
		c.LoaderInterval = def.LoaderInterval
	}
	if c.Version == "" {
		c.Version = def.Version
	}
}

// Coordinator multiplexes sessions over the single shared BLE adapter. It
// lazily acquires the adapter, pumps central events into the registry and
// fans notifications out to session channels.
//
// Tasks spawned by the coordinator hold the coordinator itself; all shared
// state sits behind the two inner locks, and locks are never held across a
// backend call: take, snapshot, release, then do I/O.
type Coordinator struct {
	backend  CentralBackend
	pairing  PairingBackend
	cfg      CoordinatorConfig
	log      *logger.Logger
	registry *Registry

	// adapter is the single shared handle; callers copy it out under the
	// lock before use.
	adapterMu sync.Mutex
	adapter   Adapter

	// watcher state: session listeners and the background tasks bound to
	// adapter acquisition.
	watcherMu   sync.Mutex
	listeners   []*Broadcaster
	loaderStop  chan struct{}
	pumpStarted bool
}

// NewCoordinator wires the coordinator to its two platform capabilities.
func NewCoordinator(backend CentralBackend, pairing PairingBackend, cfg CoordinatorConfig, log *logger.Logger) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		backend:  backend,
		pairing:  pairing,
		cfg:      cfg,
		log:      log,
		registry: NewRegistry(),
	}
}

// Registry exposes the device registry for read access.
func (c *Coordinator) Registry() *Registry { return c.registry }

// WatchAdapter registers a session channel for notifications.
func (c *Coordinator) WatchAdapter(bus *Broadcaster) {
	c.watcherMu.Lock()
	c.listeners = append(c.listeners, bus)
	n := len(c.listeners)
	c.watcherMu.Unlock()
	metrics.SetSessions(n)
}

// StopWatching removes a session channel. When the last listener leaves,
// the adapter-loader (if running) is stopped; the events pump stays bound
// to the adapter.
func (c *Coordinator) StopWatching(bus *Broadcaster) {
	c.watcherMu.Lock()
	for i, l := range c.listeners {
		if l == bus {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			break
		}
	}
	n := len(c.listeners)
	if n == 0 && c.loaderStop != nil {
		c.log.Info("Adapter loader stopping")
		close(c.loaderStop)
		c.loaderStop = nil
	}
	c.watcherMu.Unlock()
	metrics.SetSessions(n)
}

// sendToListeners clones the message to every session channel.
func (c *Coordinator) sendToListeners(msg ChannelMessage) {
	c.watcherMu.Lock()
	listeners := make([]*Broadcaster, len(c.listeners))
	copy(listeners, c.listeners)
	c.watcherMu.Unlock()

	for _, l := range listeners {
		l.Send(msg)
	}
}

// publish fans a notification out to every session.
func (c *Coordinator) publish(event NotificationEvent) {
	c.log.Debug("Publishing notification", "event", event.Event)
	metrics.IncNotification(event.Event)
	c.sendToListeners(NotificationMessage(event))
}

// cachedAdapter copies the shared adapter handle out under the lock.
func (c *Coordinator) cachedAdapter() Adapter {
	c.adapterMu.Lock()
	defer c.adapterMu.Unlock()
	return c.adapter
}

// firstAdapter asks the backend for an adapter. Both an error and an empty
// list mean "no adapter": powered-off controllers surface either way
// depending on the platform.
func (c *Coordinator) firstAdapter(ctx context.Context) Adapter {
	adapters, err := c.backend.Adapters(ctx)
	if err != nil {
		c.log.Debug("No adapter available", "error", err)
		return nil
	}
	if len(adapters) == 0 {
		return nil
	}
	return adapters[0]
}

// GetAdapter returns the shared adapter, lazily acquiring it on first use.
// When no adapter is present yet it starts the adapter-loader and returns
// nil without error; callers that need a powered adapter use
// poweredAdapter.
func (c *Coordinator) GetAdapter(ctx context.Context) (Adapter, error) {
	if adapter := c.cachedAdapter(); adapter != nil {
		return adapter, nil
	}

	adapter := c.firstAdapter(ctx)
	if adapter != nil {
		c.adapterMu.Lock()
		c.adapter = adapter
		c.adapterMu.Unlock()

		c.dispatchAdapterEvent(ctx)

		c.log.Info("Adapter found")
		if err := c.startEventsPump(); err != nil {
			c.log.Error("Failed to start events pump", "error", err)
		}
		return adapter, nil
	}

	c.adapterLoader()
	return nil, nil
}

// poweredAdapter returns the adapter or ErrAdapterDisabled when absent or
// powered off.
func (c *Coordinator) poweredAdapter(ctx context.Context) (Adapter, error) {
	adapter, err := c.GetAdapter(ctx)
	if err != nil {
		return nil, err
	}
	if adapter == nil {
		return nil, ErrAdapterDisabled
	}
	state, err := adapter.State(ctx)
	if err != nil || state != StatePoweredOn {
		return nil, ErrAdapterDisabled
	}
	return adapter, nil
}

// dispatchAdapterEvent publishes the current power state of the cached
// adapter, if any.
func (c *Coordinator) dispatchAdapterEvent(ctx context.Context) {
	adapter := c.cachedAdapter()
	if adapter == nil {
		return
	}
	state, err := adapter.State(ctx)
	if err != nil {
		state = StatePoweredOff
	}
	c.publish(NotificationEvent{
		Event:   EvtAdapterStateChanged,
		Payload: AdapterStatePayload{Powered: state == StatePoweredOn},
	})
}

// adapterLoader polls for a backend adapter until one appears or the last
// session leaves. A second spawn while one is running is a no-op.
func (c *Coordinator) adapterLoader() {
	c.watcherMu.Lock()
	if c.loaderStop != nil {
		c.watcherMu.Unlock()
		c.log.Info("Adapter loader already running")
		return
	}
	stop := make(chan struct{})
	c.loaderStop = stop
	c.watcherMu.Unlock()

	c.log.Info("Adapter loader start")
	go func() {
		defer c.recoverTask("adapter-loader")
		ticker := time.NewTicker(c.cfg.LoaderInterval)
		defer ticker.Stop()

		ctx := context.Background()
		for {
			select {
			case <-stop:
				c.log.Info("Adapter loader end")
				return
			case <-ticker.C:
			}

			if c.cachedAdapter() != nil {
				c.finishLoader(stop)
				return
			}

			c.log.Debug("Waiting for adapter")
			adapter := c.firstAdapter(ctx)
			if adapter == nil {
				continue
			}

			c.log.Info("Adapter found by loader")
			c.adapterMu.Lock()
			c.adapter = adapter
			c.adapterMu.Unlock()

			c.dispatchAdapterEvent(ctx)
			c.finishLoader(stop)
			return
		}
	}()
}

// finishLoader clears the loader slot and starts the events pump.
func (c *Coordinator) finishLoader(stop chan struct{}) {
	c.watcherMu.Lock()
	if c.loaderStop == stop {
		c.loaderStop = nil
	}
	c.watcherMu.Unlock()

	if err := c.startEventsPump(); err != nil {
		c.log.Error("Failed to start events pump", "error", err)
	}
	c.log.Info("Adapter loader end")
}

// startEventsPump consumes the backend's central event stream. It runs at
// most once per process and stays bound to the adapter for its lifetime.
func (c *Coordinator) startEventsPump() error {
	c.watcherMu.Lock()
	if c.pumpStarted {
		c.watcherMu.Unlock()
		return nil
	}
	c.pumpStarted = true
	c.watcherMu.Unlock()

	adapter := c.cachedAdapter()
	if adapter == nil {
		c.watcherMu.Lock()
		c.pumpStarted = false
		c.watcherMu.Unlock()
		return ErrAdapterDisabled
	}

	ctx := context.Background()
	events, err := adapter.Events(ctx)
	if err != nil {
		c.watcherMu.Lock()
		c.pumpStarted = false
		c.watcherMu.Unlock()
		return err
	}

	go func() {
		defer c.recoverTask("events-pump")
		for event := range events {
			c.handleCentralEvent(ctx, adapter, event)
		}
		c.log.Info("Central event stream ended")
	}()
	return nil
}

// handleCentralEvent applies one central event to the registry and
// publishes the resulting notification. Events arrive serialized through
// the single pump goroutine, so per-device ordering is preserved.
func (c *Coordinator) handleCentralEvent(ctx context.Context, adapter Adapter, event CentralEvent) {
	switch event.Kind {
	case EventStateUpdate:
		c.log.Info("StateUpdate", "state", event.State)
		c.publish(NotificationEvent{
			Event:   EvtAdapterStateChanged,
			Payload: AdapterStatePayload{Powered: event.State == StatePoweredOn},
		})

	case EventDeviceDiscovered:
		p, ok := c.applyNameFilter(ctx, adapter, event.PeripheralID)
		if !ok {
			return
		}
		paired, _ := c.pairing.Paired(ctx, event.PeripheralID)
		device, err := NewDevice(ctx, p, paired)
		if err != nil {
			c.log.Warn("Failed to read discovered peripheral", "id", event.PeripheralID, "error", err)
			return
		}
		c.registry.Insert(event.PeripheralID, device)
		metrics.SetDevices(len(c.registry.List()))
		c.publish(NotificationEvent{
			Event: EvtDeviceDiscovered,
			Payload: DiscoveredPayload{
				UUID:      event.PeripheralID,
				Timestamp: 0,
				Devices:   c.registry.Snapshot(),
			},
		})

	case EventDeviceUpdated:
		device := c.registry.Get(event.PeripheralID)
		if device == nil {
			return
		}
		p, err := adapter.Peripheral(ctx, event.PeripheralID)
		if err != nil {
			c.log.Warn("Peripheral gone on update", "id", event.PeripheralID, "error", err)
			return
		}
		changed, err := device.UpdateProperties(ctx, p)
		if err != nil {
			c.log.Warn("Failed to refresh peripheral", "id", event.PeripheralID, "error", err)
			return
		}
		if changed {
			c.publish(NotificationEvent{
				Event: EvtDeviceUpdated,
				Payload: DeviceListPayload{
					UUID:    event.PeripheralID,
					Devices: c.registry.Snapshot(),
				},
			})
		}

	case EventDeviceDisconnected:
		device := c.registry.Get(event.PeripheralID)
		if device == nil {
			return
		}
		c.log.Info("DeviceDisconnected", "id", event.PeripheralID)
		p, err := adapter.Peripheral(ctx, event.PeripheralID)
		if err != nil {
			p = nil
		}
		device.UpdateConnection(ctx, p)
		c.publish(NotificationEvent{
			Event: EvtDeviceDisconnected,
			Payload: DeviceListPayload{
				UUID:    event.PeripheralID,
				Devices: c.registry.Snapshot(),
			},
		})

	case EventDeviceConnected:
		// Fires before pairing completes; the connect handshake is the
		// authoritative "connected" signal and emits its own notification.
		c.log.Info("DeviceConnected", "id", event.PeripheralID)

	case EventServicesAdvertisement, EventServiceDataAdvertisement, EventManufacturerDataAdvertisement:
		// Observed, not acted on.
	}
}

// applyNameFilter resolves the peripheral and gates it on the local-name
// filter that decides registry membership.
func (c *Coordinator) applyNameFilter(ctx context.Context, adapter Adapter, id string) (Peripheral, bool) {
	p, err := adapter.Peripheral(ctx, id)
	if err != nil {
		return nil, false
	}
	props, err := p.Properties(ctx)
	if err != nil {
		return nil, false
	}
	if !strings.Contains(props.LocalName, NameFilter) {
		return nil, false
	}
	return p, true
}

// peripheralByUUID resolves a backend handle, mapping lookup failures to
// ErrPeripheralNotFound.
func (c *Coordinator) peripheralByUUID(ctx context.Context, adapter Adapter, uuid string) (Peripheral, error) {
	p, err := adapter.Peripheral(ctx, uuid)
	if err != nil || p == nil {
		return nil, ErrPeripheralNotFound
	}
	return p, nil
}

// recoverTask keeps a background task panic from killing the process.
func (c *Coordinator) recoverTask(name string) {
	if r := recover(); r != nil {
		c.log.Error("Panic recovered in task", "task", name, "error", r, "stack", string(debug.Stack()))
	}
}
