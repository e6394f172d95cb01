package bluetooth

import (
	"context"
	"errors"

	"github.com/commatea/BleX-Bridge/pkg/metrics"
)

// InfoPayload is the get_info response body.
type InfoPayload struct {
	Powered        bool   `json:"powered"`
	APIVersion     string `json:"api_version"`
	AdapterInfo    string `json:"adapter_info"`
	AdapterVersion uint8  `json:"adapter_version"`
}

// GetInfo reports adapter presence, power and version details.
func (c *Coordinator) GetInfo(ctx context.Context) (InfoPayload, error) {
	adapter, err := c.GetAdapter(ctx)
	if err != nil {
		return InfoPayload{}, err
	}
	if adapter == nil {
		return InfoPayload{
			Powered:        false,
			APIVersion:     c.cfg.Version,
			AdapterInfo:    "Unknown",
			AdapterVersion: 0,
		}, nil
	}

	info, err := adapter.Info(ctx)
	if err != nil || info == "" {
		info = "Unknown"
	}
	state, err := adapter.State(ctx)
	if err != nil {
		state = StatePoweredOff
	}
	return InfoPayload{
		Powered:        state == StatePoweredOn,
		APIVersion:     c.cfg.Version,
		AdapterInfo:    info,
		AdapterVersion: 9,
	}, nil
}

// Enumerate returns the current registry snapshot.
func (c *Coordinator) Enumerate(ctx context.Context) []DeviceInfo {
	return c.registry.Snapshot()
}

// OpenDevice subscribes to the notify characteristic of a connected device
// and streams its packets to the session as device_read notifications.
// The reader lives until Abort(Read) or Abort(Disconnect); one reader per
// (session, device).
func (c *Coordinator) OpenDevice(ctx context.Context, uuid string, session *Session) error {
	adapter, err := c.poweredAdapter(ctx)
	if err != nil {
		return err
	}
	if c.registry.Get(uuid) == nil {
		return ErrDeviceNotFound
	}

	peripheral, err := c.peripheralByUUID(ctx, adapter, uuid)
	if err != nil {
		return err
	}
	connected, _ := peripheral.IsConnected(ctx)
	if !connected {
		return ErrDeviceNotConnected
	}

	if err := peripheral.DiscoverServices(ctx); err != nil {
		return err
	}
	characteristic, found := findNotifyCharacteristic(peripheral)
	if !found {
		return errors.New("notify characteristic not found")
	}
	if err := peripheral.Subscribe(ctx, characteristic); err != nil {
		return err
	}

	stream, err := peripheral.Notifications(ctx)
	if err != nil {
		_ = peripheral.Unsubscribe(ctx, characteristic)
		return err
	}

	stop := session.claimReader(uuid)

	// Reader: forward packets to the owning session only.
	go func() {
		defer c.recoverTask("device-reader")
		c.log.Info("Start device read stream", "uuid", uuid, "session", session.ID)
		for {
			select {
			case <-stop:
				c.log.Info("Terminating device read stream", "uuid", uuid)
				return
			case n, ok := <-stream:
				if !ok {
					c.log.Info("Device read stream ended", "uuid", uuid)
					return
				}
				metrics.IncRead(len(n.Value))
				session.Bus.Send(NotificationMessage(NotificationEvent{
					Event:   EvtDeviceRead,
					Payload: ReadPayload{UUID: uuid, Data: ByteArray(n.Value)},
				}))
			}
		}
	}()

	// Abort watcher: stops the reader and unsubscribes on Abort(Read) or
	// Abort(Disconnect). Unsubscribe is attempted regardless of how the
	// reader ended.
	receiver := session.Bus.Subscribe()
	go func() {
		defer c.recoverTask("device-reader-abort")
		defer session.Bus.Unsubscribe(receiver)

		for msg := range receiver {
			if msg.IsAbort && (msg.Abort == AbortRead || msg.Abort == AbortDisconnect) {
				select {
				case <-stop:
					// Already superseded by a newer reader.
				default:
					close(stop)
				}
				session.releaseReader(uuid, stop)
				if err := peripheral.Unsubscribe(context.Background(), characteristic); err != nil {
					c.log.Warn("Error unsubscribing reader", "uuid", uuid, "error", err)
				}
				c.log.Info("Terminating device read", "uuid", uuid, "session", session.ID)
				return
			}
		}
	}()

	return nil
}

// CloseDevice sends Abort(Read) on the session channel. The abort is not
// scoped to uuid: every reader the session has open stops. It always
// succeeds and does not disconnect the link.
func (c *Coordinator) CloseDevice(uuid string, session *Session) {
	session.Bus.Send(AbortMessage(AbortRead))
}

// Read exists for protocol compatibility: device data arrives through
// device_read notifications, so the reply payload is always empty.
func (c *Coordinator) Read(ctx context.Context, uuid string) (ByteArray, error) {
	return ByteArray{}, nil
}

// Write pads the payload into the fixed characteristic buffer and writes
// it without response to the RX characteristic.
func (c *Coordinator) Write(ctx context.Context, uuid string, data []byte) error {
	adapter, err := c.poweredAdapter(ctx)
	if err != nil {
		return err
	}

	peripheral, err := c.peripheralByUUID(ctx, adapter, uuid)
	if err != nil {
		return err
	}
	connected, _ := peripheral.IsConnected(ctx)
	if !connected {
		return ErrDeviceNotConnected
	}
	if len(data) > WriteBufferSize {
		return ErrPayloadTooLarge
	}

	if err := peripheral.DiscoverServices(ctx); err != nil {
		return err
	}

	var rx Characteristic
	foundRX := false
	for _, ch := range peripheral.Characteristics() {
		if ch.UUID == CharacteristicRX && ch.Props.Contains(CharWrite) {
			rx = ch
			foundRX = true
			break
		}
	}
	if !foundRX {
		return errors.New("write characteristic not found")
	}

	buf := make([]byte, WriteBufferSize)
	copy(buf, data)

	c.log.Debug("Writing characteristic", "uuid", uuid, "len", len(data))
	if err := peripheral.WriteWithoutResponse(ctx, rx, buf); err != nil {
		return err
	}
	metrics.IncWrite(len(data))
	return nil
}

// DisconnectDevice drops the link. No notification is emitted here; the
// events pump reports the disconnect asynchronously.
func (c *Coordinator) DisconnectDevice(ctx context.Context, uuid string) error {
	c.log.Info("Disconnecting", "uuid", uuid)
	adapter, err := c.poweredAdapter(ctx)
	if err != nil {
		return err
	}

	peripheral, err := c.peripheralByUUID(ctx, adapter, uuid)
	if err != nil {
		return err
	}
	connected, _ := peripheral.IsConnected(ctx)
	if connected {
		if err := peripheral.Disconnect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ForgetDevice removes the OS bond. On OS-managed platforms there is
// nothing to remove and the result is false.
func (c *Coordinator) ForgetDevice(ctx context.Context, uuid string) (bool, error) {
	return c.pairing.Unpair(ctx, uuid)
}
