package bluetooth

import (
	"context"
	"strings"
	"time"
)

// sleepCtx sleeps for d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ConnectDevice runs the pairing+connect+subscribe handshake for a known
// device. On success the device is marked connected (and paired) and the
// device_connected notification carries a fresh registry snapshot.
func (c *Coordinator) ConnectDevice(ctx context.Context, uuid string) error {
	adapter, err := c.poweredAdapter(ctx)
	if err != nil {
		return err
	}

	device := c.registry.Get(uuid)
	if device == nil {
		return ErrDeviceNotFound
	}

	// Pairing phase. OS-managed platforms bond during connect; elsewhere
	// the explicit workflow runs first, unless the bond already exists.
	if !c.pairing.OSManaged() && !device.Paired() {
		c.publish(NotificationEvent{
			Event:   EvtDevicePairing,
			Payload: PairingPayload{UUID: uuid, Paired: false, PIN: ""},
		})

		if err := c.pairing.Pair(ctx, uuid, c.publish); err != nil {
			return err
		}
		device.SetPaired(true)

		c.publish(NotificationEvent{
			Event:   EvtDevicePairing,
			Payload: PairingPayload{UUID: uuid, Paired: true, PIN: ""},
		})
	} else if !c.pairing.OSManaged() {
		c.log.Info("Device already paired", "uuid", uuid)
	}

	return c.connectCommon(ctx, adapter, device, uuid)
}

// connectCommon is the platform-independent tail of the handshake:
// connect, discover, then trigger pairing by subscribing to the notify
// characteristic under a bounded retry loop.
func (c *Coordinator) connectCommon(ctx context.Context, adapter Adapter, device *Device, uuid string) error {
	peripheral, err := c.peripheralByUUID(ctx, adapter, uuid)
	if err != nil {
		return err
	}

	connected, _ := peripheral.IsConnected(ctx)
	if !connected {
		c.log.Info("Connecting", "uuid", uuid)
		c.publish(NotificationEvent{
			Event:   EvtDeviceConnectionStatus,
			Payload: ConnectionStatusPayload{UUID: uuid, Phase: "connecting"},
		})
		if err := peripheral.Connect(ctx); err != nil {
			c.log.Error("Error connecting to peripheral", "uuid", uuid, "error", err)
			return &ConnectError{Inner: err}
		}
	}

	if err := peripheral.DiscoverServices(ctx); err != nil {
		c.log.Error("Error discovering services", "uuid", uuid, "error", err)
		return err
	}

	// Surface the OS's native pairing prompt: if the subscription hasn't
	// won the race after PromptDelay, tell the client a prompt is up.
	promptStop := make(chan struct{})
	go func() {
		defer c.recoverTask("pairing-prompt")
		timer := time.NewTimer(c.cfg.PromptDelay)
		defer timer.Stop()
		select {
		case <-promptStop:
		case <-timer.C:
			c.publish(NotificationEvent{
				Event:   EvtDevicePairing,
				Payload: PairingPayload{UUID: uuid, Paired: false, PIN: ""},
			})
		}
	}()
	defer close(promptStop)

	if err := c.subscribeLoop(ctx, peripheral, uuid); err != nil {
		return err
	}

	connected, _ = peripheral.IsConnected(ctx)
	if !connected {
		return ErrDisconnected
	}

	c.publish(NotificationEvent{
		Event:   EvtDeviceConnectionStatus,
		Payload: ConnectionStatusPayload{UUID: uuid, Phase: "connected"},
	})

	// Re-resolve a fresh handle before recording the link state; cached
	// handles can go stale across the handshake.
	fresh, err := adapter.Peripheral(ctx, uuid)
	if err != nil {
		fresh = peripheral
	}
	device.UpdateConnection(ctx, fresh)
	c.log.Info("Successful subscription", "uuid", uuid)

	c.publish(NotificationEvent{
		Event: EvtDeviceConnected,
		Payload: DeviceListPayload{
			UUID:    uuid,
			Devices: c.registry.Snapshot(),
		},
	})
	return nil
}

// subscribeLoop repeatedly subscribes to the notify characteristic until
// the OS lets the operation through, which completes platform pairing.
// A successful subscribe is immediately unsubscribed: it is the pairing
// trigger, not a long-lived subscription.
func (c *Coordinator) subscribeLoop(ctx context.Context, peripheral Peripheral, uuid string) error {
	start := time.Now()
	tries := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, _ := peripheral.IsConnected(ctx)
		if !connected {
			c.log.Info("Disconnected, breaking the subscribe loop", "uuid", uuid)
			return ErrDisconnected
		}

		if time.Since(start) > c.cfg.SubscribeTimeout {
			c.log.Info("Subscribe loop timeout", "uuid", uuid, "elapsed", time.Since(start))
			return ErrTimeout
		}

		c.log.Debug("Subscribe attempt", "uuid", uuid, "try", tries)

		characteristic, found := findNotifyCharacteristic(peripheral)
		if found {
			err := peripheral.Subscribe(ctx, characteristic)
			if err == nil {
				if err := peripheral.Unsubscribe(ctx, characteristic); err != nil {
					c.log.Warn("Error unsubscribing", "uuid", uuid, "error", err)
				}
				return nil
			}

			if strings.Contains(err.Error(), "authentication") {
				// The peripheral still requires the bond; cool off and
				// retry. Unsubscribe anyway: some platforms leak a
				// listener on the failed subscribe.
				c.log.Debug("Subscribe needs authentication, cooling off", "uuid", uuid)
				if err := peripheral.Unsubscribe(ctx, characteristic); err != nil {
					c.log.Warn("Error unsubscribing after auth failure", "uuid", uuid, "error", err)
				}
			} else {
				c.log.Info("Subscribe loop failed", "uuid", uuid, "error", err)
				return err
			}
		} else {
			c.log.Debug("Notify characteristic not found", "uuid", uuid)
		}

		if err := sleepCtx(ctx, c.cfg.RetryInterval); err != nil {
			return err
		}
		tries++
	}
}

// findNotifyCharacteristic locates the characteristic the handshake and
// reader subscribe to.
func findNotifyCharacteristic(p Peripheral) (Characteristic, bool) {
	for _, ch := range p.Characteristics() {
		if ch.Props.Contains(CharNotify) {
			return ch, true
		}
	}
	return Characteristic{}, false
}
