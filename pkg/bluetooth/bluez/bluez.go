// Package bluez implements the host-mediated pairing backends over the
// BlueZ D-Bus API (Linux only, pure Go).
package bluez

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	bluezDest     = "org.bluez"
	adapterPath   = "/org/bluez/hci0"
	deviceIface   = "org.bluez.Device1"
	adapterIface  = "org.bluez.Adapter1"
	agentIface    = "org.bluez.Agent1"
	agentMgrIface = "org.bluez.AgentManager1"
	agentMgrPath  = "/org/bluez"
)

// devicePath maps a peripheral id (e.g. hci0/dev_AA_BB_CC_DD_EE_FF) to its
// BlueZ object path.
func devicePath(uuid string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + uuid)
}

// conn wraps a system-bus connection with the few calls the backends use.
type conn struct {
	bus *dbus.Conn
}

func newConn() (*conn, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &conn{bus: bus}, nil
}

// paired reads the Paired property of the device.
func (c *conn) paired(uuid string) (bool, error) {
	obj := c.bus.Object(bluezDest, devicePath(uuid))
	v, err := obj.GetProperty(deviceIface + ".Paired")
	if err != nil {
		return false, err
	}
	paired, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected Paired type %T", v.Value())
	}
	return paired, nil
}

// pair invokes Device1.Pair. The call can outlive a completed bond, so
// callers race it against paired polling.
func (c *conn) pair(ctx context.Context, uuid string) error {
	obj := c.bus.Object(bluezDest, devicePath(uuid))
	return obj.CallWithContext(ctx, deviceIface+".Pair", 0).Err
}

// disconnect invokes Device1.Disconnect.
func (c *conn) disconnect(ctx context.Context, uuid string) error {
	obj := c.bus.Object(bluezDest, devicePath(uuid))
	return obj.CallWithContext(ctx, deviceIface+".Disconnect", 0).Err
}

// removeDevice drops the bond via Adapter1.RemoveDevice.
func (c *conn) removeDevice(ctx context.Context, uuid string) error {
	adapter := c.bus.Object(bluezDest, dbus.ObjectPath(adapterPath))
	return adapter.CallWithContext(ctx, adapterIface+".RemoveDevice", 0, devicePath(uuid)).Err
}

// pollPaired checks the Paired property every interval until it flips true
// or the context ends. On success the device is disconnected so the common
// connect path starts from a clean link.
func (c *conn) pollPaired(ctx context.Context, uuid string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			paired, err := c.paired(uuid)
			if err != nil {
				return err
			}
			if paired {
				_ = c.disconnect(ctx, uuid)
				return nil
			}
		}
	}
}
