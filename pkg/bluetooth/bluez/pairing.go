package bluez

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/commatea/BleX-Bridge/pkg/bluetooth"
	"github.com/commatea/BleX-Bridge/pkg/logger"
)

// pollInterval is how often the Paired property is probed while a Pair
// call is in flight. BlueZ occasionally never answers a Pair that in fact
// succeeded; the poll is the authoritative completion signal.
const pollInterval = 1 * time.Second

// HostPairing is the explicit host-mediated backend: Device1.Pair raced
// against Paired polling, whichever resolves first wins.
type HostPairing struct {
	conn *conn
	log  *logger.Logger
}

// NewHostPairing connects to the system bus and returns the backend.
func NewHostPairing(log *logger.Logger) (*HostPairing, error) {
	c, err := newConn()
	if err != nil {
		return nil, err
	}
	return &HostPairing{conn: c, log: log}, nil
}

// Name implements bluetooth.PairingBackend.
func (p *HostPairing) Name() string { return "bluez" }

// OSManaged implements bluetooth.PairingBackend.
func (p *HostPairing) OSManaged() bool { return false }

// Paired implements bluetooth.PairingBackend.
func (p *HostPairing) Paired(ctx context.Context, uuid string) (bool, error) {
	return p.conn.paired(uuid)
}

// Pair implements bluetooth.PairingBackend. The Pair call may hang past a
// completed bond, so it races a polling loop on the Paired property; on
// success the device is disconnected before the common connect path runs.
func (p *HostPairing) Pair(ctx context.Context, uuid string, emit func(bluetooth.NotificationEvent)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pairErr := make(chan error, 1)
	pollErr := make(chan error, 1)

	go func() { pairErr <- p.conn.pair(ctx, uuid) }()
	go func() { pollErr <- p.conn.pollPaired(ctx, uuid, pollInterval) }()

	select {
	case err := <-pairErr:
		if err != nil {
			return &bluetooth.PairingError{Inner: err}
		}
		_ = p.conn.disconnect(ctx, uuid)
	case err := <-pollErr:
		if err != nil {
			return &bluetooth.PairingError{Inner: err}
		}
	}
	return nil
}

// Unpair implements bluetooth.PairingBackend via Adapter1.RemoveDevice.
func (p *HostPairing) Unpair(ctx context.Context, uuid string) (bool, error) {
	if err := p.conn.removeDevice(ctx, uuid); err != nil {
		return false, err
	}
	return true, nil
}

// PinConfirmPairing is the PIN-confirmation backend: it registers a BlueZ
// agent that auto-accepts the passkey on the host and relays it to the
// session so the client can confirm on the device.
type PinConfirmPairing struct {
	*HostPairing
	agentPath dbus.ObjectPath
}

// NewPinConfirmPairing connects to the system bus and returns the backend.
func NewPinConfirmPairing(log *logger.Logger) (*PinConfirmPairing, error) {
	host, err := NewHostPairing(log)
	if err != nil {
		return nil, err
	}
	return &PinConfirmPairing{
		HostPairing: host,
		agentPath:   dbus.ObjectPath("/com/commatea/blex/agent"),
	}, nil
}

// Name implements bluetooth.PairingBackend.
func (p *PinConfirmPairing) Name() string { return "bluez-pin" }

// pinAgent implements org.bluez.Agent1. RequestConfirmation auto-accepts
// and forwards the passkey.
type pinAgent struct {
	onPin func(pin string)
}

func (a *pinAgent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	a.onPin(fmt.Sprintf("%06d", passkey))
	return nil
}

func (a *pinAgent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	return 0, dbus.MakeFailedError(fmt.Errorf("passkey entry unsupported"))
}

func (a *pinAgent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	a.onPin(strconv.FormatUint(uint64(passkey), 10))
	return nil
}

func (a *pinAgent) Cancel() *dbus.Error { return nil }

func (a *pinAgent) Release() *dbus.Error { return nil }

// Pair implements bluetooth.PairingBackend. The relayed PIN reaches the
// session as a device_pairing notification before completion.
func (p *PinConfirmPairing) Pair(ctx context.Context, uuid string, emit func(bluetooth.NotificationEvent)) error {
	agent := &pinAgent{
		onPin: func(pin string) {
			emit(bluetooth.NotificationEvent{
				Event:   bluetooth.EvtDevicePairing,
				Payload: bluetooth.PairingPayload{UUID: uuid, Paired: false, PIN: pin},
			})
		},
	}

	bus := p.conn.bus
	if err := bus.Export(agent, p.agentPath, agentIface); err != nil {
		return &bluetooth.PairingError{Inner: err}
	}
	mgr := bus.Object(bluezDest, dbus.ObjectPath(agentMgrPath))
	if err := mgr.CallWithContext(ctx, agentMgrIface+".RegisterAgent", 0, p.agentPath, "DisplayYesNo").Err; err != nil {
		return &bluetooth.PairingError{Inner: err}
	}
	defer func() {
		_ = mgr.Call(agentMgrIface+".UnregisterAgent", 0, p.agentPath).Err
		_ = bus.Export(nil, p.agentPath, agentIface)
	}()
	if err := mgr.CallWithContext(ctx, agentMgrIface+".RequestDefaultAgent", 0, p.agentPath).Err; err != nil {
		p.log.Warn("RequestDefaultAgent failed", "error", err)
	}

	return p.HostPairing.Pair(ctx, uuid, emit)
}
