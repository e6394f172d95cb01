package bluetooth

import (
	"context"

	"github.com/commatea/BleX-Bridge/pkg/metrics"
)

// scan restarts advertisement scanning: a defensive stop first (the
// backend may consider a scan still running), then a start with the
// service filter, unfiltered on platforms with broken filters. Errors are
// logged and swallowed; the scan-control task retries on power cycles.
func (c *Coordinator) scan(ctx context.Context, adapter Adapter) {
	if err := adapter.StopScan(ctx); err != nil {
		c.log.Info("Clear previous scan error", "error", err)
	}

	filter := ScanFilter{Services: []string{ServiceUUID}}
	if c.backend.ScanFilterBroken() {
		filter = ScanFilter{}
	}
	if err := adapter.StartScan(ctx, filter); err != nil {
		c.log.Info("Start scan error", "error", err)
	}
	metrics.IncScanStart()
}

// StartScan begins scanning on behalf of a session and returns the devices
// already known. A scan-control task follows the session channel: it
// restarts the scan when the adapter powers back on, stops it on power
// loss, and exits on Abort(Scan) or Abort(Disconnect).
func (c *Coordinator) StartScan(ctx context.Context, session *Session) ([]DeviceInfo, error) {
	adapter, err := c.poweredAdapter(ctx)
	if err != nil {
		return nil, err
	}

	known := c.registry.Snapshot()
	c.scan(ctx, adapter)

	receiver := session.Bus.Subscribe()
	go func() {
		defer c.recoverTask("scan-control")
		defer session.Bus.Unsubscribe(receiver)

		for msg := range receiver {
			if msg.IsAbort {
				if msg.Abort == AbortScan || msg.Abort == AbortDisconnect {
					c.log.Info("Terminating scan", "session", session.ID)
					return
				}
				continue
			}
			if msg.Notification == nil || msg.Notification.Event != EvtAdapterStateChanged {
				continue
			}
			state, ok := msg.Notification.Payload.(AdapterStatePayload)
			if !ok {
				continue
			}
			if state.Powered {
				c.log.Info("Restart scan", "session", session.ID)
				c.scan(context.Background(), adapter)
			} else {
				if err := adapter.StopScan(context.Background()); err != nil {
					c.log.Info("Clear running scan error", "error", err)
				}
			}
		}
	}()

	return known, nil
}

// StopScan aborts the session's scan-control task and stops the backend
// scan. Backend stop errors are logged, not propagated; stopping an idle
// scan is a no-op.
func (c *Coordinator) StopScan(ctx context.Context, session *Session) error {
	session.Bus.Send(AbortMessage(AbortScan))

	adapter, err := c.poweredAdapter(ctx)
	if err != nil {
		return err
	}
	if err := adapter.StopScan(ctx); err != nil {
		c.log.Info("Stop scan error", "error", err)
	}
	return nil
}
