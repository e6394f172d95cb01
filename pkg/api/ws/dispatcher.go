package ws

import (
	"context"
	"time"

	"github.com/commatea/BleX-Bridge/pkg/bluetooth"
	"github.com/commatea/BleX-Bridge/pkg/logger"
	"github.com/commatea/BleX-Bridge/pkg/metrics"
)

// defaultMethodTimeout bounds one method invocation. The connect handshake
// carries its own 30 s subscription ceiling; the dispatcher ceiling only
// catches a wedged backend call.
const defaultMethodTimeout = 60 * time.Second

// Dispatcher routes decoded requests to coordinator operations on behalf
// of one session.
type Dispatcher struct {
	coordinator *bluetooth.Coordinator
	log         *logger.Logger
	timeout     time.Duration
}

// NewDispatcher creates a dispatcher bound to the coordinator.
func NewDispatcher(coordinator *bluetooth.Coordinator, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		coordinator: coordinator,
		log:         log,
		timeout:     defaultMethodTimeout,
	}
}

// Handle executes one request and returns the reply envelope: a Response
// on success, an ErrorResponse on failure.
func (d *Dispatcher) Handle(ctx context.Context, req Request, session *bluetooth.Session) any {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	payload, err := d.invoke(ctx, req, session)
	if err != nil {
		d.log.Info("Method failed", "method", req.Method.Name, "id", req.ID, "error", err)
		metrics.IncMethod(req.Method.Name, metrics.StatusFailed)
		return ErrorResponse{ID: req.ID, Method: req.Method, Error: err.Error()}
	}

	metrics.IncMethod(req.Method.Name, metrics.StatusSuccess)
	return Response{ID: req.ID, Method: req.Method, Payload: payload}
}

// invoke maps a method name to the coordinator operation and shapes its
// result into the payload union.
func (d *Dispatcher) invoke(ctx context.Context, req Request, session *bluetooth.Session) (any, error) {
	args := req.Method.Args

	switch req.Method.Name {
	case MethodStartScan:
		devices, err := d.coordinator.StartScan(ctx, session)
		if err != nil {
			return nil, err
		}
		return devices, nil

	case MethodStopScan:
		if err := d.coordinator.StopScan(ctx, session); err != nil {
			return nil, err
		}
		return true, nil

	case MethodGetInfo:
		return d.coordinator.GetInfo(ctx)

	case MethodEnumerate:
		return d.coordinator.Enumerate(ctx), nil

	case MethodConnectDevice:
		uuid, err := uuidArg(args)
		if err != nil {
			return nil, err
		}
		if err := d.coordinator.ConnectDevice(ctx, uuid); err != nil {
			return nil, err
		}
		return true, nil

	case MethodDisconnectDevice:
		uuid, err := uuidArg(args)
		if err != nil {
			return nil, err
		}
		if err := d.coordinator.DisconnectDevice(ctx, uuid); err != nil {
			return nil, err
		}
		return true, nil

	case MethodOpenDevice:
		uuid, err := uuidArg(args)
		if err != nil {
			return nil, err
		}
		if err := d.coordinator.OpenDevice(ctx, uuid, session); err != nil {
			return nil, err
		}
		return true, nil

	case MethodCloseDevice:
		uuid, err := uuidArg(args)
		if err != nil {
			return nil, err
		}
		d.coordinator.CloseDevice(uuid, session)
		return true, nil

	case MethodRead:
		uuid, err := uuidArg(args)
		if err != nil {
			return nil, err
		}
		return d.coordinator.Read(ctx, uuid)

	case MethodWrite:
		uuid, data, err := writeArgs(args)
		if err != nil {
			return nil, err
		}
		if err := d.coordinator.Write(ctx, uuid, data); err != nil {
			return nil, err
		}
		return true, nil

	case MethodForgetDevice:
		uuid, err := uuidArg(args)
		if err != nil {
			return nil, err
		}
		success, err := d.coordinator.ForgetDevice(ctx, uuid)
		if err != nil {
			return nil, err
		}
		return success, nil

	default:
		return nil, ErrProtocol
	}
}
