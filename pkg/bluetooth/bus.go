package bluetooth

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ByteArray marshals as a JSON array of numbers instead of base64, matching
// the wire format clients expect for payload bytes.
type ByteArray []byte

// MarshalJSON implements json.Marshaler.
func (b ByteArray) MarshalJSON() ([]byte, error) {
	ints := make([]uint16, len(b))
	for i, v := range b {
		ints[i] = uint16(v)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON implements json.Unmarshaler. Only the number-array form is
// accepted; a base64 string is rejected.
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var ints []uint16
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v > 255 {
			return fmt.Errorf("byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// AbortKind scopes a cooperative cancellation signal to one class of
// in-flight work on the originating session.
type AbortKind int

const (
	AbortScan AbortKind = iota
	AbortRead
	AbortDisconnect
)

func (k AbortKind) String() string {
	switch k {
	case AbortScan:
		return "scan"
	case AbortRead:
		return "read"
	case AbortDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Notification event names, as they appear in the outbound envelope.
const (
	EvtAdapterStateChanged    = "adapter_state_changed"
	EvtScanningUpdate         = "scanning_update"
	EvtDeviceDiscovered       = "device_discovered"
	EvtDeviceUpdated          = "device_updated"
	EvtDeviceConnected        = "device_connected"
	EvtDevicePairing          = "device_pairing"
	EvtDeviceConnectionStatus = "device_connection_status"
	EvtDeviceDisconnected     = "device_disconnected"
	EvtDeviceRead             = "device_read"
)

// NotificationEvent is an unsolicited event pushed to sessions, tagged by
// name with an event-specific payload.
type NotificationEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// AdapterStatePayload accompanies adapter_state_changed.
type AdapterStatePayload struct {
	Powered bool `json:"powered"`
}

// ScanningPayload accompanies scanning_update.
type ScanningPayload struct {
	Devices []DeviceInfo `json:"devices"`
}

// DeviceListPayload accompanies device_updated / device_connected /
// device_disconnected.
type DeviceListPayload struct {
	UUID    string       `json:"uuid"`
	Devices []DeviceInfo `json:"devices"`
}

// DiscoveredPayload accompanies device_discovered.
type DiscoveredPayload struct {
	UUID      string       `json:"uuid"`
	Timestamp uint64       `json:"timestamp"`
	Devices   []DeviceInfo `json:"devices"`
}

// PairingPayload accompanies device_pairing.
type PairingPayload struct {
	UUID   string `json:"uuid"`
	Paired bool   `json:"paired"`
	PIN    string `json:"pin"`
}

// ConnectionStatusPayload accompanies device_connection_status.
type ConnectionStatusPayload struct {
	UUID  string `json:"uuid"`
	Phase string `json:"phase"`
}

// ReadPayload accompanies device_read.
type ReadPayload struct {
	UUID string    `json:"uuid"`
	Data ByteArray `json:"data"`
}

// ChannelMessage is the internal envelope fanned out to session channels.
type ChannelMessage struct {
	// Abort carries a cancellation signal when IsAbort is set.
	Abort   AbortKind
	IsAbort bool

	// Notification carries an event otherwise.
	Notification *NotificationEvent
}

// AbortMessage builds a cancellation envelope.
func AbortMessage(kind AbortKind) ChannelMessage {
	return ChannelMessage{Abort: kind, IsAbort: true}
}

// NotificationMessage builds a notification envelope.
func NotificationMessage(event NotificationEvent) ChannelMessage {
	return ChannelMessage{Notification: &event}
}

// broadcastCapacity bounds each subscriber channel. Slow subscribers lose
// messages rather than grow memory; every notification carries a full
// snapshot so a dropped one is recoverable.
const broadcastCapacity = 32

// Broadcaster is one session's message channel: many publishers, many
// subscribers, lossy at capacity.
type Broadcaster struct {
	mu   sync.Mutex
	subs []chan ChannelMessage
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Send delivers msg to every current subscriber without blocking. Full
// subscribers are skipped.
func (b *Broadcaster) Send(msg ChannelMessage) {
	b.mu.Lock()
	subs := make([]chan ChannelMessage, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe registers a new receiver. The caller must Unsubscribe when
// done; a dropped receiver is not collected on its own.
func (b *Broadcaster) Subscribe() chan ChannelMessage {
	ch := make(chan ChannelMessage, broadcastCapacity)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a receiver registered by Subscribe.
func (b *Broadcaster) Unsubscribe(ch chan ChannelMessage) {
	b.mu.Lock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			break
		}
	}
	b.mu.Unlock()
}

// Session is one client connection's view of the coordinator: an id, the
// session broadcast channel and the reader bookkeeping that keeps open
// devices to a single reader per peripheral.
type Session struct {
	ID  string
	Bus *Broadcaster

	mu      sync.Mutex
	readers map[string]chan struct{}
}

// NewSession creates a session with a fresh id and broadcast channel.
func NewSession() *Session {
	return &Session{
		ID:      uuid.NewString(),
		Bus:     NewBroadcaster(),
		readers: make(map[string]chan struct{}),
	}
}

// claimReader registers a reader for the device, stopping any previous one
// so at most one reader per (session, device) is live.
func (s *Session) claimReader(deviceUUID string) chan struct{} {
	stop := make(chan struct{})
	s.mu.Lock()
	if prev, ok := s.readers[deviceUUID]; ok {
		close(prev)
	}
	s.readers[deviceUUID] = stop
	s.mu.Unlock()
	return stop
}

// releaseReader forgets the reader registration if it is still current.
func (s *Session) releaseReader(deviceUUID string, stop chan struct{}) {
	s.mu.Lock()
	if cur, ok := s.readers[deviceUUID]; ok && cur == stop {
		delete(s.readers, deviceUUID)
	}
	s.mu.Unlock()
}
