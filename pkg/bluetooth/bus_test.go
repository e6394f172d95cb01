package bluetooth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteArrayJSON(t *testing.T) {
	data, err := json.Marshal(ByteArray{0, 1, 255})
	require.NoError(t, err)
	assert.JSONEq(t, "[0,1,255]", string(data))

	var back ByteArray
	require.NoError(t, json.Unmarshal([]byte("[3,2,1]"), &back))
	assert.Equal(t, ByteArray{3, 2, 1}, back)

	assert.Error(t, json.Unmarshal([]byte(`"AAEC"`), &back), "base64 form is not accepted")
}

func TestBroadcasterFanout(t *testing.T) {
	b := NewBroadcaster()
	r1 := b.Subscribe()
	r2 := b.Subscribe()

	b.Send(AbortMessage(AbortScan))

	for _, r := range []chan ChannelMessage{r1, r2} {
		msg := <-r
		assert.True(t, msg.IsAbort)
		assert.Equal(t, AbortScan, msg.Abort)
	}
}

func TestBroadcasterLossyAtCapacity(t *testing.T) {
	b := NewBroadcaster()
	r := b.Subscribe()

	for i := 0; i < broadcastCapacity+10; i++ {
		b.Send(NotificationMessage(NotificationEvent{Event: EvtScanningUpdate}))
	}

	// The receiver keeps exactly the channel capacity; overflow was
	// dropped without blocking the sender.
	assert.Len(t, r, broadcastCapacity)
}

func TestBroadcasterUnsubscribeClosesReceiver(t *testing.T) {
	b := NewBroadcaster()
	r := b.Subscribe()
	b.Unsubscribe(r)

	_, open := <-r
	assert.False(t, open)

	// Sending after unsubscribe does not panic.
	b.Send(AbortMessage(AbortRead))
}

func TestSessionReaderUniqueness(t *testing.T) {
	s := NewSession()

	first := s.claimReader("dev")
	second := s.claimReader("dev")

	// Claiming again stops the previous reader.
	select {
	case <-first:
	default:
		t.Fatal("first reader was not stopped by the second claim")
	}

	// Releasing a stale handle leaves the current one registered.
	s.releaseReader("dev", first)
	s.mu.Lock()
	_, ok := s.readers["dev"]
	s.mu.Unlock()
	assert.True(t, ok)

	s.releaseReader("dev", second)
	s.mu.Lock()
	_, ok = s.readers["dev"]
	s.mu.Unlock()
	assert.False(t, ok)
}

func TestNotificationEnvelopeShape(t *testing.T) {
	event := NotificationEvent{
		Event:   EvtDevicePairing,
		Payload: PairingPayload{UUID: "dev", Paired: false, PIN: "123456"},
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"device_pairing","payload":{"uuid":"dev","paired":false,"pin":"123456"}}`, string(data))
}
