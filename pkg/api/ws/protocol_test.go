package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr bool
		wantID  string
		method  string
	}{
		{
			name:   "valid start_scan",
			frame:  `{"id":"1","method":{"name":"start_scan","args":[]}}`,
			wantID: "1",
			method: "start_scan",
		},
		{
			name:   "valid connect with args",
			frame:  `{"id":"2","method":{"name":"connect_device","args":["hci0/dev_AA"]}}`,
			wantID: "2",
			method: "connect_device",
		},
		{
			name:    "not json",
			frame:   `hello`,
			wantErr: true,
		},
		{
			name:    "missing method, id recoverable",
			frame:   `{"id":"7"}`,
			wantErr: true,
			wantID:  "7",
		},
		{
			name:    "empty object",
			frame:   `{}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, id, err := decodeRequest([]byte(tt.frame))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrProtocol)
				assert.Equal(t, tt.wantID, id)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, req.ID)
			assert.Equal(t, tt.method, req.Method.Name)
		})
	}
}

func TestUUIDArg(t *testing.T) {
	uuid, err := uuidArg(json.RawMessage(`["hci0/dev_AA"]`))
	require.NoError(t, err)
	assert.Equal(t, "hci0/dev_AA", uuid)

	_, err = uuidArg(json.RawMessage(`[]`))
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = uuidArg(json.RawMessage(`["a","b"]`))
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = uuidArg(json.RawMessage(`[1]`))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestWriteArgs(t *testing.T) {
	uuid, data, err := writeArgs(json.RawMessage(`["hci0/dev_AA",[0,1,255]]`))
	require.NoError(t, err)
	assert.Equal(t, "hci0/dev_AA", uuid)
	assert.Equal(t, []byte{0, 1, 255}, data)

	_, _, err = writeArgs(json.RawMessage(`["hci0/dev_AA"]`))
	assert.ErrorIs(t, err, ErrProtocol)

	_, _, err = writeArgs(json.RawMessage(`["hci0/dev_AA","AAEC"]`))
	assert.ErrorIs(t, err, ErrProtocol)

	_, _, err = writeArgs(json.RawMessage(`[42,[1]]`))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestResponseEnvelopeShape(t *testing.T) {
	resp := Response{
		ID:      "1",
		Method:  Method{Name: "connect_device", Args: json.RawMessage(`["hci0/dev_AA"]`)},
		Payload: true,
	}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1","method":{"name":"connect_device","args":["hci0/dev_AA"]},"payload":true}`, string(data))

	fail := ErrorResponse{
		ID:     "2",
		Method: Method{Name: "write", Args: json.RawMessage(`[]`)},
		Error:  "Timeout",
	}
	data, err = json.Marshal(fail)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"2","method":{"name":"write","args":[]},"error":"Timeout"}`, string(data))
}
