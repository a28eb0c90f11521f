package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryPayloadAcceptsBase64String(t *testing.T) {
	var p SyncStep1Payload
	require.NoError(t, json.Unmarshal(
		[]byte(`{"session_id":"s1","state_vector":"AAEC"}`), &p))
	assert.Equal(t, BinaryPayload{0, 1, 2}, p.StateVector)
}

func TestBinaryPayloadAcceptsByteArray(t *testing.T) {
	var p UpdatePayload
	require.NoError(t, json.Unmarshal(
		[]byte(`{"session_id":"s1","update":[0,127,255]}`), &p))
	assert.Equal(t, BinaryPayload{0, 127, 255}, p.Update)
}

func TestBinaryPayloadRejectsOutOfRangeElements(t *testing.T) {
	var p UpdatePayload
	err := json.Unmarshal([]byte(`{"update":[0,256]}`), &p)
	require.Error(t, err)

	err = json.Unmarshal([]byte(`{"update":[-1]}`), &p)
	require.Error(t, err)
}

func TestBinaryPayloadMarshalsAsByteArray(t *testing.T) {
	out, err := json.Marshal(BinaryPayload{10, 20, 30})
	require.NoError(t, err)
	assert.JSONEq(t, `[10,20,30]`, string(out))

	// Empty payload stays an array, never null.
	out, err = json.Marshal(BinaryPayload{})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(out))
}

func TestEncodeEventWrapsEnvelope(t *testing.T) {
	frame, err := EncodeEvent(EventSyncStep2, &SyncStep2Payload{
		SessionID: "s1",
		Update:    BinaryPayload{1, 2},
	})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, EventSyncStep2, env.Event)

	var p SyncStep2Payload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, BinaryPayload{1, 2}, p.Update)
}
