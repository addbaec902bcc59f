package model

import (
	"encoding/json"
	gerrors "errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIs(t *testing.T) {
	cause := gerrors.New("connection refused")
	err := ErrRegistrationFailed.WithError(cause)
	require.True(t, gerrors.Is(err, ErrRegistrationFailed))
	require.False(t, gerrors.Is(err, ErrInvalidConfig))
	require.True(t, gerrors.Is(err, cause))
	require.Equal(t, "103|unable to register with message source: connection refused", err.Error())
}

func TestTypedError(t *testing.T) {
	require.Equal(t, ErrInvalidDemand, TypedError(ErrInvalidDemand))
	typed := TypedError(gerrors.New("boom"))
	require.EqualValues(t, ErrCodeUnknownError, typed.Code)
	require.Equal(t, "boom", typed.Description)
}

func TestParseDataFormat(t *testing.T) {
	f, err := ParseDataFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, f)

	f, err = ParseDataFormat("binary")
	require.NoError(t, err)
	require.Equal(t, FormatBinary, f)

	_, err = ParseDataFormat("XML")
	require.True(t, gerrors.Is(err, ErrInvalidConfig))
}

func TestTopicUpdateJSON(t *testing.T) {
	batch := NewTopicUpdateBatch([]*TopicUpdate{{
		Topic:     "sensor/1/temp",
		Payload:   "21.5",
		Format:    FormatJSON,
		Timestamp: 1700000000000,
		QoS:       1,
		ClientID:  "plc01",
	}}, 1700000000050)

	b, err := json.Marshal(batch)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"updates": [{"topic": "sensor/1/temp", "payload": "21.5", "format": "JSON", "timestamp": 1700000000000, "qos": 1, "retained": false, "clientId": "plc01"}],
		"count": 1,
		"timestamp": 1700000000050
	}`, string(b))
}
