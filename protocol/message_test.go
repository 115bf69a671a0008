package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidation(t *testing.T) {
	tests := []struct {
		name        string
		envelope    Envelope
		expectError bool
		errorType   error
	}{
		{
			name:     "Valid broadcast envelope",
			envelope: NewEnvelope("BLOCK", "node1", map[string]any{"height": "12"}),
		},
		{
			name: "Valid unicast envelope",
			envelope: Envelope{
				Type: "PING",
				From: "node1",
				To:   "node2",
			},
		},
		{
			name:        "Empty type",
			envelope:    Envelope{From: "node1"},
			expectError: true,
			errorType:   ErrEmptyType,
		},
		{
			name:        "Empty node ID",
			envelope:    Envelope{Type: "PING"},
			expectError: true,
			errorType:   ErrEmptyNodeID,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.envelope.validate()

			if tc.expectError {
				require.Error(t, err)
				require.ErrorIs(t, err, tc.errorType)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestEncodeRejectsInvalidEnvelope(t *testing.T) {
	_, err := Encode(Envelope{Type: "PING"})
	require.ErrorIs(t, err, ErrValidationFailed)
}

func TestCriticalEdgeCases(t *testing.T) {
	t.Run("Empty data decoding", func(t *testing.T) {
		_, err := Decode([]byte{})
		require.ErrorIs(t, err, ErrEmptyMessage)
	})

	t.Run("Header without payload", func(t *testing.T) {
		_, err := Decode([]byte{0x00})
		require.ErrorIs(t, err, ErrEmptyMessage)
	})

	t.Run("Invalid msgpack data", func(t *testing.T) {
		invalidData := []byte{0x00, 0xFF, 0xFF, 0xFF}

		_, err := Decode(invalidData)
		require.ErrorIs(t, err, ErrUnmarshall)
	})

	t.Run("Corrupted compressed payload", func(t *testing.T) {
		_, err := Decode([]byte{MessageFlagCompressed, 0x01, 0x02, 0x03})
		require.ErrorIs(t, err, ErrDecompression)
	})
}

func TestEncodeDecodeUnicast(t *testing.T) {
	env := NewEnvelope("PING", "node1", map[string]any{"nonce": "abc"})
	env.To = "node2"

	encoded, err := Encode(env)
	require.NoError(t, err)
	require.Equal(t, byte(0), encoded[0], "small messages must not be compressed")

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, env.Type, decoded.Type)
	require.Equal(t, env.From, decoded.From)
	require.Equal(t, "node2", decoded.To)
	require.Equal(t, env.Timestamp, decoded.Timestamp)
	require.Equal(t, "abc", decoded.String("nonce"))
	require.False(t, decoded.IsControl())
}

func TestCompressionAndEncodeDecode(t *testing.T) {
	env := NewEnvelope("BLOCK", "compression-test-node", map[string]any{
		"body": strings.Repeat("transaction-batch;", 200),
	})

	encoded, err := Encode(env)
	require.NoError(t, err)
	require.Equal(t, byte(MessageFlagCompressed), encoded[0])

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, env.Type, decoded.Type)
	require.Equal(t, env.From, decoded.From)
	require.Equal(t, env.Data["body"], decoded.Data["body"])
	require.Empty(t, decoded.To)
}

func TestControlTypes(t *testing.T) {
	hello := NewEnvelope(TypeHello, "node1", nil)
	heartbeat := NewEnvelope(TypeHeartbeat, "node1", nil)

	require.True(t, hello.IsControl())
	require.True(t, heartbeat.IsControl())
	require.NotNil(t, hello.Data)
	require.Empty(t, hello.String("addr"))
}
