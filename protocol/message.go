package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ogzhanolguncu/peernet/assertions"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// TypeHello opens every connection; Data carries the sender's listen address.
	TypeHello = "HELLO"
	// TypeHeartbeat is the periodic liveness broadcast.
	TypeHeartbeat = "HEARTBEAT"

	MessageFlagCompressed = 0x80

	CompressionThreshold = 1 << 10  // Only compress messages larger than this (bytes)
	MaxMessageSize       = 10 << 20 // 10MB
)

var (
	ErrEmptyMessage     = errors.New("protocol: empty message data")
	ErrDecompression    = errors.New("protocol: failed to decompress data")
	ErrUnmarshall       = errors.New("protocol: failed to decode message")
	ErrEmptyType        = errors.New("protocol: empty message type")
	ErrMessageTooLarge  = errors.New("protocol: message exceeds maximum size")
	ErrEmptyNodeID      = errors.New("protocol: empty node ID")
	ErrValidationFailed = errors.New("protocol: message validation failed")
	ErrEncodingFailed   = errors.New("protocol: message encoding failed")
)

// Envelope is the unit exchanged between peers. To is set only on unicast.
type Envelope struct {
	Type      string         `msgpack:"type"`
	Data      map[string]any `msgpack:"data"`
	From      string         `msgpack:"from"`
	To        string         `msgpack:"to,omitempty"`
	Timestamp int64          `msgpack:"timestamp"` // unix milliseconds
}

// NewEnvelope stamps a message from nodeID with the current time.
func NewEnvelope(msgType, from string, data map[string]any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		Type:      msgType,
		Data:      data,
		From:      from,
		Timestamp: time.Now().UnixMilli(),
	}
}

// IsControl reports whether the envelope belongs to the connection protocol
// rather than to the application.
func (e *Envelope) IsControl() bool {
	return e.Type == TypeHello || e.Type == TypeHeartbeat
}

// Time converts the envelope timestamp back to a time.Time.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// String reads a string field from Data, returning "" when missing or of another type.
func (e *Envelope) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

func (e *Envelope) validate() error {
	assertions.AssertNotNil(e, "envelope cannot be nil")
	if e.Type == "" {
		return ErrEmptyType
	}
	if e.From == "" {
		return ErrEmptyNodeID
	}
	return nil
}

// encode validates, marshals, checks size and compresses when it pays off.
// The first byte of the result is the compression flag.
func (e *Envelope) encode() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}

	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message size %d exceeds limit %d",
			ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	if len(data) > CompressionThreshold {
		compressed := encoder.EncodeAll(data, make([]byte, 1, len(data)/2+1))
		if len(compressed)-1 < len(data) {
			compressed[0] = MessageFlagCompressed
			return compressed, nil
		}
	}

	result := make([]byte, 1+len(data))
	copy(result[1:], data)
	return result, nil
}

func (e *Envelope) decode(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyMessage
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: received message size %d exceeds limit %d",
			ErrMessageTooLarge, len(data), MaxMessageSize)
	}
	if len(data) < 2 {
		return fmt.Errorf("%w: message has no payload", ErrEmptyMessage)
	}

	payload := data[1:]
	if data[0] == MessageFlagCompressed {
		decompressed, err := decoder.DecodeAll(payload, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecompression, err)
		}
		payload = decompressed
	}

	if err := msgpack.Unmarshal(payload, e); err != nil {
		return fmt.Errorf("%w: %v", ErrUnmarshall, err)
	}

	return e.validate()
}

// Encode turns an envelope into a frame payload.
func Encode(env Envelope) ([]byte, error) {
	return env.encode()
}

// Decode parses a frame payload produced by Encode.
func Decode(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := env.decode(data); err != nil {
		return nil, err
	}
	return env, nil
}

// Shared zstd coders; EncodeAll and DecodeAll are safe for concurrent use.
var (
	encoder = mustEncoder()
	decoder = mustDecoder()
)

func mustEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil)
	assertions.Assert(err == nil, "zstd encoder must initialize")
	return enc
}

func mustDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxMessageSize))
	assertions.Assert(err == nil, "zstd decoder must initialize")
	return dec
}
