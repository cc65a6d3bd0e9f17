// Package proto defines the wire protocol: one JSON object per UDP datagram,
// discriminated by a closed set of type tags. Binary fields are hex-encoded.
// Each signed type has exactly one canonical byte encoding used for both
// transmission and signature computation.
package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeDiscovery         = "DISCOVERY"
	TypeDiscoveryResponse = "DISCOVERY_RESPONSE"
	TypeAuthResponse      = "AUTH_RESPONSE"
	TypeData              = "DATA"
	TypePing              = "PING"
	TypePong              = "PONG"
	TypeStats             = "STATS"

	// MaxDatagramSize bounds every inbound datagram we are willing to parse.
	MaxDatagramSize = 64 << 10
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownType      = errors.New("unknown message type")
)

// Message is implemented by every wire message type.
type Message interface {
	MsgType() string
}

// Encode marshals any wire message to its datagram form.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("message too large: %d bytes", len(data))
	}
	return data, nil
}

// Decode parses a datagram into its typed message. The type tag is sniffed
// first so unknown types are rejected at the boundary without trusting any
// other field.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 || len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: bad size %d", ErrMalformedMessage, len(data))
	}
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var (
		msg Message
		err error
	)
	switch hdr.Type {
	case TypeDiscovery:
		msg, err = decodeInto[DiscoveryMsg](data)
	case TypeDiscoveryResponse:
		msg, err = decodeInto[DiscoveryResponseMsg](data)
	case TypeAuthResponse:
		msg, err = decodeInto[AuthResponseMsg](data)
	case TypeData:
		msg, err = decodeInto[DataMsg](data)
	case TypePing:
		msg, err = decodeInto[PingMsg](data)
	case TypePong:
		msg, err = decodeInto[PongMsg](data)
	case TypeStats:
		msg, err = decodeInto[StatsMsg](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, hdr.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

func decodeInto[T Message](data []byte) (Message, error) {
	var m T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// sigInput builds the canonical byte encoding signed by a message: a version
// label followed by length-prefixed fields, so no field ordering or
// concatenation ambiguity can produce a colliding encoding.
func sigInput(label string, fields ...string) []byte {
	size := len(label)
	for _, f := range fields {
		size += 4 + len(f)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, []byte(label)...)
	var tmp [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(tmp[:], uint32(len(f)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, []byte(f)...)
	}
	return buf
}
