package proto

import (
	"fmt"
	"strconv"
)

// DefaultDataTTL is the de-duplication lifetime a DATA message requests, in
// seconds.
const DefaultDataTTL = 60

// DataMsg is an application message routed hop-by-hop. NodeID identifies the
// transmitting hop and changes on every forward; Source, the originator, does
// not. HopCount and NodeID are excluded from the signed bytes so the
// originator's signature survives forwarding unmodified.
type DataMsg struct {
	Type        string `json:"type"`
	NodeID      string `json:"node_id"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	// Payload is hex-encoded: ciphertext when Encrypted, raw bytes otherwise.
	Payload   string `json:"payload"`
	Encrypted bool   `json:"encrypted"`
	HopCount  int    `json:"hop_count"`
	MsgID     string `json:"msg_id"`
	TTL       int    `json:"ttl"`
	Timestamp int64  `json:"timestamp"`
	Sig       string `json:"sig"`
}

func (DataMsg) MsgType() string { return TypeData }

func (m DataMsg) SigInput() []byte {
	enc := "0"
	if m.Encrypted {
		enc = "1"
	}
	return sigInput("nexlattice:data:v1",
		m.Source, m.Destination, m.Payload, enc, m.MsgID,
		strconv.Itoa(m.TTL), strconv.FormatInt(m.Timestamp, 10))
}

// NewMsgID builds a message id unique per sender: the sender id plus a
// counter that increases monotonically for the process lifetime.
func NewMsgID(sourceID string, counter uint64) string {
	return fmt.Sprintf("%s-%d", sourceID, counter)
}
