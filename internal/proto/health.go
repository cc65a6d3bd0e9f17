package proto

import "strconv"

type PingMsg struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
	Sig       string `json:"sig"`
}

func (PingMsg) MsgType() string { return TypePing }

func (m PingMsg) SigInput() []byte {
	return sigInput("nexlattice:ping:v1",
		m.NodeID, strconv.FormatUint(m.Seq, 10),
		strconv.FormatInt(m.Timestamp, 10))
}

type PongMsg struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
	Sig       string `json:"sig"`
}

func (PongMsg) MsgType() string { return TypePong }

func (m PongMsg) SigInput() []byte {
	return sigInput("nexlattice:pong:v1",
		m.NodeID, strconv.FormatUint(m.Seq, 10),
		strconv.FormatInt(m.Timestamp, 10))
}
