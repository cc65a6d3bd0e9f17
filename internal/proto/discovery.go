package proto

import "strconv"

// DiscoveryMsg is the periodic broadcast probe. It is the only unsigned
// message: the sender proves nothing until it answers a challenge.
type DiscoveryMsg struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	NodeName  string `json:"node_name"`
	PublicID  string `json:"public_id"`
	Timestamp int64  `json:"timestamp"`
}

func (DiscoveryMsg) MsgType() string { return TypeDiscovery }

// DiscoveryResponseMsg answers a probe with this node's identity plus a
// fresh challenge the prober must answer.
type DiscoveryResponseMsg struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	NodeName  string `json:"node_name"`
	PublicID  string `json:"public_id"`
	Challenge string `json:"challenge"`
	Timestamp int64  `json:"timestamp"`
	Sig       string `json:"sig"`
}

func (DiscoveryResponseMsg) MsgType() string { return TypeDiscoveryResponse }

func (m DiscoveryResponseMsg) SigInput() []byte {
	return sigInput("nexlattice:discresp:v1",
		m.NodeID, m.NodeName, m.PublicID, m.Challenge,
		strconv.FormatInt(m.Timestamp, 10))
}

// AuthResponseMsg completes the handshake by answering the challenge.
type AuthResponseMsg struct {
	Type              string `json:"type"`
	NodeID            string `json:"node_id"`
	PublicID          string `json:"public_id"`
	ChallengeResponse string `json:"challenge_response"`
	Timestamp         int64  `json:"timestamp"`
	Sig               string `json:"sig"`
}

func (AuthResponseMsg) MsgType() string { return TypeAuthResponse }

func (m AuthResponseMsg) SigInput() []byte {
	return sigInput("nexlattice:authresp:v1",
		m.NodeID, m.PublicID, m.ChallengeResponse,
		strconv.FormatInt(m.Timestamp, 10))
}
