package proto

// PeerStat is one entry of the peer list reported to the dashboard.
type PeerStat struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Addr        string  `json:"addr"`
	LatencyMS   float64 `json:"latency_ms"`
	HopDistance int     `json:"hop_distance"`
	LastSeen    int64   `json:"last_seen"`
}

// Counters is the stats block of a dashboard report.
type Counters struct {
	MessagesSent      uint64 `json:"messages_sent"`
	MessagesReceived  uint64 `json:"messages_received"`
	MessagesForwarded uint64 `json:"messages_forwarded"`
	UptimeSec         int64  `json:"uptime"`
}

// StatsMsg is the periodic status report POSTed to the dashboard collector.
// It rides HTTP, not the mesh, and is unsigned.
type StatsMsg struct {
	Type      string     `json:"type"`
	NodeID    string     `json:"node_id"`
	NodeName  string     `json:"node_name"`
	Peers     []PeerStat `json:"peers"`
	Stats     Counters   `json:"stats"`
	Timestamp int64      `json:"timestamp"`
}

func (StatsMsg) MsgType() string { return TypeStats }
