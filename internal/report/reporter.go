// Package report pushes periodic status snapshots to an external dashboard
// collector over HTTP. Reporting is best effort: a failed POST is counted and
// logged, never propagated.
package report

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"nexlattice/internal/crypto"
	"nexlattice/internal/metrics"
	"nexlattice/internal/peer"
	"nexlattice/internal/proto"
)

const requestTimeout = 10 * time.Second

type Reporter struct {
	identity *crypto.Identity
	url      string
	dir      *peer.Directory
	metrics  *metrics.Metrics
	log      *zap.Logger
	client   *http.Client
	started  time.Time
}

func New(id *crypto.Identity, url string, dir *peer.Directory, m *metrics.Metrics, log *zap.Logger) *Reporter {
	return &Reporter{
		identity: id,
		url:      url,
		dir:      dir,
		metrics:  m,
		log:      log,
		client:   &http.Client{Timeout: requestTimeout},
		started:  time.Now(),
	}
}

// Enabled reports whether a collector URL is configured.
func (r *Reporter) Enabled() bool { return r.url != "" }

// Snapshot assembles the current report without sending it.
func (r *Reporter) Snapshot() proto.StatsMsg {
	peers := r.dir.Authenticated()
	stats := make([]proto.PeerStat, 0, len(peers))
	for _, rec := range peers {
		stats = append(stats, proto.PeerStat{
			ID:          rec.ID,
			Name:        rec.Name,
			Addr:        rec.Addr,
			LatencyMS:   rec.LatencyMS,
			HopDistance: rec.HopDistance,
			LastSeen:    rec.LastSeen.UnixMilli(),
		})
	}
	return proto.StatsMsg{
		Type:     proto.TypeStats,
		NodeID:   r.identity.ID,
		NodeName: r.identity.Name,
		Peers:    stats,
		Stats: proto.Counters{
			MessagesSent:      r.metrics.Sent(),
			MessagesReceived:  r.metrics.Received(),
			MessagesForwarded: r.metrics.Forwarded(),
			UptimeSec:         int64(time.Since(r.started).Seconds()),
		},
		Timestamp: time.Now().UnixMilli(),
	}
}

// Report POSTs one snapshot to the collector.
func (r *Reporter) Report(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	body, err := proto.Encode(r.Snapshot())
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build stats request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.IncReportFail()
		r.log.Warn("status report failed", zap.String("url", r.url), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.metrics.IncReportFail()
		r.log.Warn("status report rejected",
			zap.String("url", r.url), zap.Int("status", resp.StatusCode))
	}
	return nil
}
