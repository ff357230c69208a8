// Package liveness implements the host process's periodic sweep: evict
// peers that stopped heartbeating and reap transfers that went stale
// before completion (spec §3, §4.4). Grounded on the teacher SendIt
// server's cleanup goroutine (ticker + expiry-by-timestamp sweep).
package liveness

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pandemic-venue/venuehost/internal/clock"
	"github.com/pandemic-venue/venuehost/internal/metrics"
	"github.com/pandemic-venue/venuehost/internal/registry"
	"github.com/pandemic-venue/venuehost/internal/transfer"
)

// Disconnector runs the same peer-removal cascade used for a normal
// websocket close, so an evicted peer is indistinguishable to the rest
// of the room from one that disconnected outright.
type Disconnector interface {
	HandleDisconnect(peerID string)
}

// Ticker periodically evicts stale peers and stale transfers.
type Ticker struct {
	reg    *registry.Registry
	xfer   *transfer.Engine
	disc   Disconnector
	clock  clock.Clock
	logger *zap.Logger

	heartbeatTimeoutMs int64
	transferTTLMs      int64
	interval           time.Duration
}

// New constructs a Ticker. heartbeatTimeout bounds how long a peer may
// go without a HEARTBEAT before eviction; transferTTL bounds how long a
// transfer may sit with no chunk activity before it is reaped.
func New(reg *registry.Registry, xfer *transfer.Engine, disc Disconnector, c clock.Clock, logger *zap.Logger, heartbeatTimeout, transferTTL, interval time.Duration) *Ticker {
	return &Ticker{
		reg:                reg,
		xfer:               xfer,
		disc:               disc,
		clock:              c,
		logger:             logger,
		heartbeatTimeoutMs: heartbeatTimeout.Milliseconds(),
		transferTTLMs:      transferTTL.Milliseconds(),
		interval:           interval,
	}
}

// Run blocks, sweeping at the configured interval until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Ticker) sweep() {
	now := t.clock.NowMs()

	staleCutoff := now - t.heartbeatTimeoutMs
	for _, p := range t.reg.AllPeers() {
		if p.LastSeenMs < staleCutoff {
			if t.logger != nil {
				t.logger.Info("evicting peer on heartbeat timeout", zap.String("peerId", p.PeerID))
			}
			metrics.PeerEvictionsTotal.WithLabelValues("heartbeat_timeout").Inc()
			t.disc.HandleDisconnect(p.PeerID)
		}
	}

	transferCutoff := now - t.transferTTLMs
	for _, id := range t.xfer.StaleBefore(transferCutoff) {
		if t.logger != nil {
			t.logger.Info("reaping stale transfer", zap.String("transferId", id))
		}
		t.xfer.Cancel(id, "transfer ttl exceeded")
	}
}
