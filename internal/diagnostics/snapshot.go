package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"

	"github.com/pandemic-venue/venuehost/internal/registry"
)

// snapshotDoc is the shape of a debug room snapshot. It is diagnostic
// only — never consumed by any peer-facing operation, so its shape is
// free to change without touching the wire protocol.
type snapshotDoc struct {
	TakenAtMs int64            `json:"takenAtMs"`
	Room      registry.Room    `json:"room"`
	Peers     []registry.Peer  `json:"peers"`
}

// SnapshotSource builds lz4-compressed dumps of the current room state
// for operator debugging. Unlike TransferEngine's authoritative
// SHA-256, this is a cheap, lossy operational aid — repurposing the
// teacher's lz4 dependency away from file bytes (where compressing
// already-compressed audio would be pointless and would risk the
// exact-byte relay invariant) toward this JSON dump instead.
type SnapshotSource struct {
	reg    *registry.Registry
	logger *zap.Logger
}

// NewSnapshotSource constructs a SnapshotSource over reg.
func NewSnapshotSource(reg *registry.Registry, logger *zap.Logger) *SnapshotSource {
	return &SnapshotSource{reg: reg, logger: logger}
}

func (s *SnapshotSource) build(nowMs int64) ([]byte, error) {
	doc := snapshotDoc{
		TakenAtMs: nowMs,
		Room:      s.reg.RoomSnapshot(),
		Peers:     s.reg.AllPeers(),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	var compressed bytes.Buffer
	w := lz4.NewWriter(&compressed)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return compressed.Bytes(), nil
}

// ServeHTTP writes the current lz4-compressed snapshot.
func (s *SnapshotSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, err := s.build(time.Now().UnixMilli())
	if err != nil {
		http.Error(w, "snapshot unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Compression", "lz4")
	w.Write(data)
}

// RunPeriodicDump logs the compressed snapshot size at a fixed interval
// until ctx is cancelled. Pure operational aid for an operator tailing
// logs without an HTTP client handy.
func (s *SnapshotSource) RunPeriodicDump(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := s.build(time.Now().UnixMilli())
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("debug snapshot build failed", zap.Error(err))
				}
				continue
			}
			if s.logger != nil {
				s.logger.Debug("debug room snapshot", zap.Int("compressedBytes", len(data)))
			}
		}
	}
}
