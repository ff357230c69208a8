package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pandemic-venue/venuehost/internal/hostlibrary"
	"github.com/pandemic-venue/venuehost/internal/registry"
	"github.com/pandemic-venue/venuehost/internal/transfer"
	"github.com/pandemic-venue/venuehost/internal/transport"
)

type fakeClock struct {
	mu sync.Mutex
	ms int64
}

func (f *fakeClock) NowMs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ms
}

func (f *fakeClock) advance(ms int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ms += ms
}

type recordingDisconnector struct {
	mu      sync.Mutex
	evicted []string
}

func (r *recordingDisconnector) HandleDisconnect(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, peerID)
}

func (r *recordingDisconnector) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.evicted))
	copy(out, r.evicted)
	return out
}

func TestSweepEvictsOnlyPeersPastHeartbeatTimeout(t *testing.T) {
	fc := &fakeClock{ms: 0}
	reg := registry.New(fc, "room-1", "Room")
	lib := hostlibrary.NewMemory("Room")
	xfer := transfer.New(reg, lib, fc, nil, noopSender{}, 1024, 0, time.Second)
	disc := &recordingDisconnector{}

	_, err := reg.RegisterPeer("stale", "A", "android", "", nil)
	require.NoError(t, err)
	_, err = reg.RegisterPeer("fresh", "B", "android", "", nil)
	require.NoError(t, err)

	fc.advance(100)
	reg.Touch("fresh")

	ticker := New(reg, xfer, disc, fc, nil, 50*time.Millisecond, time.Hour, time.Millisecond)
	ticker.sweep()

	evicted := disc.snapshot()
	require.Equal(t, []string{"stale"}, evicted)
}

func TestSweepReapsStaleTransfers(t *testing.T) {
	fc := &fakeClock{ms: 0}
	reg := registry.New(fc, "room-1", "Room")
	lib := hostlibrary.NewMemory("Room")
	xfer := transfer.New(reg, lib, fc, nil, noopSender{}, 1024, 0, time.Millisecond)
	disc := &recordingDisconnector{}

	_, err := reg.RegisterPeer("requester", "A", "android", "", nil)
	require.NoError(t, err)
	_, err = xfer.StartPeerSourced("f1", "requester", "source", "stuck", 10, "audio/mpeg", "sha")
	require.NoError(t, err)

	fc.advance(1000)
	ticker := New(reg, xfer, disc, fc, nil, time.Hour, 500*time.Millisecond, time.Millisecond)
	ticker.sweep()

	tr, ok := xfer.Get("stuck")
	require.True(t, ok)
	require.Equal(t, transfer.StateCancelled, tr.State)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fc := &fakeClock{ms: 0}
	reg := registry.New(fc, "room-1", "Room")
	lib := hostlibrary.NewMemory("Room")
	xfer := transfer.New(reg, lib, fc, nil, noopSender{}, 1024, 0, time.Second)
	disc := &recordingDisconnector{}

	ticker := New(reg, xfer, disc, fc, nil, time.Hour, time.Hour, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ticker.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

type noopSender struct{}

func (noopSender) SendText(ep *transport.Endpoint, msg interface{}) {}
