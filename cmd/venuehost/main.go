// Command venuehost runs the Pandemic Venue host process: a single LAN
// server that lets mobile peers discover each other over mDNS, maintain
// a shared audio-file index, and relay file transfers through the host
// (spec §1-§5). Startup/shutdown ordering and signal handling are
// grounded on Adityaadpandey-sfu-go's cmd/sfu/main.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pandemic-venue/venuehost/internal/advertise"
	"github.com/pandemic-venue/venuehost/internal/clock"
	"github.com/pandemic-venue/venuehost/internal/config"
	"github.com/pandemic-venue/venuehost/internal/diagnostics"
	"github.com/pandemic-venue/venuehost/internal/dispatch"
	"github.com/pandemic-venue/venuehost/internal/hostlibrary"
	"github.com/pandemic-venue/venuehost/internal/liveness"
	"github.com/pandemic-venue/venuehost/internal/logging"
	"github.com/pandemic-venue/venuehost/internal/protocol"
	"github.com/pandemic-venue/venuehost/internal/registry"
	"github.com/pandemic-venue/venuehost/internal/transfer"
	"github.com/pandemic-venue/venuehost/internal/transport"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting venue host", zap.Int("port", cfg.Port), zap.String("room", cfg.RoomName))

	sysClock := clock.NewSystem()
	lib := hostlibrary.NewMemory(cfg.RoomName)

	reg := registry.New(sysClock, clock.NewRoomID(), cfg.RoomName)
	reg.SetHostFiles(nil)

	disp := dispatch.New(reg, nil, lib, sysClock, cfg, logger, hostlibrary.HostPeerID)
	xfer := transfer.New(reg, lib, sysClock, logger, disp, cfg.ChunkSize, cfg.InterChunkYield, cfg.TransferGrace)
	disp.SetTransferEngine(xfer)

	// Registry bookkeeping and the Dispatcher broadcast are two distinct
	// consumers of one host-library change; both run on every OnChange
	// fire so a joined peer's INDEX_UPSERT/INDEX_REMOVE stays in sync
	// with what RoomRegistry would hand a newly-joining peer.
	lib.OnChange(func(added []hostlibrary.FileEntry, removedIDs []string) {
		addedMetas := toFileMetas(added)
		reg.UpsertHostFiles(addedMetas)
		reg.RemoveHostFiles(removedIDs)
		disp.BroadcastHostFilesChanged(addedMetas, removedIDs)
	})

	liveTicker := liveness.New(reg, xfer, disp, sysClock, logger, cfg.HeartbeatTimeout, cfg.TransferTTL, cfg.CleanupInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		liveTicker.Run(ctx)
	}()

	var snapshotSource *diagnostics.SnapshotSource
	if cfg.SnapshotDebugEnabled {
		snapshotSource = diagnostics.NewSnapshotSource(reg, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshotSource.RunPeriodicDump(ctx, cfg.SnapshotDebugInterval)
		}()
	}

	diag := diagnostics.New(fmt.Sprintf(":%d", cfg.MetricsPort), logger, snapshotSource)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := diag.Run(ctx); err != nil {
			logger.Error("diagnostics server stopped with error", zap.Error(err))
		}
	}()

	connLimiter := newPerIPLimiter(cfg.MaxConnsPerIP)

	server := newWebsocketServer(cfg, logger, disp, connLimiter)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("websocket listener failed", zap.Error(err))
		}
	}()

	advertiser := advertise.New(cfg.ServiceName, cfg.Port, cfg.RoomName, logger)
	if err := advertiser.Start(ctx); err != nil {
		logger.Warn("mdns advertisement failed to start", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	advertiser.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket listener shutdown error", zap.Error(err))
	}

	for _, p := range reg.AllPeers() {
		if p.Endpoint != nil {
			p.Endpoint.Close()
		}
	}

	wg.Wait()
	logger.Info("venue host stopped")
}

func toFileMetas(entries []hostlibrary.FileEntry) []protocol.FileMeta {
	out := make([]protocol.FileMeta, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.FileMeta{
			FileID:      e.ID,
			Title:       e.Title,
			Artist:      e.Artist,
			Album:       e.Album,
			DurationSec: e.DurationS,
			SizeBytes:   e.SizeBytes,
			MimeType:    e.MimeType,
			SHA256:      e.SHA256,
			OwnerPeerID: hostlibrary.HostPeerID,
			OwnerName:   "Host Library",
			AddedAtMs:   e.AddedAtMs,
		})
	}
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newWebsocketServer(cfg *config.Config, logger *zap.Logger, disp *dispatch.Dispatcher, limiter *perIPLimiter) *http.Server {
	maxInboundFrame := int(cfg.MaxFileBytes()) + 4 + 128

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.Acquire(ip) {
			http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			limiter.Release(ip)
			return
		}

		ep := transport.New(conn, maxInboundFrame, float64(cfg.MaxMsgPerSecond), cfg.MaxMsgPerSecond, logger)
		session := &dispatch.Session{Endpoint: ep}

		ep.OnClose(func() {
			limiter.Release(ip)
			if session.Registered {
				disp.HandleDisconnect(session.PeerID)
			}
		})

		go ep.RunWritePump()
		ep.RunReadPump(func(in transport.Inbound) {
			disp.HandleInbound(session, in)
		})
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// perIPLimiter enforces MaxConnsPerIP (supplements spec: the teacher's
// enforced per-IP cap, generalized to this server's connection model).
type perIPLimiter struct {
	mu    sync.Mutex
	max   int
	count map[string]int
}

func newPerIPLimiter(max int) *perIPLimiter {
	return &perIPLimiter{max: max, count: make(map[string]int)}
}

func (l *perIPLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && l.count[ip] >= l.max {
		return false
	}
	l.count[ip]++
	return true
}

func (l *perIPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count[ip] <= 1 {
		delete(l.count, ip)
		return
	}
	l.count[ip]--
}
