// Package transfer implements TransferEngine (spec §4.4): it tracks
// every active RelayTransfer, pipes chunks between a source (peer
// endpoint or the host library) and a requesting peer's endpoint, and
// accounts progress. Grounded on the teacher SendIt server's FileRelay
// (chunked buffer-pool I/O, expiry sweep) generalized from HTTP
// upload/download to bidirectional websocket relay.
package transfer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/pandemic-venue/venuehost/internal/clock"
	"github.com/pandemic-venue/venuehost/internal/hostlibrary"
	"github.com/pandemic-venue/venuehost/internal/metrics"
	"github.com/pandemic-venue/venuehost/internal/protocol"
	"github.com/pandemic-venue/venuehost/internal/registry"
	"github.com/pandemic-venue/venuehost/internal/transport"
)

// State is a RelayTransfer's lifecycle state (spec §3). Transitions are
// monotone: Pending -> Uploading -> {Complete, Error, Cancelled}.
type State string

const (
	StatePending   State = "Pending"
	StateUploading State = "Uploading"
	StateComplete  State = "Complete"
	StateError     State = "Error"
	StateCancelled State = "Cancelled"
)

func (s State) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateCancelled
}

var (
	ErrUnknownTransfer = errors.New("transfer: unknown transferId")
	ErrTerminal        = errors.New("transfer: already in a terminal state")
)

// RelayTransfer is a snapshot of one tracked transfer.
type RelayTransfer struct {
	TransferID       string
	FileID           string
	SourceKind       registry.SourceKind
	SourcePeerID     string // set when SourceKind == SourcePeer
	RequesterPeerID  string
	DeclaredSize     int64
	MimeType         string
	SHA256           string
	BytesTransferred int64
	State            State
	CreatedAtMs      int64
}

type record struct {
	t               RelayTransfer
	requesterEp     *transport.Endpoint
	sourceEp        *transport.Endpoint // nil for host-sourced
	startSent       bool
	lastActivityMs  int64
	cancelChunkLoop context.CancelFunc // set for host-sourced streaming goroutines
}

// Sender delivers outbound protocol messages; Engine uses it to reach
// requester/source endpoints without depending on the Dispatcher.
type Sender interface {
	SendText(ep *transport.Endpoint, msg interface{})
}

// Engine owns the transfer map and all chunk-forwarding logic.
type Engine struct {
	mu        sync.Mutex
	transfers map[string]*record

	reg     *registry.Registry
	lib     hostlibrary.Library
	clock   clock.Clock
	logger  *zap.Logger
	sender  Sender

	chunkSize       int
	interChunkYield time.Duration
	grace           time.Duration
}

// New constructs a TransferEngine.
func New(reg *registry.Registry, lib hostlibrary.Library, c clock.Clock, logger *zap.Logger, sender Sender, chunkSize int, interChunkYield, grace time.Duration) *Engine {
	return &Engine{
		transfers:       make(map[string]*record),
		reg:             reg,
		lib:             lib,
		clock:           c,
		logger:          logger,
		sender:          sender,
		chunkSize:       chunkSize,
		interChunkYield: interChunkYield,
		grace:           grace,
	}
}

// StartPeerSourced registers a transfer whose bytes will arrive from
// another connected peer, and immediately emits TRANSFER_START to the
// requester using the already-known declared size from the index entry.
func (e *Engine) StartPeerSourced(fileID, requesterPeerID, sourcePeerID, transferID string, declaredSize int64, mimeType, sha256 string) (RelayTransfer, error) {
	requesterEp, ok := e.reg.EndpointFor(requesterPeerID)
	if !ok {
		return RelayTransfer{}, errors.New("transfer: requester has no endpoint")
	}
	sourceEp, _ := e.reg.EndpointFor(sourcePeerID)

	now := e.clock.NowMs()
	rec := &record{
		t: RelayTransfer{
			TransferID:      transferID,
			FileID:          fileID,
			SourceKind:      registry.SourcePeer,
			SourcePeerID:    sourcePeerID,
			RequesterPeerID: requesterPeerID,
			DeclaredSize:    declaredSize,
			MimeType:        mimeType,
			SHA256:          sha256,
			State:           StatePending,
			CreatedAtMs:     now,
		},
		requesterEp:    requesterEp,
		sourceEp:       sourceEp,
		lastActivityMs: now,
	}

	e.mu.Lock()
	e.transfers[transferID] = rec
	e.mu.Unlock()

	metrics.TransfersActive.Inc()
	e.sendStart(rec)
	return rec.t, nil
}

func (e *Engine) sendStart(rec *record) {
	if rec.startSent {
		return
	}
	rec.startSent = true
	rec.t.State = StateUploading
	e.sender.SendText(rec.requesterEp, protocol.TransferStart{
		Type:       protocol.TypeTransferStart,
		Ts:         e.clock.NowMs(),
		TransferID: rec.t.TransferID,
		FileID:     rec.t.FileID,
		Size:       rec.t.DeclaredSize,
		MimeType:   rec.t.MimeType,
	})
}

// OnPushMeta applies the source peer's authoritative size/mime/sha and
// sends TRANSFER_START if it hasn't gone out yet.
func (e *Engine) OnPushMeta(transferID string, size int64, mimeType, sha256 string) error {
	e.mu.Lock()
	rec, ok := e.transfers[transferID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTransfer
	}
	if rec.t.State.Terminal() {
		e.mu.Unlock()
		return ErrTerminal
	}
	rec.t.DeclaredSize = size
	rec.t.MimeType = mimeType
	rec.t.SHA256 = sha256
	rec.lastActivityMs = e.clock.NowMs()
	needStart := !rec.startSent
	e.mu.Unlock()

	if needStart {
		e.sendStart(rec)
	}
	return nil
}

// OnChunk forwards one raw binary relay frame (already containing the
// transferId header) byte-for-byte to the requester, and emits one
// TRANSFER_PROGRESS. Blocks if the requester's outbound queue is
// saturated — that block is the backpressure signal propagating to the
// source peer's read pump (spec §5).
func (e *Engine) OnChunk(transferID string, rawFrame []byte, chunkLen int) error {
	e.mu.Lock()
	rec, ok := e.transfers[transferID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTransfer
	}
	if rec.t.State.Terminal() {
		e.mu.Unlock()
		return ErrTerminal
	}
	rec.t.BytesTransferred += int64(chunkLen)
	rec.lastActivityMs = e.clock.NowMs()
	bytesTransferred := rec.t.BytesTransferred
	total := rec.t.DeclaredSize
	requesterEp := rec.requesterEp
	e.mu.Unlock()

	if e.logger != nil {
		e.logger.Debug("relay chunk",
			zap.String("transferId", transferID),
			zap.Uint64("xxhash", xxhash.Sum64(rawFrame)),
		)
	}

	metrics.BytesRelayedTotal.Add(float64(chunkLen))
	requesterEp.SendBinary(rawFrame)
	e.emitProgress(requesterEp, transferID, bytesTransferred, total)
	return nil
}

func (e *Engine) emitProgress(ep *transport.Endpoint, transferID string, transferred, total int64) {
	progress := 0
	if total > 0 {
		progress = int(100 * transferred / total)
	}
	e.sender.SendText(ep, protocol.TransferProgress{
		Type:             protocol.TypeTransferProgress,
		Ts:               e.clock.NowMs(),
		TransferID:       transferID,
		BytesTransferred: transferred,
		TotalBytes:       total,
		Progress:         progress,
	})
}

// OnComplete transitions a transfer Uploading -> Complete, emits
// TRANSFER_COMPLETE to the requester, and schedules removal after the
// configured grace period.
func (e *Engine) OnComplete(transferID string) error {
	e.mu.Lock()
	rec, ok := e.transfers[transferID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTransfer
	}
	if rec.t.State.Terminal() {
		e.mu.Unlock()
		return ErrTerminal
	}
	rec.t.State = StateComplete
	ep := rec.requesterEp
	msg := protocol.TransferComplete{
		Type:       protocol.TypeTransferComplete,
		Ts:         e.clock.NowMs(),
		TransferID: rec.t.TransferID,
		FileID:     rec.t.FileID,
		SHA256:     rec.t.SHA256,
	}
	e.mu.Unlock()

	e.sender.SendText(ep, msg)
	metrics.TransfersActive.Dec()
	metrics.TransfersTotal.WithLabelValues("complete").Inc()
	e.scheduleRemoval(transferID)
	return nil
}

// OnError transitions a transfer to Error and notifies both sides.
func (e *Engine) OnError(transferID, code, reason string) error {
	e.mu.Lock()
	rec, ok := e.transfers[transferID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTransfer
	}
	if rec.t.State.Terminal() {
		e.mu.Unlock()
		return ErrTerminal
	}
	rec.t.State = StateError
	requesterEp := rec.requesterEp
	sourceEp := rec.sourceEp
	e.mu.Unlock()

	errMsg := protocol.ErrorMsg{Type: protocol.TypeError, Ts: e.clock.NowMs(), Code: code, Message: reason}
	e.sender.SendText(requesterEp, errMsg)
	if sourceEp != nil {
		e.sender.SendText(sourceEp, errMsg)
	}
	metrics.TransfersActive.Dec()
	metrics.TransfersTotal.WithLabelValues("error").Inc()
	e.scheduleRemoval(transferID)
	return nil
}

// Cancel transitions a non-terminal transfer to Cancelled, used when
// either endpoint disconnects or the liveness ticker reaps a stale
// transfer. Cancel itself sends no message to either side; the
// OWNER_OFFLINE error for a lost source is sent by CancelForPeer through
// OnError.
func (e *Engine) Cancel(transferID, reason string) bool {
	e.mu.Lock()
	rec, ok := e.transfers[transferID]
	if !ok || rec.t.State.Terminal() {
		e.mu.Unlock()
		return false
	}
	rec.t.State = StateCancelled
	if rec.cancelChunkLoop != nil {
		rec.cancelChunkLoop()
	}
	e.mu.Unlock()

	if e.logger != nil {
		e.logger.Info("transfer cancelled", zap.String("transferId", transferID), zap.String("reason", reason))
	}
	metrics.TransfersActive.Dec()
	metrics.TransfersTotal.WithLabelValues("cancelled").Inc()
	e.scheduleRemoval(transferID)
	return true
}

// CancelForPeer cancels every non-terminal transfer where peerID was the
// requester or the source, used on peer removal (disconnect or
// eviction). A transfer whose source just disappeared gets an
// OWNER_OFFLINE error delivered to the requester (spec §8 scenario S3);
// a transfer whose requester disappeared is just cancelled.
func (e *Engine) CancelForPeer(peerID, reason string) {
	e.mu.Lock()
	var asSource, asRequester []string
	for id, rec := range e.transfers {
		if rec.t.State.Terminal() {
			continue
		}
		switch peerID {
		case rec.t.SourcePeerID:
			asSource = append(asSource, id)
		case rec.t.RequesterPeerID:
			asRequester = append(asRequester, id)
		}
	}
	e.mu.Unlock()

	for _, id := range asSource {
		e.OnError(id, protocol.ErrOwnerOffline, reason)
	}
	for _, id := range asRequester {
		e.Cancel(id, reason)
	}
}

// Get returns a snapshot of a tracked transfer.
func (e *Engine) Get(transferID string) (RelayTransfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.transfers[transferID]
	if !ok {
		return RelayTransfer{}, false
	}
	return rec.t, true
}

// StaleBefore returns transferIds with no chunk activity before cutoffMs
// that are not yet in a terminal state — used by the liveness ticker to
// enforce the transfer TTL.
func (e *Engine) StaleBefore(cutoffMs int64) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var stale []string
	for id, rec := range e.transfers {
		if !rec.t.State.Terminal() && rec.lastActivityMs < cutoffMs {
			stale = append(stale, id)
		}
	}
	return stale
}

func (e *Engine) scheduleRemoval(transferID string) {
	go func() {
		time.Sleep(e.grace)
		e.mu.Lock()
		delete(e.transfers, transferID)
		e.mu.Unlock()
	}()
}

// StartHostSourced registers and immediately begins streaming a
// host-library file to the requester in fixed-size chunks, with a
// cooperative yield between chunks so one transfer cannot starve other
// endpoints (spec §4.4). The yield is a plain goroutine sleep, not a
// lock hold, so it never blocks any other transfer or endpoint.
func (e *Engine) StartHostSourced(fileID, requesterPeerID, transferID string, entry hostlibrary.FileEntry) (RelayTransfer, error) {
	requesterEp, ok := e.reg.EndpointFor(requesterPeerID)
	if !ok {
		return RelayTransfer{}, errors.New("transfer: requester has no endpoint")
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := e.clock.NowMs()
	rec := &record{
		t: RelayTransfer{
			TransferID:      transferID,
			FileID:          fileID,
			SourceKind:      registry.SourceHost,
			RequesterPeerID: requesterPeerID,
			DeclaredSize:    entry.SizeBytes,
			MimeType:        entry.MimeType,
			SHA256:          entry.SHA256,
			State:           StatePending,
			CreatedAtMs:     now,
		},
		requesterEp:     requesterEp,
		lastActivityMs:  now,
		cancelChunkLoop: cancel,
	}

	e.mu.Lock()
	e.transfers[transferID] = rec
	e.mu.Unlock()

	metrics.TransfersActive.Inc()
	e.sendStart(rec)

	go e.streamHostFile(ctx, transferID, entry)

	return rec.t, nil
}

func (e *Engine) streamHostFile(ctx context.Context, transferID string, entry hostlibrary.FileEntry) {
	_, rc, err := e.lib.Get(entry.ID)
	if err != nil {
		e.OnError(transferID, protocol.ErrTransferError, "host library read failed")
		return
	}
	defer rc.Close()

	buf := make([]byte, e.chunkSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, readErr := rc.Read(buf)
		if n > 0 {
			frame := protocol.EncodeFrame(transferID, buf[:n])
			if err := e.OnChunk(transferID, frame, n); err != nil {
				return
			}
			if e.interChunkYield > 0 {
				time.Sleep(e.interChunkYield)
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				e.OnError(transferID, protocol.ErrTransferError, "host library read failed")
				return
			}
			e.OnComplete(transferID)
			return
		}
	}
}
