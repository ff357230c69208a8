// Package dispatch implements the Dispatcher (spec §4.5): the protocol
// state machine that consumes decoded inbound messages from every
// endpoint, mutates RoomRegistry, starts/advances transfers via
// TransferEngine, and produces outbound messages. Grounded on the
// teacher SendIt server's handleWebSocket read loop (one goroutine per
// connection, decode-then-route) and Adityaadpandey-sfu-go's
// message-type switch style.
package dispatch

import (
	"sort"

	"go.uber.org/zap"

	"github.com/pandemic-venue/venuehost/internal/clock"
	"github.com/pandemic-venue/venuehost/internal/config"
	"github.com/pandemic-venue/venuehost/internal/hostlibrary"
	"github.com/pandemic-venue/venuehost/internal/metrics"
	"github.com/pandemic-venue/venuehost/internal/protocol"
	"github.com/pandemic-venue/venuehost/internal/registry"
	"github.com/pandemic-venue/venuehost/internal/transfer"
	"github.com/pandemic-venue/venuehost/internal/transport"
)

// Session is the per-connection state the Host Process owns: whether
// HELLO has been processed yet, and which peerId it resolved to.
type Session struct {
	Endpoint   *transport.Endpoint
	PeerID     string
	Registered bool
}

// Dispatcher wires RoomRegistry, TransferEngine, and HostLibrary
// together behind the wire protocol.
type Dispatcher struct {
	reg    *registry.Registry
	xfer   *transfer.Engine
	lib    hostlibrary.Library
	clock  clock.Clock
	cfg    *config.Config
	logger *zap.Logger

	hostID   string
	hostName string
}

// New constructs a Dispatcher.
func New(reg *registry.Registry, xfer *transfer.Engine, lib hostlibrary.Library, c clock.Clock, cfg *config.Config, logger *zap.Logger, hostID string) *Dispatcher {
	return &Dispatcher{
		reg:      reg,
		xfer:     xfer,
		lib:      lib,
		clock:    c,
		cfg:      cfg,
		logger:   logger,
		hostID:   hostID,
		hostName: cfg.ServiceName,
	}
}

// SetTransferEngine wires the TransferEngine in after construction,
// breaking the Dispatcher<->Engine construction cycle (the Engine takes
// the Dispatcher as its Sender, so the Dispatcher must exist first).
func (d *Dispatcher) SetTransferEngine(xfer *transfer.Engine) {
	d.xfer = xfer
}

// SendText implements transfer.Sender so the TransferEngine can reach
// peer endpoints without depending on the Dispatcher's internals.
func (d *Dispatcher) SendText(ep *transport.Endpoint, msg interface{}) {
	if ep == nil {
		return
	}
	ep.SendText(protocol.Encode(msg))
}

func (d *Dispatcher) sendError(ep *transport.Endpoint, code, message string) {
	d.SendText(ep, protocol.ErrorMsg{
		Type:    protocol.TypeError,
		Ts:      d.clock.NowMs(),
		Code:    code,
		Message: message,
	})
}

// HandleInbound routes one decoded frame from an endpoint's read pump.
func (d *Dispatcher) HandleInbound(s *Session, in transport.Inbound) {
	switch in.Kind {
	case transport.FrameText:
		kind, msg, err := protocol.DecodeClientMessage(in.Payload)
		if err != nil {
			metrics.ParseErrorsTotal.Inc()
			d.sendError(s.Endpoint, protocol.ErrParseError, err.Error())
			return
		}
		d.handleMessage(s, kind, msg)
	case transport.FrameBinary:
		d.handleBinary(s, in.Payload)
	}
}

func (d *Dispatcher) handleMessage(s *Session, kind string, msg interface{}) {
	if kind != protocol.TypeHello && !s.Registered {
		d.sendError(s.Endpoint, protocol.ErrNotRegistered, "send HELLO first")
		return
	}
	if (kind == protocol.TypeShareFiles || kind == protocol.TypeUnshareFiles) && d.lib.IsRoomLocked() {
		d.sendError(s.Endpoint, protocol.ErrRoomLocked, "room is locked")
		return
	}

	switch kind {
	case protocol.TypeHello:
		d.handleHello(s, msg.(protocol.Hello))
	case protocol.TypeJoinRoom:
		d.handleJoinRoom(s, msg.(protocol.JoinRoom))
	case protocol.TypeLeaveRoom:
		d.handleLeaveRoom(s)
	case protocol.TypeHeartbeat:
		d.reg.Touch(s.PeerID)
	case protocol.TypeShareFiles:
		d.handleShareFiles(s, msg.(protocol.ShareFiles))
	case protocol.TypeUnshareFiles:
		d.handleUnshareFiles(s, msg.(protocol.UnshareFiles))
	case protocol.TypeRequestFile:
		d.handleRequestFile(s, msg.(protocol.RequestFile))
	case protocol.TypeRelayPull:
		d.handleRelayPull(s, msg.(protocol.RelayPull))
	case protocol.TypeRelayPushMeta:
		d.handleRelayPushMeta(msg.(protocol.RelayPushMeta))
	case protocol.TypeRelayComplete:
		d.handleRelayComplete(msg.(protocol.RelayComplete))
	}
}

func (d *Dispatcher) handleHello(s *Session, m protocol.Hello) {
	if s.Registered {
		d.sendError(s.Endpoint, protocol.ErrAlreadyRegistered, "already registered on this connection")
		return
	}

	_, err := d.reg.RegisterPeer(m.PeerID, m.DeviceName, m.Platform, m.AppVersion, s.Endpoint)
	if err != nil {
		// spec §9 open question: reject a reconnect while the previous
		// session is still live rather than superseding it.
		d.sendError(s.Endpoint, protocol.ErrAlreadyRegistered, "peerId already registered")
		return
	}

	s.PeerID = m.PeerID
	s.Registered = true
	metrics.PeersConnected.Inc()

	d.SendText(s.Endpoint, protocol.Welcome{
		Type:     protocol.TypeWelcome,
		Ts:       d.clock.NowMs(),
		HostID:   d.hostID,
		HostName: d.hostName,
		Features: protocol.Features{Relay: true, MaxFileMB: d.cfg.MaxFileMB},
	})
}

func (d *Dispatcher) handleJoinRoom(s *Session, m protocol.JoinRoom) {
	room, err := d.reg.JoinRoom(s.PeerID, m.RoomID)
	if err != nil {
		d.sendError(s.Endpoint, protocol.ErrUnknownRoom, "unknown room")
		return
	}

	peers := d.reg.PeersInRoom(room.RoomID)
	metrics.PeersJoined.Inc()

	d.SendText(s.Endpoint, protocol.RoomInfo{
		Type:      protocol.TypeRoomInfo,
		Ts:        d.clock.NowMs(),
		RoomID:    room.RoomID,
		RoomName:  room.RoomName,
		HostID:    d.hostID,
		Features:  protocol.Features{Relay: true},
		PeerCount: len(peers),
	})
	d.SendText(s.Endpoint, protocol.IndexFull{
		Type:  protocol.TypeIndexFull,
		Ts:    d.clock.NowMs(),
		Files: d.reg.IndexForRoom(room.RoomID),
	})

	for _, p := range peers {
		if p.PeerID == s.PeerID {
			continue
		}
		d.SendText(s.Endpoint, protocol.PeerJoined{
			Type: protocol.TypePeerJoined,
			Ts:   d.clock.NowMs(),
			Peer: peerInfo(p),
		})
	}

	joinerInfo, _ := d.reg.PeerInfo(s.PeerID)
	d.broadcastToRoom(room.RoomID, s.PeerID, protocol.PeerJoined{
		Type: protocol.TypePeerJoined,
		Ts:   d.clock.NowMs(),
		Peer: peerInfo(joinerInfo),
	})
}

func (d *Dispatcher) handleLeaveRoom(s *Session) {
	d.leaveRoomAndBroadcast(s.PeerID)
}

// leaveRoomAndBroadcast is shared between explicit LEAVE_ROOM and the
// disconnect/eviction path: both are a joined -> unjoined transition
// that every remaining peer must observe identically (spec §4.5).
func (d *Dispatcher) leaveRoomAndBroadcast(peerID string) {
	peerBefore, ok := d.reg.PeerInfo(peerID)
	if !ok || peerBefore.RoomID == "" {
		return
	}
	roomID := peerBefore.RoomID

	if _, err := d.reg.LeaveRoom(peerID); err != nil {
		return
	}
	metrics.PeersJoined.Dec()

	d.broadcastToRoom(roomID, "", protocol.PeerLeft{
		Type:   protocol.TypePeerLeft,
		Ts:     d.clock.NowMs(),
		PeerID: peerID,
	})
	d.broadcastToRoom(roomID, "", protocol.IndexFull{
		Type:  protocol.TypeIndexFull,
		Ts:    d.clock.NowMs(),
		Files: d.reg.IndexForRoom(roomID),
	})
}

func (d *Dispatcher) handleShareFiles(s *Session, m protocol.ShareFiles) {
	added, err := d.reg.ShareFiles(s.PeerID, m.Files, d.cfg.MaxFileBytes())
	if err != nil {
		d.sendErrorForShareErr(s, err)
		return
	}
	if len(added) == 0 {
		return
	}
	peerInfo, _ := d.reg.PeerInfo(s.PeerID)
	metrics.IndexFilesTotal.Set(float64(len(d.reg.IndexForRoom(peerInfo.RoomID))))
	d.broadcastToRoom(peerInfo.RoomID, "", protocol.IndexUpsert{
		Type:  protocol.TypeIndexUpsert,
		Ts:    d.clock.NowMs(),
		Files: added,
	})
}

// BroadcastHostFilesChanged notifies every joined peer when the venue
// operator's host library changes outside of any peer message — wired
// as the HostLibrary.OnChange callback. Host files are visible in every
// room's index (IndexForRoom), so unlike a peer's SHARE_FILES/
// UNSHARE_FILES this always targets the room directly rather than a
// single peer's current room.
func (d *Dispatcher) BroadcastHostFilesChanged(added []protocol.FileMeta, removedIDs []string) {
	roomID := d.reg.RoomSnapshot().RoomID
	if len(added) > 0 {
		metrics.IndexFilesTotal.Set(float64(len(d.reg.IndexForRoom(roomID))))
		d.broadcastToRoom(roomID, "", protocol.IndexUpsert{
			Type:  protocol.TypeIndexUpsert,
			Ts:    d.clock.NowMs(),
			Files: added,
		})
	}
	if len(removedIDs) > 0 {
		metrics.IndexFilesTotal.Set(float64(len(d.reg.IndexForRoom(roomID))))
		d.broadcastToRoom(roomID, "", protocol.IndexRemove{
			Type:    protocol.TypeIndexRemove,
			Ts:      d.clock.NowMs(),
			FileIDs: removedIDs,
		})
	}
}

func (d *Dispatcher) handleUnshareFiles(s *Session, m protocol.UnshareFiles) {
	removed, err := d.reg.UnshareFiles(s.PeerID, m.FileIDs)
	if err != nil {
		d.sendErrorForShareErr(s, err)
		return
	}
	if len(removed) == 0 {
		return
	}
	peerInfo, _ := d.reg.PeerInfo(s.PeerID)
	metrics.IndexFilesTotal.Set(float64(len(d.reg.IndexForRoom(peerInfo.RoomID))))
	d.broadcastToRoom(peerInfo.RoomID, "", protocol.IndexRemove{
		Type:    protocol.TypeIndexRemove,
		Ts:      d.clock.NowMs(),
		FileIDs: removed,
	})
}

func (d *Dispatcher) sendErrorForShareErr(s *Session, err error) {
	switch err {
	case registry.ErrNotInRoom:
		d.sendError(s.Endpoint, protocol.ErrNotInRoom, "join a room first")
	case registry.ErrRoomLocked:
		d.sendError(s.Endpoint, protocol.ErrRoomLocked, "room is locked")
	default:
		d.sendError(s.Endpoint, protocol.ErrNotInRoom, "not in room")
	}
}

func (d *Dispatcher) handleRequestFile(s *Session, m protocol.RequestFile) {
	peerInfo, _ := d.reg.PeerInfo(s.PeerID)
	if peerInfo.RoomID == "" {
		d.sendError(s.Endpoint, protocol.ErrNotInRoom, "join a room first")
		return
	}

	f, source, owner, ok := d.reg.ResolveFile(m.FileID)
	if !ok {
		d.sendError(s.Endpoint, protocol.ErrFileNotFound, "file not found")
		return
	}
	ownerPeerID := owner
	if source == registry.SourceHost {
		ownerPeerID = registry.HostPeerID
	}

	d.SendText(s.Endpoint, protocol.FileOffer{
		Type:        protocol.TypeFileOffer,
		Ts:          d.clock.NowMs(),
		FileID:      f.FileID,
		OwnerPeerID: ownerPeerID,
		Relay:       true,
	})
}

func (d *Dispatcher) handleRelayPull(s *Session, m protocol.RelayPull) {
	peerInfo, _ := d.reg.PeerInfo(s.PeerID)
	if peerInfo.RoomID == "" {
		d.sendError(s.Endpoint, protocol.ErrNotInRoom, "join a room first")
		return
	}

	f, source, owner, ok := d.reg.ResolveFile(m.FileID)
	if !ok {
		d.sendError(s.Endpoint, protocol.ErrFileNotFound, "file not found")
		return
	}

	if source == registry.SourceHost {
		entry, found := d.findHostEntry(f.FileID)
		if !found {
			d.sendError(s.Endpoint, protocol.ErrFileNotFound, "file not found")
			return
		}
		if _, err := d.xfer.StartHostSourced(f.FileID, s.PeerID, m.TransferID, entry); err != nil {
			d.sendError(s.Endpoint, protocol.ErrTransferError, "could not start transfer")
		}
		return
	}

	sourceEp, online := d.reg.EndpointFor(owner)
	if !online {
		d.sendError(s.Endpoint, protocol.ErrOwnerOffline, "file owner is offline")
		return
	}

	if _, err := d.xfer.StartPeerSourced(f.FileID, s.PeerID, owner, m.TransferID, f.SizeBytes, f.MimeType, f.SHA256); err != nil {
		d.sendError(s.Endpoint, protocol.ErrTransferError, "could not start transfer")
		return
	}

	d.SendText(sourceEp, protocol.RelayPull{
		Type:            protocol.TypeRelayPull,
		Ts:              d.clock.NowMs(),
		FileID:          f.FileID,
		TransferID:      m.TransferID,
		RequesterPeerID: s.PeerID,
	})
}

func (d *Dispatcher) findHostEntry(fileID string) (hostlibrary.FileEntry, bool) {
	for _, e := range d.lib.List() {
		if e.ID == fileID {
			return e, true
		}
	}
	return hostlibrary.FileEntry{}, false
}

func (d *Dispatcher) handleRelayPushMeta(m protocol.RelayPushMeta) {
	if err := d.xfer.OnPushMeta(m.TransferID, m.Size, m.MimeType, m.SHA256); err != nil && d.logger != nil {
		d.logger.Debug("RELAY_PUSH_META for unknown or terminal transfer", zap.String("transferId", m.TransferID), zap.Error(err))
	}
}

func (d *Dispatcher) handleRelayComplete(m protocol.RelayComplete) {
	if err := d.xfer.OnComplete(m.TransferID); err != nil && d.logger != nil {
		d.logger.Debug("RELAY_COMPLETE for unknown or terminal transfer", zap.String("transferId", m.TransferID), zap.Error(err))
	}
}

func (d *Dispatcher) handleBinary(s *Session, raw []byte) {
	transferID, chunk, ok := protocol.DecodeFrame(raw)
	if !ok {
		return
	}
	if err := d.xfer.OnChunk(transferID, raw, len(chunk)); err != nil && d.logger != nil {
		d.logger.Debug("binary frame for unknown or terminal transfer", zap.String("transferId", transferID))
	}
}

// HandleDisconnect runs the full peer-removal cascade: leave room (with
// broadcast), cancel in-flight transfers, and decrement metrics. Used
// both by ConnectionEndpoint close and by the liveness ticker's
// heartbeat eviction, so they observe identical behavior (spec §3).
func (d *Dispatcher) HandleDisconnect(peerID string) {
	wasJoined := false
	if p, ok := d.reg.PeerInfo(peerID); ok {
		wasJoined = p.RoomID != ""
	}

	if wasJoined {
		d.leaveRoomAndBroadcast(peerID)
	}

	d.xfer.CancelForPeer(peerID, "peer disconnected")

	if _, _, ok := d.reg.RemovePeer(peerID); ok {
		metrics.PeersConnected.Dec()
		metrics.PeerEvictionsTotal.WithLabelValues("disconnect").Inc()
	}
}

func (d *Dispatcher) broadcastToRoom(roomID, excludePeerID string, msg interface{}) {
	peers := d.reg.PeersInRoom(roomID)
	sort.Slice(peers, func(i, j int) bool { return peers[i].JoinedAtMs < peers[j].JoinedAtMs })
	payload := protocol.Encode(msg)
	for _, p := range peers {
		if p.PeerID == excludePeerID {
			continue
		}
		if ep, ok := d.reg.EndpointFor(p.PeerID); ok {
			ep.SendText(payload)
		}
	}
}

func peerInfo(p registry.Peer) protocol.PeerInfo {
	return protocol.PeerInfo{
		PeerID:     p.PeerID,
		DeviceName: p.DeviceName,
		Platform:   p.Platform,
		AppVersion: p.AppVersion,
	}
}
