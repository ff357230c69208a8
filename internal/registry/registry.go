// Package registry implements RoomRegistry (spec §4.3): the single
// authoritative, mutex-guarded store of peers, the default room, and the
// unified file index. Grounded on the teacher SendIt server's
// RoomManager/Room (sync.Map-based) generalized to an explicit mutex
// discipline per spec §9, with field layout borrowed from
// Adityaadpandey-sfu-go's room.Room (ordered joins).
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/pandemic-venue/venuehost/internal/clock"
	"github.com/pandemic-venue/venuehost/internal/hostlibrary"
	"github.com/pandemic-venue/venuehost/internal/protocol"
	"github.com/pandemic-venue/venuehost/internal/transport"
)

var (
	ErrAlreadyRegistered = errors.New("registry: peer already registered")
	ErrUnknownRoom       = errors.New("registry: unknown room")
	ErrRoomLocked        = errors.New("registry: room is locked")
	ErrNotInRoom         = errors.New("registry: peer is not joined to a room")
	ErrUnknownPeer       = errors.New("registry: unknown peer")
)

// SourceKind distinguishes where a resolved file's bytes live.
type SourceKind string

const (
	SourceHost SourceKind = "host"
	SourcePeer SourceKind = "peer"
)

// Peer is the registry's view of one connected peer. Copies returned to
// callers are snapshots; mutate only through Registry methods.
type Peer struct {
	PeerID      string
	DeviceName  string
	Platform    string
	AppVersion  string
	RoomID      string // "" when unjoined
	SharedFiles map[string]protocol.FileMeta
	LastSeenMs  int64
	JoinedAtMs  int64
	Endpoint    *transport.Endpoint
}

// Room is the single default room's metadata.
type Room struct {
	RoomID    string
	RoomName  string
	Locked    bool
	CreatedAtMs int64
	UpdatedAtMs int64
}

type peerRecord struct {
	peer        Peer
	sharedOrder []string // insertion order of SharedFiles keys
}

// Registry is the concurrency-safe owner of Peer and Room state.
type Registry struct {
	mu    sync.RWMutex
	clock clock.Clock

	peers     map[string]*peerRecord
	joinOrder []string // peerIds in the order they joined the room

	room Room

	hostFiles map[string]protocol.FileMeta // files currently offered by the host library
	hostOrder []string

	fileOwner map[string]string // fileId -> sharing peerId (host-library files live in hostFiles only)
}

// New constructs a Registry with one default room.
func New(c clock.Clock, roomID, roomName string) *Registry {
	now := c.NowMs()
	return &Registry{
		clock: c,
		peers: make(map[string]*peerRecord),
		room: Room{
			RoomID:      roomID,
			RoomName:    roomName,
			CreatedAtMs: now,
			UpdatedAtMs: now,
		},
		hostFiles: make(map[string]protocol.FileMeta),
		fileOwner: make(map[string]string),
	}
}

// RegisterPeer creates a new unjoined peer bound to endpoint.
func (r *Registry) RegisterPeer(peerID, deviceName, platform, appVersion string, ep *transport.Endpoint) (Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[peerID]; exists {
		return Peer{}, ErrAlreadyRegistered
	}

	now := r.clock.NowMs()
	rec := &peerRecord{
		peer: Peer{
			PeerID:      peerID,
			DeviceName:  deviceName,
			Platform:    platform,
			AppVersion:  appVersion,
			SharedFiles: make(map[string]protocol.FileMeta),
			LastSeenMs:  now,
			JoinedAtMs:  now,
			Endpoint:    ep,
		},
	}
	r.peers[peerID] = rec
	return rec.peer, nil
}

// RemovePeer deletes a peer and cascades: leaves its room (dropping its
// shared files from the index) and returns the room it was joined to, if
// any. Idempotent — removing an unknown peer returns ok=false.
func (r *Registry) RemovePeer(peerID string) (removed Peer, affectedRoomID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.peers[peerID]
	if !exists {
		return Peer{}, "", false
	}

	affectedRoomID = rec.peer.RoomID
	r.leaveRoomLocked(peerID, rec)
	delete(r.peers, peerID)

	return rec.peer, affectedRoomID, true
}

// Touch updates a peer's last-seen heartbeat timestamp.
func (r *Registry) Touch(peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.peers[peerID]
	if !exists {
		return ErrUnknownPeer
	}
	rec.peer.LastSeenMs = r.clock.NowMs()
	return nil
}

// JoinRoom joins a peer to the default room. roomID == "" means "the
// default room"; any other value must match the default room's id.
func (r *Registry) JoinRoom(peerID, roomID string) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.peers[peerID]
	if !exists {
		return Room{}, ErrUnknownPeer
	}
	if roomID != "" && roomID != r.room.RoomID {
		return Room{}, ErrUnknownRoom
	}

	rec.peer.RoomID = r.room.RoomID
	r.joinOrder = append(r.joinOrder, peerID)
	return r.room, nil
}

// LeaveRoom clears a peer's room membership and drops its shared files
// from the index, returning the removed file ids.
func (r *Registry) LeaveRoom(peerID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.peers[peerID]
	if !exists {
		return nil, ErrUnknownPeer
	}
	return r.leaveRoomLocked(peerID, rec), nil
}

// leaveRoomLocked performs the room-leave cascade. Caller holds r.mu.
func (r *Registry) leaveRoomLocked(peerID string, rec *peerRecord) []string {
	removed := make([]string, 0, len(rec.sharedOrder))
	for _, fid := range rec.sharedOrder {
		if _, ok := rec.peer.SharedFiles[fid]; ok {
			delete(rec.peer.SharedFiles, fid)
			delete(r.fileOwner, fid)
			removed = append(removed, fid)
		}
	}
	rec.sharedOrder = nil
	rec.peer.RoomID = ""

	for i, pid := range r.joinOrder {
		if pid == peerID {
			r.joinOrder = append(r.joinOrder[:i], r.joinOrder[i+1:]...)
			break
		}
	}
	return removed
}

// ShareFiles adds files to a peer's shared set, silently skipping any
// file over maxFileBytes. Fails with ErrRoomLocked when the room is
// locked, ErrNotInRoom if the peer hasn't joined.
func (r *Registry) ShareFiles(peerID string, files []protocol.FileMeta, maxFileBytes int64) ([]protocol.FileMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.peers[peerID]
	if !exists {
		return nil, ErrUnknownPeer
	}
	if rec.peer.RoomID == "" {
		return nil, ErrNotInRoom
	}
	if r.room.Locked {
		return nil, ErrRoomLocked
	}

	added := make([]protocol.FileMeta, 0, len(files))
	for _, f := range files {
		if f.SizeBytes > maxFileBytes {
			continue
		}
		if _, already := rec.peer.SharedFiles[f.FileID]; !already {
			rec.sharedOrder = append(rec.sharedOrder, f.FileID)
		}
		rec.peer.SharedFiles[f.FileID] = f
		r.fileOwner[f.FileID] = peerID
		added = append(added, f)
	}
	return added, nil
}

// UnshareFiles removes files from a peer's shared set.
func (r *Registry) UnshareFiles(peerID string, fileIDs []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.peers[peerID]
	if !exists {
		return nil, ErrUnknownPeer
	}
	if rec.peer.RoomID == "" {
		return nil, ErrNotInRoom
	}
	if r.room.Locked {
		return nil, ErrRoomLocked
	}

	removed := make([]string, 0, len(fileIDs))
	for _, fid := range fileIDs {
		if _, ok := rec.peer.SharedFiles[fid]; !ok {
			continue
		}
		delete(rec.peer.SharedFiles, fid)
		delete(r.fileOwner, fid)
		for i, id := range rec.sharedOrder {
			if id == fid {
				rec.sharedOrder = append(rec.sharedOrder[:i], rec.sharedOrder[i+1:]...)
				break
			}
		}
		removed = append(removed, fid)
	}
	return removed, nil
}

// SetHostFiles replaces the host-library portion of the index wholesale
// (used at startup).
func (r *Registry) SetHostFiles(files []protocol.FileMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hostFiles = make(map[string]protocol.FileMeta, len(files))
	r.hostOrder = r.hostOrder[:0]
	for _, f := range files {
		r.hostFiles[f.FileID] = f
		r.hostOrder = append(r.hostOrder, f.FileID)
	}
}

// UpsertHostFiles adds/updates host-library files in the index (used by
// HostLibrary.OnChange).
func (r *Registry) UpsertHostFiles(files []protocol.FileMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range files {
		if _, exists := r.hostFiles[f.FileID]; !exists {
			r.hostOrder = append(r.hostOrder, f.FileID)
		}
		r.hostFiles[f.FileID] = f
	}
}

// RemoveHostFiles removes host-library files from the index (used by
// HostLibrary.OnChange).
func (r *Registry) RemoveHostFiles(fileIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, fid := range fileIDs {
		delete(r.hostFiles, fid)
		for i, id := range r.hostOrder {
			if id == fid {
				r.hostOrder = append(r.hostOrder[:i], r.hostOrder[i+1:]...)
				break
			}
		}
	}
}

// IndexForRoom returns the union of host-library files and every joined
// peer's shared files, ordered host-first, then by peer join order, then
// insertion order within a peer (spec §4.3).
func (r *Registry) IndexForRoom(roomID string) []protocol.FileMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if roomID != "" && roomID != r.room.RoomID {
		return nil
	}

	out := make([]protocol.FileMeta, 0, len(r.hostFiles))
	for _, fid := range r.hostOrder {
		out = append(out, r.hostFiles[fid])
	}
	for _, pid := range r.joinOrder {
		rec := r.peers[pid]
		if rec == nil {
			continue
		}
		for _, fid := range rec.sharedOrder {
			if f, ok := rec.peer.SharedFiles[fid]; ok {
				out = append(out, f)
			}
		}
	}
	return out
}

// ResolveFile looks up a file by id across the host library and every
// peer's shared set.
func (r *Registry) ResolveFile(fileID string) (f protocol.FileMeta, source SourceKind, ownerPeerID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if hf, exists := r.hostFiles[fileID]; exists {
		return hf, SourceHost, "", true
	}
	if owner, exists := r.fileOwner[fileID]; exists {
		if rec, ok2 := r.peers[owner]; ok2 {
			if pf, ok3 := rec.peer.SharedFiles[fileID]; ok3 {
				return pf, SourcePeer, owner, true
			}
		}
	}
	return protocol.FileMeta{}, "", "", false
}

// PeersInRoom returns every peer currently joined to roomID, in join
// order.
func (r *Registry) PeersInRoom(roomID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if roomID != "" && roomID != r.room.RoomID {
		return nil
	}
	out := make([]Peer, 0, len(r.joinOrder))
	for _, pid := range r.joinOrder {
		if rec, ok := r.peers[pid]; ok {
			out = append(out, rec.peer)
		}
	}
	return out
}

// EndpointFor returns the connection endpoint for a registered peer.
func (r *Registry) EndpointFor(peerID string) (*transport.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.peers[peerID]
	if !exists {
		return nil, false
	}
	return rec.peer.Endpoint, true
}

// PeerInfo returns a snapshot of one peer.
func (r *Registry) PeerInfo(peerID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, exists := r.peers[peerID]
	if !exists {
		return Peer{}, false
	}
	return rec.peer, true
}

// AllPeers returns every registered peer (joined or not), sorted by
// peerId for deterministic iteration in the liveness ticker.
func (r *Registry) AllPeers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, rec.peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// RoomSnapshot returns the current default room metadata.
func (r *Registry) RoomSnapshot() Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.room
}

// SetLocked updates the default room's lock state (admin surface).
func (r *Registry) SetLocked(locked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.room.Locked = locked
	r.room.UpdatedAtMs = r.clock.NowMs()
}

// HostPeerID is re-exported for callers building FileMeta for host
// library entries.
const HostPeerID = hostlibrary.HostPeerID
