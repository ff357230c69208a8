package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pandemic-venue/venuehost/internal/protocol"
)

type fakeClock struct{ ms int64 }

func (f *fakeClock) NowMs() int64 { return f.ms }

func newTestRegistry() (*Registry, *fakeClock) {
	fc := &fakeClock{ms: 1000}
	return New(fc, "room-1", "Test Room"), fc
}

func TestRegisterPeerRejectsDuplicate(t *testing.T) {
	r, _ := newTestRegistry()

	_, err := r.RegisterPeer("p1", "Pixel", "android", "1.0", nil)
	require.NoError(t, err)

	_, err = r.RegisterPeer("p1", "Pixel 2", "android", "1.0", nil)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestJoinRoomUnknownRoomRejected(t *testing.T) {
	r, _ := newTestRegistry()
	_, _ = r.RegisterPeer("p1", "Pixel", "android", "1.0", nil)

	_, err := r.JoinRoom("p1", "some-other-room")
	require.ErrorIs(t, err, ErrUnknownRoom)

	room, err := r.JoinRoom("p1", "")
	require.NoError(t, err)
	require.Equal(t, "room-1", room.RoomID)
}

func TestShareFilesRejectsOversizeAndLockedRoom(t *testing.T) {
	r, _ := newTestRegistry()
	_, _ = r.RegisterPeer("p1", "Pixel", "android", "1.0", nil)
	_, _ = r.JoinRoom("p1", "")

	files := []protocol.FileMeta{
		{FileID: "small", SizeBytes: 10},
		{FileID: "big", SizeBytes: 1000},
	}
	added, err := r.ShareFiles("p1", files, 100)
	require.NoError(t, err)
	require.Len(t, added, 1)
	require.Equal(t, "small", added[0].FileID)

	r.SetLocked(true)
	_, err = r.ShareFiles("p1", files, 1000)
	require.ErrorIs(t, err, ErrRoomLocked)
}

func TestShareFilesRequiresJoinedRoom(t *testing.T) {
	r, _ := newTestRegistry()
	_, _ = r.RegisterPeer("p1", "Pixel", "android", "1.0", nil)

	_, err := r.ShareFiles("p1", []protocol.FileMeta{{FileID: "f1", SizeBytes: 1}}, 100)
	require.ErrorIs(t, err, ErrNotInRoom)
}

func TestIndexForRoomOrdersHostFirstThenJoinOrder(t *testing.T) {
	r, _ := newTestRegistry()
	r.UpsertHostFiles([]protocol.FileMeta{{FileID: "host-1"}})

	_, _ = r.RegisterPeer("p1", "A", "android", "", nil)
	_, _ = r.JoinRoom("p1", "")
	_, _ = r.ShareFiles("p1", []protocol.FileMeta{{FileID: "p1-a"}, {FileID: "p1-b"}}, 1<<30)

	_, _ = r.RegisterPeer("p2", "B", "android", "", nil)
	_, _ = r.JoinRoom("p2", "")
	_, _ = r.ShareFiles("p2", []protocol.FileMeta{{FileID: "p2-a"}}, 1<<30)

	index := r.IndexForRoom("room-1")
	ids := make([]string, len(index))
	for i, f := range index {
		ids[i] = f.FileID
	}
	require.Equal(t, []string{"host-1", "p1-a", "p1-b", "p2-a"}, ids)
}

func TestLeaveRoomDropsSharedFilesFromIndex(t *testing.T) {
	r, _ := newTestRegistry()
	_, _ = r.RegisterPeer("p1", "A", "android", "", nil)
	_, _ = r.JoinRoom("p1", "")
	_, _ = r.ShareFiles("p1", []protocol.FileMeta{{FileID: "f1"}}, 1<<30)

	require.Len(t, r.IndexForRoom("room-1"), 1)

	removed, err := r.LeaveRoom("p1")
	require.NoError(t, err)
	require.Equal(t, []string{"f1"}, removed)
	require.Empty(t, r.IndexForRoom("room-1"))
}

func TestRemovePeerCascadesRoomLeave(t *testing.T) {
	r, _ := newTestRegistry()
	_, _ = r.RegisterPeer("p1", "A", "android", "", nil)
	_, _ = r.JoinRoom("p1", "")
	_, _ = r.ShareFiles("p1", []protocol.FileMeta{{FileID: "f1"}}, 1<<30)

	_, roomID, ok := r.RemovePeer("p1")
	require.True(t, ok)
	require.Equal(t, "room-1", roomID)
	require.Empty(t, r.IndexForRoom("room-1"))

	_, _, ok = r.RemovePeer("p1")
	require.False(t, ok, "removing an already-removed peer is a no-op")
}

func TestResolveFilePrefersHostOverPeer(t *testing.T) {
	r, _ := newTestRegistry()
	r.UpsertHostFiles([]protocol.FileMeta{{FileID: "shared-id", OwnerPeerID: HostPeerID}})

	_, _ = r.RegisterPeer("p1", "A", "android", "", nil)
	_, _ = r.JoinRoom("p1", "")

	f, source, owner, ok := r.ResolveFile("shared-id")
	require.True(t, ok)
	require.Equal(t, SourceHost, source)
	require.Empty(t, owner)
	require.Equal(t, "shared-id", f.FileID)
}

func TestResolveFileUnknownReturnsNotFound(t *testing.T) {
	r, _ := newTestRegistry()
	_, _, _, ok := r.ResolveFile("nope")
	require.False(t, ok)
}
