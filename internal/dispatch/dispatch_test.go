package dispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pandemic-venue/venuehost/internal/clock"
	"github.com/pandemic-venue/venuehost/internal/config"
	"github.com/pandemic-venue/venuehost/internal/hostlibrary"
	"github.com/pandemic-venue/venuehost/internal/protocol"
	"github.com/pandemic-venue/venuehost/internal/registry"
	"github.com/pandemic-venue/venuehost/internal/transfer"
	"github.com/pandemic-venue/venuehost/internal/transport"
)

var upgrader = websocket.Upgrader{}

type harness struct {
	reg *registry.Registry
	lib *hostlibrary.Memory
	url string
}

// startHarness wires a Dispatcher behind a real websocket listener
// exactly as cmd/venuehost/main.go does, minus the liveness ticker (which
// has its own tests), the diagnostics surface and the per-IP limiter.
func startHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Config{MaxFileMB: 50, MaxMsgPerSecond: 1000}
	c := clock.NewSystem()
	lib := hostlibrary.NewMemory("Test Room")
	reg := registry.New(c, "room-1", "Test Room")

	d := New(reg, nil, lib, c, cfg, nil, hostlibrary.HostPeerID)
	xfer := transfer.New(reg, lib, c, nil, d, 8, 0, 20*time.Millisecond)
	d.SetTransferEngine(xfer)

	lib.OnChange(func(added []hostlibrary.FileEntry, removedIDs []string) {
		addedMetas := toFileMetas(added)
		reg.UpsertHostFiles(addedMetas)
		reg.RemoveHostFiles(removedIDs)
		d.BroadcastHostFilesChanged(addedMetas, removedIDs)
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ep := transport.New(conn, 10<<20, 1000, 1000, nil)
		session := &Session{Endpoint: ep}
		ep.OnClose(func() {
			if session.Registered {
				d.HandleDisconnect(session.PeerID)
			}
		})
		go ep.RunWritePump()
		ep.RunReadPump(func(in transport.Inbound) {
			d.HandleInbound(session, in)
		})
	}))
	t.Cleanup(server.Close)

	return &harness{reg: reg, lib: lib, url: "ws" + strings.TrimPrefix(server.URL, "http")}
}

type testClient struct {
	conn *websocket.Conn
}

func (h *harness) connect(t *testing.T) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn}
}

func (c *testClient) send(t *testing.T, msg interface{}) {
	t.Helper()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, protocol.Encode(msg)))
}

// next reads frames until it finds a text message of the given type
// (skipping ones that don't match, since broadcast ordering among
// other peers is not under test here) and unmarshals into out.
func (c *testClient) next(t *testing.T, wantType string, out interface{}) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		mt, payload, err := c.conn.ReadMessage()
		require.NoError(t, err)
		if mt != websocket.TextMessage {
			continue
		}
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(payload, &env))
		if env.Type != wantType {
			continue
		}
		require.NoError(t, json.Unmarshal(payload, out))
		return
	}
}

func TestHelloThenJoinRoomReceivesWelcomeAndRoomInfo(t *testing.T) {
	h := startHarness(t)
	c := h.connect(t)

	c.send(t, protocol.Hello{Type: protocol.TypeHello, PeerID: "p1", DeviceName: "Pixel", Platform: "android"})
	var welcome protocol.Welcome
	c.next(t, protocol.TypeWelcome, &welcome)
	require.Equal(t, hostlibrary.HostPeerID, welcome.HostID)

	c.send(t, protocol.JoinRoom{Type: protocol.TypeJoinRoom})
	var roomInfo protocol.RoomInfo
	c.next(t, protocol.TypeRoomInfo, &roomInfo)
	require.Equal(t, "Test Room", roomInfo.RoomName)

	var index protocol.IndexFull
	c.next(t, protocol.TypeIndexFull, &index)
	require.Empty(t, index.Files)
}

func TestSecondJoinerSeesFirstAndBothObserveEachOther(t *testing.T) {
	h := startHarness(t)

	alice := h.connect(t)
	alice.send(t, protocol.Hello{Type: protocol.TypeHello, PeerID: "alice", DeviceName: "A", Platform: "android"})
	var w protocol.Welcome
	alice.next(t, protocol.TypeWelcome, &w)
	alice.send(t, protocol.JoinRoom{Type: protocol.TypeJoinRoom})
	var ri protocol.RoomInfo
	alice.next(t, protocol.TypeRoomInfo, &ri)
	var idx protocol.IndexFull
	alice.next(t, protocol.TypeIndexFull, &idx)

	bob := h.connect(t)
	bob.send(t, protocol.Hello{Type: protocol.TypeHello, PeerID: "bob", DeviceName: "B", Platform: "ios"})
	bob.next(t, protocol.TypeWelcome, &w)
	bob.send(t, protocol.JoinRoom{Type: protocol.TypeJoinRoom})
	bob.next(t, protocol.TypeRoomInfo, &ri)
	bob.next(t, protocol.TypeIndexFull, &idx)

	// Bob, joining second, is unicast a PEER_JOINED for Alice.
	var bobSeesAlice protocol.PeerJoined
	bob.next(t, protocol.TypePeerJoined, &bobSeesAlice)
	require.Equal(t, "alice", bobSeesAlice.Peer.PeerID)

	// Alice, already joined, is broadcast a PEER_JOINED for Bob.
	var aliceSeesBob protocol.PeerJoined
	alice.next(t, protocol.TypePeerJoined, &aliceSeesBob)
	require.Equal(t, "bob", aliceSeesBob.Peer.PeerID)
}

func TestShareFilesBroadcastsIndexUpsertToOtherPeers(t *testing.T) {
	h := startHarness(t)

	alice := h.connect(t)
	joinRoom(t, alice, "alice")
	bob := h.connect(t)
	joinRoom(t, bob, "bob")
	drainPeerJoined(t, alice)

	alice.send(t, protocol.ShareFiles{Type: protocol.TypeShareFiles, Files: []protocol.FileMeta{{FileID: "song-1", SizeBytes: 1024, MimeType: "audio/mpeg"}}})

	var upsert protocol.IndexUpsert
	bob.next(t, protocol.TypeIndexUpsert, &upsert)
	require.Len(t, upsert.Files, 1)
	require.Equal(t, "song-1", upsert.Files[0].FileID)
}

func TestRequestFileThenRelayPullFromHostLibraryDeliversBytes(t *testing.T) {
	h := startHarness(t)
	data := []byte("venue host relay payload")
	h.lib.Put(hostlibrary.FileEntry{ID: "host-song", SizeBytes: int64(len(data)), MimeType: "audio/mpeg", SHA256: "abc123"}, data)

	client := h.connect(t)
	joinRoom(t, client, "requester")

	client.send(t, protocol.RequestFile{Type: protocol.TypeRequestFile, FileID: "host-song"})
	var offer protocol.FileOffer
	client.next(t, protocol.TypeFileOffer, &offer)
	require.Equal(t, hostlibrary.HostPeerID, offer.OwnerPeerID)

	client.send(t, protocol.RelayPull{Type: protocol.TypeRelayPull, FileID: "host-song", TransferID: "xfer-1"})

	var start protocol.TransferStart
	client.next(t, protocol.TypeTransferStart, &start)
	require.Equal(t, int64(len(data)), start.Size)

	var reassembled []byte
	for {
		client.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		mt, payload, err := client.conn.ReadMessage()
		require.NoError(t, err)
		if mt == websocket.BinaryMessage {
			_, chunk, ok := protocol.DecodeFrame(payload)
			require.True(t, ok)
			reassembled = append(reassembled, chunk...)
			continue
		}
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(payload, &env))
		if env.Type == protocol.TypeTransferComplete {
			break
		}
	}
	require.Equal(t, data, reassembled)
}

func TestRequestFileNotFoundReturnsError(t *testing.T) {
	h := startHarness(t)
	client := h.connect(t)
	joinRoom(t, client, "p1")

	client.send(t, protocol.RequestFile{Type: protocol.TypeRequestFile, FileID: "does-not-exist"})
	var errMsg protocol.ErrorMsg
	client.next(t, protocol.TypeError, &errMsg)
	require.Equal(t, protocol.ErrFileNotFound, errMsg.Code)
}

func TestDisconnectBroadcastsPeerLeftAndIndexFull(t *testing.T) {
	h := startHarness(t)

	alice := h.connect(t)
	joinRoom(t, alice, "alice")
	bob := h.connect(t)
	joinRoom(t, bob, "bob")
	drainPeerJoined(t, alice)

	bob.send(t, protocol.ShareFiles{Type: protocol.TypeShareFiles, Files: []protocol.FileMeta{{FileID: "bob-song", SizeBytes: 1}}})
	var upsert protocol.IndexUpsert
	alice.next(t, protocol.TypeIndexUpsert, &upsert)

	bob.conn.Close()

	var peerLeft protocol.PeerLeft
	alice.next(t, protocol.TypePeerLeft, &peerLeft)
	require.Equal(t, "bob", peerLeft.PeerID)

	var index protocol.IndexFull
	alice.next(t, protocol.TypeIndexFull, &index)
	require.Empty(t, index.Files, "bob's shared file must be dropped from the index on disconnect")
}

// toFileMetas mirrors cmd/venuehost/main.go's conversion from the
// host-library's own entry type to the wire's FileMeta.
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

func TestHostLibraryPutBroadcastsIndexUpsertToJoinedPeers(t *testing.T) {
	h := startHarness(t)

	client := h.connect(t)
	joinRoom(t, client, "p1")

	h.lib.Put(hostlibrary.FileEntry{ID: "new-song", Title: "New Song", SizeBytes: 2048, MimeType: "audio/mpeg", SHA256: "deadbeef"}, []byte("bytes"))

	var upsert protocol.IndexUpsert
	client.next(t, protocol.TypeIndexUpsert, &upsert)
	require.Len(t, upsert.Files, 1)
	require.Equal(t, "new-song", upsert.Files[0].FileID)

	h.lib.Remove("new-song")

	var remove protocol.IndexRemove
	client.next(t, protocol.TypeIndexRemove, &remove)
	require.Equal(t, []string{"new-song"}, remove.FileIDs)
}

func joinRoom(t *testing.T, c *testClient, peerID string) {
	t.Helper()
	c.send(t, protocol.Hello{Type: protocol.TypeHello, PeerID: peerID, DeviceName: peerID, Platform: "android"})
	var w protocol.Welcome
	c.next(t, protocol.TypeWelcome, &w)
	c.send(t, protocol.JoinRoom{Type: protocol.TypeJoinRoom})
	var ri protocol.RoomInfo
	c.next(t, protocol.TypeRoomInfo, &ri)
	var idx protocol.IndexFull
	c.next(t, protocol.TypeIndexFull, &idx)
}

func drainPeerJoined(t *testing.T, c *testClient) {
	t.Helper()
	var pj protocol.PeerJoined
	c.next(t, protocol.TypePeerJoined, &pj)
}
