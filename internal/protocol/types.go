// Package protocol implements the Venue Host's tagged-record message
// codec (spec §4.1) and binary relay frame format.
package protocol

// FileMeta describes one audio file offered in the room index.
type FileMeta struct {
	FileID      string `json:"fileId"`
	Title       string `json:"title"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	DurationSec int    `json:"durationSec,omitempty"`
	SizeBytes   int64  `json:"sizeBytes"`
	MimeType    string `json:"mimeType"`
	SHA256      string `json:"sha256"`
	OwnerPeerID string `json:"ownerPeerId"`
	OwnerName   string `json:"ownerName"`
	AddedAtMs   int64  `json:"addedAt"`
}

// Platform enumerates the client platforms a peer may report.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
	PlatformUnknown Platform = "unknown"
)

// Message type tags, client→host and host→client.
const (
	TypeHello          = "HELLO"
	TypeJoinRoom       = "JOIN_ROOM"
	TypeLeaveRoom      = "LEAVE_ROOM"
	TypeHeartbeat      = "HEARTBEAT"
	TypeShareFiles     = "SHARE_FILES"
	TypeUnshareFiles   = "UNSHARE_FILES"
	TypeRequestFile    = "REQUEST_FILE"
	TypeRelayPull      = "RELAY_PULL"
	TypeRelayPushMeta  = "RELAY_PUSH_META"
	TypeRelayComplete  = "RELAY_COMPLETE"

	TypeWelcome          = "WELCOME"
	TypeRoomInfo         = "ROOM_INFO"
	TypePeerJoined       = "PEER_JOINED"
	TypePeerLeft         = "PEER_LEFT"
	TypeIndexFull        = "INDEX_FULL"
	TypeIndexUpsert      = "INDEX_UPSERT"
	TypeIndexRemove      = "INDEX_REMOVE"
	TypeFileOffer        = "FILE_OFFER"
	TypeTransferStart    = "TRANSFER_START"
	TypeTransferProgress = "TRANSFER_PROGRESS"
	TypeTransferComplete = "TRANSFER_COMPLETE"
	TypeError            = "ERROR"
)

// Error codes, spec §7.
const (
	ErrParseError        = "PARSE_ERROR"
	ErrNotRegistered     = "NOT_REGISTERED"
	ErrAlreadyRegistered = "ALREADY_REGISTERED"
	ErrNotInRoom         = "NOT_IN_ROOM"
	ErrRoomLocked        = "ROOM_LOCKED"
	ErrFileNotFound      = "FILE_NOT_FOUND"
	ErrOwnerOffline      = "OWNER_OFFLINE"
	ErrFileTooLarge      = "FILE_TOO_LARGE"
	ErrTransferError     = "TRANSFER_ERROR"
	ErrRateLimited       = "RATE_LIMITED"
	ErrUnknownRoom       = "UNKNOWN_ROOM"
)

// envelope is the common header every message carries.
type envelope struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// --- Client -> Host payloads ---

type Hello struct {
	Type       string `json:"type"`
	Ts         int64  `json:"ts"`
	PeerID     string `json:"peerId"`
	DeviceName string `json:"deviceName"`
	Platform   string `json:"platform"`
	AppVersion string `json:"appVersion,omitempty"`
}

type JoinRoom struct {
	Type   string `json:"type"`
	Ts     int64  `json:"ts"`
	RoomID string `json:"roomId,omitempty"`
}

type LeaveRoom struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

type Heartbeat struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

type ShareFiles struct {
	Type  string     `json:"type"`
	Ts    int64      `json:"ts"`
	Files []FileMeta `json:"files"`
}

type UnshareFiles struct {
	Type    string   `json:"type"`
	Ts      int64    `json:"ts"`
	FileIDs []string `json:"fileIds"`
}

type RequestFile struct {
	Type        string `json:"type"`
	Ts          int64  `json:"ts"`
	FileID      string `json:"fileId"`
	OwnerPeerID string `json:"ownerPeerId,omitempty"`
}

type RelayPull struct {
	Type            string `json:"type"`
	Ts              int64  `json:"ts"`
	FileID          string `json:"fileId"`
	TransferID      string `json:"transferId"`
	RequesterPeerID string `json:"requesterPeerId,omitempty"`
}

type RelayPushMeta struct {
	Type       string `json:"type"`
	Ts         int64  `json:"ts"`
	FileID     string `json:"fileId"`
	TransferID string `json:"transferId"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mimeType"`
	SHA256     string `json:"sha256"`
}

type RelayComplete struct {
	Type       string `json:"type"`
	Ts         int64  `json:"ts"`
	TransferID string `json:"transferId"`
	FileID     string `json:"fileId"`
}

// --- Host -> Client payloads ---

type Features struct {
	Relay    bool `json:"relay"`
	MaxFileMB int `json:"maxFileMB,omitempty"`
}

type Welcome struct {
	Ts       int64    `json:"ts"`
	Type     string   `json:"type"`
	HostID   string   `json:"hostId"`
	HostName string   `json:"hostName"`
	Features Features `json:"features"`
}

type PeerInfo struct {
	PeerID      string   `json:"peerId"`
	DeviceName  string   `json:"deviceName"`
	Platform    string   `json:"platform"`
	AppVersion  string   `json:"appVersion,omitempty"`
}

type RoomInfo struct {
	Ts        int64    `json:"ts"`
	Type      string   `json:"type"`
	RoomID    string   `json:"roomId"`
	RoomName  string   `json:"roomName"`
	HostID    string   `json:"hostId"`
	Features  Features `json:"features"`
	PeerCount int      `json:"peerCount"`
}

type PeerJoined struct {
	Ts   int64    `json:"ts"`
	Type string   `json:"type"`
	Peer PeerInfo `json:"peer"`
}

type PeerLeft struct {
	Ts     int64  `json:"ts"`
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

type IndexFull struct {
	Ts    int64      `json:"ts"`
	Type  string     `json:"type"`
	Files []FileMeta `json:"files"`
}

type IndexUpsert struct {
	Ts    int64      `json:"ts"`
	Type  string     `json:"type"`
	Files []FileMeta `json:"files"`
}

type IndexRemove struct {
	Ts      int64    `json:"ts"`
	Type    string   `json:"type"`
	FileIDs []string `json:"fileIds"`
}

type FileOffer struct {
	Ts          int64  `json:"ts"`
	Type        string `json:"type"`
	FileID      string `json:"fileId"`
	OwnerPeerID string `json:"ownerPeerId"`
	Relay       bool   `json:"relay"`
}

type TransferStart struct {
	Ts         int64  `json:"ts"`
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	FileID     string `json:"fileId"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mimeType"`
}

type TransferProgress struct {
	Ts               int64  `json:"ts"`
	Type             string `json:"type"`
	TransferID       string `json:"transferId"`
	BytesTransferred int64  `json:"bytesTransferred"`
	TotalBytes       int64  `json:"totalBytes"`
	Progress         int    `json:"progress"`
}

type TransferComplete struct {
	Ts         int64  `json:"ts"`
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	FileID     string `json:"fileId"`
	SHA256     string `json:"sha256"`
}

type ErrorMsg struct {
	Ts      int64  `json:"ts"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
