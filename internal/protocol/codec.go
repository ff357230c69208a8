package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// DecodeClientMessage validates and decodes one inbound text frame. The
// returned kind is one of the Type* constants; msg is the concrete
// payload struct for that kind. A malformed frame (unknown type,
// missing required field) returns a non-nil error — callers reply with
// an ERROR message and keep the connection open, per spec §4.1/§7.
func DecodeClientMessage(raw []byte) (kind string, msg interface{}, err error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("parse envelope: %w", err)
	}

	switch env.Type {
	case TypeHello:
		var m Hello
		if err := json.Unmarshal(raw, &m); err != nil {
			return "", nil, err
		}
		if m.PeerID == "" || m.DeviceName == "" || m.Platform == "" {
			return "", nil, fmt.Errorf("HELLO missing required field")
		}
		return TypeHello, m, nil
	case TypeJoinRoom:
		var m JoinRoom
		if err := json.Unmarshal(raw, &m); err != nil {
			return "", nil, err
		}
		return TypeJoinRoom, m, nil
	case TypeLeaveRoom:
		var m LeaveRoom
		json.Unmarshal(raw, &m)
		return TypeLeaveRoom, m, nil
	case TypeHeartbeat:
		var m Heartbeat
		json.Unmarshal(raw, &m)
		return TypeHeartbeat, m, nil
	case TypeShareFiles:
		var m ShareFiles
		if err := json.Unmarshal(raw, &m); err != nil {
			return "", nil, err
		}
		return TypeShareFiles, m, nil
	case TypeUnshareFiles:
		var m UnshareFiles
		if err := json.Unmarshal(raw, &m); err != nil {
			return "", nil, err
		}
		return TypeUnshareFiles, m, nil
	case TypeRequestFile:
		var m RequestFile
		if err := json.Unmarshal(raw, &m); err != nil {
			return "", nil, err
		}
		if m.FileID == "" {
			return "", nil, fmt.Errorf("REQUEST_FILE missing fileId")
		}
		return TypeRequestFile, m, nil
	case TypeRelayPull:
		var m RelayPull
		if err := json.Unmarshal(raw, &m); err != nil {
			return "", nil, err
		}
		if m.FileID == "" || m.TransferID == "" {
			return "", nil, fmt.Errorf("RELAY_PULL missing fileId/transferId")
		}
		return TypeRelayPull, m, nil
	case TypeRelayPushMeta:
		var m RelayPushMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return "", nil, err
		}
		if m.TransferID == "" {
			return "", nil, fmt.Errorf("RELAY_PUSH_META missing transferId")
		}
		return TypeRelayPushMeta, m, nil
	case TypeRelayComplete:
		var m RelayComplete
		if err := json.Unmarshal(raw, &m); err != nil {
			return "", nil, err
		}
		if m.TransferID == "" {
			return "", nil, fmt.Errorf("RELAY_COMPLETE missing transferId")
		}
		return TypeRelayComplete, m, nil
	default:
		return "", nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// Encode marshals any outbound payload to JSON text-frame bytes.
func Encode(msg interface{}) []byte {
	b, err := json.Marshal(msg)
	if err != nil {
		// Every outbound payload is a statically known struct; a marshal
		// failure here means a programmer error, not a runtime condition.
		panic(err)
	}
	return b
}

// EncodeFrame builds a binary relay frame: big-endian uint32 transferId
// length, the transferId itself, then the opaque chunk bytes (spec
// §4.1 binary frame format).
func EncodeFrame(transferID string, chunk []byte) []byte {
	idBytes := []byte(transferID)
	out := make([]byte, 4+len(idBytes)+len(chunk))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(idBytes)))
	copy(out[4:4+len(idBytes)], idBytes)
	copy(out[4+len(idBytes):], chunk)
	return out
}

// DecodeFrame extracts the transferId and chunk payload from a binary
// relay frame. It returns ok=false (with no error) when the frame is
// too short to contain its declared transferId length, per spec §4.1:
// such frames are discarded with no side effect.
func DecodeFrame(frame []byte) (transferID string, chunk []byte, ok bool) {
	if len(frame) < 4 {
		return "", nil, false
	}
	idLen := binary.BigEndian.Uint32(frame[0:4])
	if idLen == 0 {
		return "", nil, false
	}
	if int(idLen) > len(frame)-4 {
		return "", nil, false
	}
	id := string(frame[4 : 4+idLen])
	return id, frame[4+idLen:], true
}
