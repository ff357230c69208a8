package hostlibrary

import (
	"bytes"
	"io"
	"sync"
)

// HostPeerID is the synthetic owner id that marks a FileMeta as coming
// from the host library rather than from a guest peer.
const HostPeerID = "venue-host"

// Memory is a simple in-memory Library used by the default binary and by
// tests. Files are held as byte slices rather than on disk.
type Memory struct {
	mu       sync.Mutex
	name     string
	locked   bool
	files    map[string]memFile
	onChange func(added []FileEntry, removedIDs []string)
}

type memFile struct {
	entry FileEntry
	bytes []byte
}

// NewMemory constructs an empty in-memory host library for the given
// room name.
func NewMemory(roomName string) *Memory {
	return &Memory{
		name:  roomName,
		files: make(map[string]memFile),
	}
}

// Put adds or replaces a host-library file and notifies subscribers.
func (m *Memory) Put(entry FileEntry, data []byte) {
	m.mu.Lock()
	m.files[entry.ID] = memFile{entry: entry, bytes: data}
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb([]FileEntry{entry}, nil)
	}
}

// Remove deletes a host-library file and notifies subscribers.
func (m *Memory) Remove(fileID string) {
	m.mu.Lock()
	delete(m.files, fileID)
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(nil, []string{fileID})
	}
}

// SetLocked toggles the room lock the admin surface controls.
func (m *Memory) SetLocked(locked bool) {
	m.mu.Lock()
	m.locked = locked
	m.mu.Unlock()
}

func (m *Memory) List() []FileEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FileEntry, 0, len(m.files))
	for _, f := range m.files {
		out = append(out, f.entry)
	}
	return out
}

func (m *Memory) Get(fileID string) (FileEntry, io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return FileEntry{}, nil, ErrNotFound
	}
	return f.entry, io.NopCloser(bytes.NewReader(f.bytes)), nil
}

func (m *Memory) IsRoomLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

func (m *Memory) RoomView() RoomView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return RoomView{ID: "default", Name: m.name, Locked: m.locked}
}

func (m *Memory) OnChange(cb func(added []FileEntry, removedIDs []string)) {
	m.mu.Lock()
	m.onChange = cb
	m.mu.Unlock()
}
